package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jiawesoft/jiascheduler/internal/bridge"
	"github.com/jiawesoft/jiascheduler/internal/bridgeproto"
	"github.com/jiawesoft/jiascheduler/internal/dispatch"
	"github.com/jiawesoft/jiascheduler/internal/idgen"
	"github.com/jiawesoft/jiascheduler/internal/metrics"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	registry *bridge.Registry,
	m *metrics.Metrics,
	history *dispatch.Store,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", m.Handler())

	mux.HandleFunc("/bridge/ws", func(w http.ResponseWriter, r *http.Request) {
		handleBridgeUpgrade(w, r, log, cfg, registry)
	})

	mux.HandleFunc("/api/agents/send", func(w http.ResponseWriter, r *http.Request) {
		handleSendMsg(w, r, log, registry, history)
	})

	mux.HandleFunc("/api/dispatch/history", func(w http.ResponseWriter, r *http.Request) {
		handleDispatchHistory(w, r, log, history)
	})
}

// handleBridgeUpgrade accepts a WebSocket connection from an agent and
// registers it under the SessionKey carried in the query string. Agent
// identity/auth is an external-collaborator concern (console's token
// validation middleware would sit in front of this route in production);
// here the ip/mac pair is trusted as supplied by the caller.
func handleBridgeUpgrade(w http.ResponseWriter, r *http.Request, log Logger, cfg Config, registry *bridge.Registry) {
	ip := r.URL.Query().Get("ip")
	mac := r.URL.Query().Get("mac")
	namespace := r.URL.Query().Get("namespace")
	if ip == "" || mac == "" {
		http.Error(w, "missing ip/mac", http.StatusBadRequest)
		return
	}

	conn, err := bridge.Accept(w, r, bridge.AcceptOptions{InsecureSkipVerify: cfg.BridgeInsecureSkip})
	if err != nil {
		log.Warn("bridge.accept.failed", "err", err)
		return
	}

	key := bridge.NewSessionKey(ip, mac)
	h := registry.Connect(r.Context(), conn, key, namespace, unsupportedAgentRequest(log))
	log.Info("bridge.session.connected", "key", key, "namespace", namespace)
	<-h.Done()
}

// unsupportedAgentRequest answers any comet-bound request with an error
// response: job scheduling (what would actually decide a PullJob reply) is
// the external scheduler collaborator named in §1, not the bridge core.
func unsupportedAgentRequest(log Logger) bridge.RequestHandler {
	return func(_ context.Context, req bridgeproto.ReqKind) bridgeproto.RespKind {
		log.Warn("bridge.request.unsupported", "kind", req.Tag)
		return bridgeproto.ErrResp("unsupported request kind: " + req.Tag)
	}
}

type sendMsgRequest struct {
	IP      string          `json:"ip"`
	Mac     string          `json:"mac"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// handleSendMsg is the thin console-facing adapter: it decodes a
// {ip, mac, kind, payload} envelope, routes it through the registry, and
// returns the agent's raw JSON payload or a mapped error status. Every call
// is recorded in the dispatch-history store around the Registry.SendMsg
// call, from the pending row at dispatch time to its outcome.
func handleSendMsg(w http.ResponseWriter, r *http.Request, log Logger, registry *bridge.Registry, history *dispatch.Store) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in sendMsgRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if in.IP == "" || in.Mac == "" || in.Kind == "" {
		http.Error(w, "missing ip/mac/kind", http.StatusBadRequest)
		return
	}

	key := bridge.NewSessionKey(in.IP, in.Mac)
	recordID := idgen.New()
	dispatchedAt := time.Now().UTC()
	if err := history.Begin(r.Context(), recordID, dispatchEid(in.Payload), string(key), in.Kind, dispatchedAt); err != nil {
		log.Warn("dispatch.begin.failed", "err", err)
	}

	payload, err := registry.SendMsg(r.Context(), key, bridgeproto.ReqKind{Tag: in.Kind, Payload: in.Payload})
	if err != nil {
		outcome := dispatch.OutcomeError
		var se *bridge.SendError
		if errors.As(err, &se) && se.Kind == bridge.ErrKindTimeout {
			outcome = dispatch.OutcomeTimeout
		}
		if herr := history.Complete(r.Context(), recordID, outcome, time.Now().UTC(), err.Error()); herr != nil {
			log.Warn("dispatch.complete.failed", "err", herr)
		}
		writeSendMsgError(w, log, err)
		return
	}

	if herr := history.Complete(r.Context(), recordID, dispatch.OutcomeOK, time.Now().UTC(), ""); herr != nil {
		log.Warn("dispatch.complete.failed", "err", herr)
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

// dispatchEid best-effort extracts the execution id carried in a request's
// own payload (DispatchJobParams and friends all carry "eid"), so history
// rows can be correlated to a job execution even though the envelope itself
// is kind-agnostic.
func dispatchEid(payload json.RawMessage) string {
	var withEid struct {
		Eid string `json:"eid"`
	}
	if err := json.Unmarshal(payload, &withEid); err != nil {
		return ""
	}
	return withEid.Eid
}

// handleDispatchHistory answers the audit-trail query that handleSendMsg's
// Begin/Complete calls populate: ?eid=...&agent_key=...&limit=... narrows
// the result, most recently dispatched first.
func handleDispatchHistory(w http.ResponseWriter, r *http.Request, log Logger, history *dispatch.Store) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := dispatch.ListFilter{
		Eid:      q.Get("eid"),
		AgentKey: q.Get("agent_key"),
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}

	records, err := history.List(r.Context(), filter)
	if err != nil {
		log.Warn("dispatch.list.failed", "err", err)
		http.Error(w, "dispatch history unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

func writeSendMsgError(w http.ResponseWriter, log Logger, err error) {
	var se *bridge.SendError
	if !errors.As(err, &se) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusInternalServerError
	switch se.Kind {
	case bridge.ErrKindUnknownClient, bridge.ErrKindClosed:
		status = http.StatusNotFound
	case bridge.ErrKindQueueFull, bridge.ErrKindTimeout:
		status = http.StatusGatewayTimeout
	case bridge.ErrKindRemote:
		status = http.StatusBadGateway
	}
	log.Warn("bridge.send.failed", "kind", se.Kind, "err", se.Err)
	http.Error(w, se.Error(), status)
}
