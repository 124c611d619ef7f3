package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jiawesoft/jiascheduler/internal/bridgeproto"
	"github.com/jiawesoft/jiascheduler/internal/metrics"
)

// DefaultSendTimeout is the round-trip budget send_msg waits before
// declaring a request timed out.
const DefaultSendTimeout = 90 * time.Second

// SendErrorKind classifies why SendMsg failed, mirroring the taxonomy a
// caller needs to decide whether to retry.
type SendErrorKind string

const (
	ErrKindUnknownClient SendErrorKind = "unknown_client"
	ErrKindQueueFull     SendErrorKind = "queue_full"
	ErrKindClosed        SendErrorKind = "closed"
	ErrKindTimeout       SendErrorKind = "timeout"
	ErrKindRemote        SendErrorKind = "remote"
)

// SendError reports a failed round trip through the registry.
type SendError struct {
	Kind SendErrorKind
	Err  error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bridge: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("bridge: %s", e.Kind)
}

func (e *SendError) Unwrap() error { return e.Err }

func sendErr(kind SendErrorKind, err error) *SendError {
	return &SendError{Kind: kind, Err: err}
}

// Registry is the process-wide table of connected agent sessions, addressed
// by SessionKey. It is the "server_clients" table from the bridge's
// original design: append_client, remove_client, send_msg.
type Registry struct {
	log *slog.Logger
	m   *metrics.Metrics

	mu       sync.RWMutex
	sessions map[SessionKey]*Handle

	sendTimeout time.Duration
	queueSize   int
}

// NewRegistry builds an empty registry. sendTimeout <= 0 uses
// DefaultSendTimeout. m may be nil to run without instrumentation. queueSize
// <= 0 uses each session's default outbound queue capacity.
func NewRegistry(log *slog.Logger, sendTimeout time.Duration, queueSize int, m *metrics.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Registry{
		log:         log,
		m:           m,
		sessions:    make(map[SessionKey]*Handle),
		sendTimeout: sendTimeout,
		queueSize:   queueSize,
	}
}

// AppendClient registers handle under key. If a session is already
// registered under the same key, the previous handle is closed first — its
// own pending waiters get completed with "connection closed" by its own
// drain, rather than being silently orphaned by an overwrite.
func (r *Registry) AppendClient(key SessionKey, h *Handle) {
	r.mu.Lock()
	old, existed := r.sessions[key]
	r.sessions[key] = h
	r.mu.Unlock()

	if existed {
		r.log.Warn("bridge.registry.replace", "key", key)
		old.Close()
	} else if r.m != nil {
		r.m.SessionsConnected.Inc()
		r.m.SessionsTotal.Inc()
	}
}

// RemoveClient drops key from the table, but only if the handle currently
// registered there has actually died — a session that already lost the
// race to a newer AppendClient must not evict its successor just because
// its own teardown runs after the replacement.
func (r *Registry) RemoveClient(key SessionKey, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[key]; ok && !cur.Alive() {
		delete(r.sessions, key)
		if r.m != nil {
			r.m.SessionsConnected.Dec()
			r.m.SessionsClosed.WithLabelValues(reason).Inc()
		}
	}
}

// Connect starts a session over conn and registers it under key, wiring its
// close callback to evict itself from the registry automatically — the
// production entrypoint that combines Start, AppendClient, and teardown.
func (r *Registry) Connect(ctx context.Context, conn Conn, key SessionKey, namespace string, handler RequestHandler) *Handle {
	h := Start(ctx, conn, key, namespace, r.log, WithRequestHandler(handler), WithQueueSize(r.queueSize), WithCloseCallback(func(reason string) {
		r.RemoveClient(key, reason)
	}))
	r.AppendClient(key, h)
	return h
}

// Lookup returns the live handle for key, if any.
func (r *Registry) Lookup(key SessionKey) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[key]
	return h, ok
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SendMsg routes req to the agent at key and blocks for its response, or
// until ctx is cancelled or the registry's send timeout elapses, whichever
// comes first.
//
// The registry lock is held only for the map lookup — never across the
// send/await below — so a slow or stuck agent can't stall unrelated
// SendMsg calls against other agents.
func (r *Registry) SendMsg(ctx context.Context, key SessionKey, req bridgeproto.ReqKind) (payload []byte, err error) {
	start := time.Now()
	defer func() {
		if r.m == nil {
			return
		}
		kind := "ok"
		var se *SendError
		if errors.As(err, &se) {
			kind = string(se.Kind)
		}
		r.m.SendMsgTotal.WithLabelValues(kind).Inc()
		r.m.SendMsgDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	r.mu.RLock()
	h, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return nil, sendErr(ErrKindUnknownClient, fmt.Errorf("no session for %s", key))
	}
	if !h.Alive() {
		return nil, sendErr(ErrKindClosed, fmt.Errorf("session for %s already closed", key))
	}

	reply := make(chan bridgeproto.RespKind, 1)
	msg := bridgeproto.Message{Data: bridgeproto.MsgData{Req: &req}}

	if sendErrVal := h.Send(msg, reply); sendErrVal != nil {
		if r.m != nil {
			r.m.OutboundQueueFull.Inc()
		}
		return nil, sendErr(ErrKindQueueFull, sendErrVal)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	select {
	case resp := <-reply:
		switch {
		case resp.Ok != nil:
			return []byte(*resp.Ok), nil
		case resp.Err != nil:
			return nil, sendErr(ErrKindRemote, errors.New(*resp.Err))
		default:
			return nil, sendErr(ErrKindRemote, fmt.Errorf("empty response"))
		}
	case <-timeoutCtx.Done():
		// The correlation id is assigned by the writer (never the caller, to
		// avoid the allocation race a shared counter here would invite), so
		// this layer can't reap the pending entry by id. A late response
		// still finds the entry and completes it into the buffered reply
		// channel nobody reads any more, or the session's close drains it —
		// either way the waiter we already gave up on is completed at most
		// once.
		if ctx.Err() != nil {
			return nil, sendErr(ErrKindTimeout, ctx.Err())
		}
		return nil, sendErr(ErrKindTimeout, fmt.Errorf("no response within %s", r.sendTimeout))
	}
}
