// Package main is the console entrypoint binary: a thin HTTP-to-bridge
// adapter plus an SSH terminal proxy, both fronting one or more comets over
// cometclient rather than holding any bridge sessions directly.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jiawesoft/jiascheduler/internal/app"
	"github.com/jiawesoft/jiascheduler/internal/cometclient"
	"github.com/jiawesoft/jiascheduler/internal/security/password"
	"github.com/jiawesoft/jiascheduler/internal/sshproxy"
)

func main() {
	httpAddr := app.EnvString("JIA_CONSOLE_HTTP_ADDR", "0.0.0.0:8090")
	sshAddr := app.EnvString("JIA_CONSOLE_SSH_ADDR", "0.0.0.0:2222")
	cometURL := app.EnvString("JIA_COMET_HTTP_URL", "http://127.0.0.1:8080")
	sendTimeout := app.EnvDuration("JIA_CONSOLE_SEND_TIMEOUT", 90*time.Second)

	log := app.NewLogger(app.EnvString("JIA_LOG_LEVEL", "info"), app.EnvString("JIA_LOG_FORMAT", "auto"))
	comet := cometclient.New(cometURL, sendTimeout)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hostKey, err := generateHostKey()
	if err != nil {
		log.Error("console.ssh.hostkey.failed", "err", err)
		return
	}

	operator, err := newOperatorAccount(log)
	if err != nil {
		log.Error("console.ssh.operator_account.failed", "err", err)
		return
	}

	sshSrv := sshproxy.New(log, comet, operator.authenticate, hostKey)
	go func() {
		if err := sshSrv.ListenAndServe(ctx, sshAddr); err != nil {
			log.Error("console.ssh.stopped", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/api/agents/send", func(w http.ResponseWriter, r *http.Request) {
		handleSend(w, r, comet)
	})

	srv := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("console.start", "http_addr", httpAddr, "ssh_addr", sshAddr, "comet_url", cometURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("console.http.failed", "err", err)
	}
}

type sendRequest struct {
	IP      string          `json:"ip"`
	Mac     string          `json:"mac"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// handleSend is the console's own REST surface: a caller-facing wrapper
// that forwards to comet via cometclient, keeping the bridge wire protocol
// entirely behind this process boundary.
func handleSend(w http.ResponseWriter, r *http.Request, comet *cometclient.Client) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in sendRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	payload, err := comet.SendMsg(r.Context(), in.IP, in.Mac, in.Kind, in.Payload)
	if err != nil {
		var remoteErr *cometclient.RemoteError
		if asRemoteError(err, &remoteErr) {
			http.Error(w, remoteErr.Body, remoteErr.StatusCode)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func asRemoteError(err error, target **cometclient.RemoteError) bool {
	re, ok := err.(*cometclient.RemoteError)
	if !ok {
		return false
	}
	*target = re
	return true
}

// parseLoginFromUsername decodes "ip@mac@namespace" SSH usernames into
// LoginParams. Real deployments would resolve the username against the
// console's own identity store instead — out of scope here per the
// bridge's external-collaborator boundary.
func parseLoginFromUsername(user string) (sshproxy.LoginParams, error) {
	parts := strings.Split(user, "@")
	if len(parts) != 3 {
		return sshproxy.LoginParams{}, fmt.Errorf("expected username of the form ip@mac@namespace")
	}
	return sshproxy.LoginParams{IP: parts[0], MacAddr: parts[1], Namespace: parts[2]}, nil
}

// operatorAccount gates the SSH terminal proxy behind a single hashed
// operator credential, the console's one account-credential path. The
// password is hashed once at startup with Argon2id and verified (constant
// time) on every SSH login attempt — no plaintext password is ever held
// past the env var read.
type operatorAccount struct {
	cfg  password.Config
	hash string
}

// newOperatorAccount hashes JIA_CONSOLE_OPERATOR_PASSWORD once at startup.
// An unset password leaves the proxy open (dev mode), matching how the rest
// of this binary degrades when its collaborators aren't configured.
func newOperatorAccount(log app.Logger) (*operatorAccount, error) {
	cfg := password.DefaultConfig()

	plaintext := app.EnvString("JIA_CONSOLE_OPERATOR_PASSWORD", "")
	if plaintext == "" {
		log.Warn("console.ssh.operator_account.unset", "reason", "JIA_CONSOLE_OPERATOR_PASSWORD not set, SSH proxy accepts any password")
		return &operatorAccount{cfg: cfg}, nil
	}

	hash, err := cfg.Hash(plaintext)
	if err != nil {
		return nil, fmt.Errorf("hashing operator password: %w", err)
	}
	return &operatorAccount{cfg: cfg, hash: hash}, nil
}

// authenticate is an sshproxy.AuthFunc: it verifies the operator password
// before resolving the username into the agent it targets.
func (a *operatorAccount) authenticate(user, pass string) (sshproxy.LoginParams, error) {
	if a.hash != "" {
		ok, err := a.cfg.Verify(a.hash, pass)
		if err != nil {
			return sshproxy.LoginParams{}, fmt.Errorf("console: operator auth: %w", err)
		}
		if !ok {
			return sshproxy.LoginParams{}, fmt.Errorf("console: operator auth: invalid password")
		}
	}
	return parseLoginFromUsername(user)
}

func generateHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}
