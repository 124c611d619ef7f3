// Package sshproxy is the console's SSH terminal adapter: it accepts SSH
// connections addressed at a specific agent (ip, mac, namespace — mirroring
// the original comet's WebSshQuery/SshLoginParams shape) and relays each
// session's command through the bridge as a DispatchJob, without the
// bridge core ever knowing an SSH client is involved.
//
// This is a deliberately thin proxy: one exec request per SSH session
// (ssh agent@host "command"), not a full interactive pty. A real terminal
// would need a streaming request kind the closed ReqKind set doesn't have
// yet — KindRaw exists for exactly this kind of future extension.
package sshproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/jiawesoft/jiascheduler/internal/bridgeproto"
	"github.com/jiawesoft/jiascheduler/internal/cometclient"
)

// LoginParams identifies which agent a connecting SSH session targets,
// mirroring the original SshLoginParams shape (ip/mac_addr/namespace).
type LoginParams struct {
	IP        string
	MacAddr   string
	Namespace string
}

// AuthFunc validates an incoming SSH public-key-less password login and
// resolves it to the agent it targets. Real credential verification is an
// external-collaborator concern (the console's own auth/identity stack);
// this proxy only needs the resolved LoginParams.
type AuthFunc func(user, password string) (LoginParams, error)

// Server is an SSH server whose sessions are backed by DispatchJob calls
// through a cometclient.Client rather than a local shell.
type Server struct {
	log    *slog.Logger
	comet  *cometclient.Client
	auth   AuthFunc
	signer ssh.Signer
}

// New builds a Server. hostKey is the server's SSH host key (generate one
// with ssh.NewSignerFromKey over an ed25519/rsa key at startup).
func New(log *slog.Logger, comet *cometclient.Client, auth AuthFunc, hostKey ssh.Signer) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log, comet: comet, auth: auth, signer: hostKey}
}

// ListenAndServe accepts SSH connections on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			params, err := s.auth(c.User(), string(password))
			if err != nil {
				return nil, fmt.Errorf("sshproxy: auth rejected: %w", err)
			}
			return &ssh.Permissions{Extensions: map[string]string{
				"ip":        params.IP,
				"mac":       params.MacAddr,
				"namespace": params.Namespace,
			}}, nil
		},
	}
	cfg.AddHostKey(s.signer)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sshproxy: listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.log.Info("sshproxy.listening", "addr", addr)
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("sshproxy.accept.failed", "err", err)
			continue
		}
		go s.handleConn(ctx, nc, cfg)
	}
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn, cfg *ssh.ServerConfig) {
	defer nc.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		s.log.Warn("sshproxy.handshake.failed", "err", err)
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	ip := sconn.Permissions.Extensions["ip"]
	mac := sconn.Permissions.Extensions["mac"]

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			s.log.Warn("sshproxy.channel.accept.failed", "err", err)
			continue
		}
		go s.handleSession(ctx, ch, chReqs, ip, mac)
	}
}

func (s *Server) handleSession(ctx context.Context, ch ssh.Channel, reqs <-chan *ssh.Request, ip, mac string) {
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			s.runExec(ctx, ch, ip, mac, payload.Command)
			return
		case "shell":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			fmt.Fprintln(ch, "sshproxy: interactive shells are not supported, use `ssh ... 'command'`")
			sendExitStatus(ch, 1)
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runExec(ctx context.Context, ch ssh.Channel, ip, mac, command string) {
	params := bridgeproto.DispatchJobParams{
		Eid:        fmt.Sprintf("ssh-%s-%s", ip, mac),
		Command:    command,
		TimeoutSec: 120,
	}

	raw, err := s.comet.SendMsg(ctx, ip, mac, bridgeproto.KindDispatchJob, params)
	if err != nil {
		fmt.Fprintf(ch.Stderr(), "sshproxy: dispatch failed: %v\n", err)
		sendExitStatus(ch, 1)
		return
	}

	var result struct {
		ExitCode int    `json:"exit_code"`
		Output   string `json:"output"`
		Error    string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		fmt.Fprintf(ch.Stderr(), "sshproxy: decoding agent response: %v\n", err)
		sendExitStatus(ch, 1)
		return
	}

	fmt.Fprint(ch, result.Output)
	if result.Error != "" {
		fmt.Fprintln(ch.Stderr(), result.Error)
	}
	sendExitStatus(ch, uint32(result.ExitCode))
}

func sendExitStatus(ch ssh.Channel, code uint32) {
	payload := struct{ Status uint32 }{Status: code}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(payload))
}
