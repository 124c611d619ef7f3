// Package main is the agent entrypoint binary: it dials out to a comet,
// registers a RequestHandler that executes dispatched jobs and filesystem
// operations against the local host, and reconnects with backoff whenever
// the connection drops.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jiawesoft/jiascheduler/internal/agentrun"
	"github.com/jiawesoft/jiascheduler/internal/app"
	"github.com/jiawesoft/jiascheduler/internal/bridge"
)

func main() {
	cometAddr := flag.String("comet-addr", app.EnvString("JIA_COMET_ADDR", "ws://127.0.0.1:8080/bridge/ws"), "comet bridge WebSocket URL")
	namespace := flag.String("namespace", app.EnvString("JIA_NAMESPACE", "default"), "namespace this agent reports under")
	outputDir := flag.String("output-dir", app.EnvString("JIA_OUTPUT_DIR", "./log"), "directory for saving job execution logs")
	ip := flag.String("ip", app.EnvString("JIA_AGENT_IP", ""), "agent ip reported to comet (auto-detected if empty)")
	mac := flag.String("mac", app.EnvString("JIA_AGENT_MAC", ""), "agent mac address reported to comet (auto-detected if empty)")
	logLevel := flag.String("log-level", app.EnvString("JIA_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", app.EnvString("JIA_LOG_FORMAT", "auto"), "log format: auto, pretty, text, json")
	flag.Parse()

	log := app.NewLogger(*logLevel, *logFormat)

	resolvedIP := *ip
	if resolvedIP == "" {
		var err error
		resolvedIP, err = outboundIP()
		if err != nil {
			log.Error("agent.detect_ip.failed", "err", err)
			os.Exit(1)
		}
	}
	resolvedMAC := *mac
	if resolvedMAC == "" {
		var err error
		resolvedMAC, err = primaryMACAddr()
		if err != nil {
			log.Error("agent.detect_mac.failed", "err", err)
			os.Exit(1)
		}
	}

	executor := agentrun.New(log, *outputDir)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runAgent(ctx, log, *cometAddr, *namespace, resolvedIP, resolvedMAC, executor)
}

// runAgent loops dialing the comet, running one session to completion, and
// backing off before redialing, until ctx is cancelled.
func runAgent(ctx context.Context, log *slog.Logger, cometAddr, namespace, ip, mac string, executor *agentrun.Executor) {
	// Comet's upgrade handler identifies the agent by these query parameters.
	u, err := url.Parse(cometAddr)
	if err != nil {
		log.Error("agent.comet_addr.invalid", "addr", cometAddr, "err", err)
		return
	}
	q := u.Query()
	q.Set("ip", ip)
	q.Set("mac", mac)
	q.Set("namespace", namespace)
	u.RawQuery = q.Encode()
	dialAddr := u.String()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := bridge.Dial(ctx, dialAddr)
		if err != nil {
			attempt++
			delay := backoff(attempt)
			log.Warn("agent.dial.failed", "addr", cometAddr, "err", err, "retry_in", delay)
			if !sleepOrDone(ctx, delay) {
				return
			}
			continue
		}
		attempt = 0

		key := bridge.NewSessionKey(ip, mac)
		log.Info("agent.connected", "addr", cometAddr, "key", key, "namespace", namespace)

		h := bridge.Start(ctx, conn, key, namespace, log, bridge.WithRequestHandler(executor.Handle))
		select {
		case <-h.Done():
			log.Warn("agent.session.closed")
		case <-ctx.Done():
			h.Close()
			<-h.Done()
			return
		}

		if !sleepOrDone(ctx, backoff(1)) {
			return
		}
	}
}

const (
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// backoff computes exponential delay with a cap, mirroring the reconnect
// strategy of connection-oriented agents elsewhere in the ecosystem.
func backoff(attempt int) time.Duration {
	delay := baseDelay
	for i := 0; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// outboundIP returns the local address used to reach the default route,
// without sending any packets (UDP "connect" is just route resolution).
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("resolving outbound ip: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local addr type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

// primaryMACAddr returns the hardware address of the first interface with a
// non-empty one, skipping loopback.
func primaryMACAddr() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", fmt.Errorf("no interface with a hardware address found")
}
