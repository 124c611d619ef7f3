package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	wsSubprotocol       = "jiascheduler.bridge.v1"
	maxFrameBytes       = 16 << 20 // 16 MiB, generous enough for sftp chunk payloads
	defaultWriteTimeout = 5 * time.Second
)

// wsConn adapts a *websocket.Conn to the bridge's minimal Conn interface,
// classifying close/cancel/EOF variants into a single terminal error so
// ClientSession never has to know about coder/websocket's error shapes.
type wsConn struct {
	conn *websocket.Conn
}

func newWSConn(c *websocket.Conn) *wsConn {
	c.SetReadLimit(maxFrameBytes)
	return &wsConn{conn: c}
}

func (w *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	mt, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, classifyWSErr(err)
	}
	if mt != websocket.MessageBinary {
		return nil, fmt.Errorf("bridge: unexpected message type %v, want binary", mt)
	}
	return data, nil
}

func (w *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := w.conn.Write(wctx, websocket.MessageBinary, data); err != nil {
		return classifyWSErr(err)
	}
	return nil
}

func (w *wsConn) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}

// classifyWSErr collapses coder/websocket's assorted close/cancel/EOF error
// shapes into one terminal error, since ClientSession only ever needs to
// know "the transport is dead", never which of the many ways it died.
func classifyWSErr(err error) error {
	if websocket.CloseStatus(err) != -1 {
		return fmt.Errorf("bridge: peer closed: %w", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("bridge: context done: %w", err)
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return fmt.Errorf("bridge: connection closed: %w", err)
	}
	if s := err.Error(); strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "broken pipe") {
		return fmt.Errorf("bridge: connection closed: %w", err)
	}
	return err
}

// AcceptOptions configures the server-side HTTP upgrade.
type AcceptOptions struct {
	// InsecureSkipVerify disables the WebSocket origin check. Only the
	// comet's own reverse proxy terminates TLS in front of agent traffic, so
	// this is false by default and should stay false outside local dev.
	InsecureSkipVerify bool
}

// Accept upgrades an HTTP request to a bridge WebSocket connection.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (Conn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocol},
		InsecureSkipVerify: opts.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: accept: %w", err)
	}
	return newWSConn(c), nil
}

// Dial connects out to a comet bridge endpoint, used by the agent binary.
func Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: dial: %w", err)
	}
	return newWSConn(c), nil
}
