// Package bridge implements the comet bridge: the per-agent client session
// (reader/writer pair with a correlation table) and the process-wide
// registry that lets callers address a specific agent by SessionKey and
// block on a typed request/response round trip.
//
// The design mirrors a single-owner, message-passing discipline: the
// session's outbound channel is the sole lifecycle signal (closing it stops
// the writer; the writer then stops the socket; the reader then stops on
// its next read error), so there is no shared cancellation token to keep in
// sync across the two goroutines.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jiawesoft/jiascheduler/internal/bridgeproto"
)

// SessionKey canonically identifies one agent instance. Namespace is kept
// out of the key deliberately — it is carried as a session attribute
// instead, since two agents in different namespaces can still share an
// (ip, mac) pair only in pathological NAT setups, and the wire format must
// stay byte-compatible with existing deployments.
type SessionKey string

// NewSessionKey builds the canonical "jiascheduler:ins:{ip}:{mac}" key.
func NewSessionKey(ip, mac string) SessionKey {
	return SessionKey(fmt.Sprintf("jiascheduler:ins:%s:%s", ip, mac))
}

// Conn is the minimal transport a ClientSession drives. Production code
// wraps a *coder/websocket.Conn (see wsconn.go); tests can supply an
// in-memory fake so the correlation/timeout machinery is exercised without
// a real socket.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close(reason string) error
}

// RequestHandler processes an inbound request frame and returns the
// response to send back under the same correlation id. It is the seam
// where the agent-side job runner (out of scope for the bridge itself)
// plugs in.
type RequestHandler func(ctx context.Context, req bridgeproto.ReqKind) bridgeproto.RespKind

// outboundItem is one entry on a session's outbound queue.
//
//   - reply != nil: this is an outgoing Request expecting a correlated
//     response; the writer allocates a fresh id and registers the pending
//     entry before framing and sending.
//   - reply == nil: this is either a fire-and-forget request (ID stays 0)
//     or a response being sent back under an id the peer already assigned
//     (Msg.ID is preserved verbatim).
type outboundItem struct {
	msg   bridgeproto.Message
	reply chan bridgeproto.RespKind
}

const defaultOutboundQueueSize = 128

// ErrQueueFull is returned by Handle.Send when the outbound queue could not
// accept the message within its grace period.
var ErrQueueFull = fmt.Errorf("bridge: outbound queue full")

// Handle is the outbound-send side of a ClientSession, the only reference
// the registry keeps. It is a plain value around a channel — no
// back-reference to the session, so registry and session ownership never
// cycle.
type Handle struct {
	key   SessionKey
	send  chan outboundItem
	done  chan struct{} // closed once both reader and writer have exited
	alive atomic.Bool

	closeOnce sync.Once
}

// Alive reports whether the session's transport is still believed up.
func (h *Handle) Alive() bool { return h.alive.Load() }

// Done is closed once the session has fully terminated (both tasks joined).
func (h *Handle) Done() <-chan struct{} { return h.done }

// Send enqueues msg for the writer. If reply is non-nil, the writer
// allocates a correlation id and the caller should wait on reply for the
// eventual MsgState. Send never blocks past the queue's capacity: a full
// queue returns ErrQueueFull immediately (zero grace, which the spec allows
// an implementer to choose).
func (h *Handle) Send(msg bridgeproto.Message, reply chan bridgeproto.RespKind) error {
	select {
	case h.send <- outboundItem{msg: msg, reply: reply}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close triggers graceful shutdown: closing the outbound channel is the
// sole lifecycle signal, so the writer drains then exits, the socket
// closes, and the reader exits on its next read error. Close is idempotent.
func (h *Handle) Close() {
	h.closeOnce.Do(func() { close(h.send) })
}

// ClientSession owns one connected agent's WebSocket, its outbound queue,
// and its in-flight correlation table. Start spawns the reader and writer
// goroutines and returns the Handle used to address this session.
type ClientSession struct {
	Key       SessionKey
	Namespace string

	conn      Conn
	log       *slog.Logger
	onClose   func(reason string)
	handler   RequestHandler
	queueSize int

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan bridgeproto.RespKind

	handle *Handle
}

// Option configures a ClientSession at Start time.
type Option func(*ClientSession)

// WithRequestHandler installs the callback invoked for inbound request
// frames (the agent-side job runner, or the console-side admin surface).
// Without one, inbound requests are logged and dropped.
func WithRequestHandler(h RequestHandler) Option {
	return func(s *ClientSession) { s.handler = h }
}

// WithCloseCallback installs a hook invoked once, with the close reason,
// when the session fully terminates. The registry uses this to evict itself
// from the map without a separate watchdog goroutine per session.
func WithCloseCallback(cb func(reason string)) Option {
	return func(s *ClientSession) { s.onClose = cb }
}

// WithQueueSize overrides the outbound queue's capacity. n <= 0 keeps the
// default.
func WithQueueSize(n int) Option {
	return func(s *ClientSession) { s.queueSize = n }
}

// Start constructs and launches a ClientSession's reader and writer over
// conn, returning the send Handle used by the registry and higher layers.
func Start(ctx context.Context, conn Conn, key SessionKey, namespace string, log *slog.Logger, opts ...Option) *Handle {
	if log == nil {
		log = slog.Default()
	}
	s := &ClientSession{
		Key:       key,
		Namespace: namespace,
		conn:      conn,
		log:       log,
		pending:   make(map[uint64]chan bridgeproto.RespKind),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.nextID.Store(0)

	queueSize := s.queueSize
	if queueSize <= 0 {
		queueSize = defaultOutboundQueueSize
	}
	h := &Handle{
		key:  key,
		send: make(chan outboundItem, queueSize),
		done: make(chan struct{}),
	}
	h.alive.Store(true)
	s.handle = h

	var wg sync.WaitGroup
	wg.Add(2)

	var terminateOnce sync.Once
	terminate := func(reason string) {
		terminateOnce.Do(func() {
			h.alive.Store(false)
			_ = conn.Close(reason)
			s.drainPending(reason)
			if s.onClose != nil {
				s.onClose(reason)
			}
		})
	}

	go func() {
		defer wg.Done()
		s.writeLoop(ctx, h, terminate)
	}()
	go func() {
		defer wg.Done()
		s.readLoop(ctx, terminate)
	}()

	go func() {
		wg.Wait()
		close(h.done)
	}()

	return h
}

// writeLoop drains the outbound queue. It is the sole writer to conn, so no
// other goroutine may call conn.WriteMessage.
func (s *ClientSession) writeLoop(ctx context.Context, h *Handle, terminate func(string)) {
	for item := range h.send {
		msg := item.msg
		var dir bridgeproto.Direction
		switch {
		case msg.Data.Req != nil:
			dir = bridgeproto.DirRequest
		case msg.Data.Resp != nil:
			dir = bridgeproto.DirResponse
		default:
			s.log.Error("bridge.write.bad_message", "key", s.Key)
			continue
		}

		var id uint64
		if item.reply != nil {
			id = s.nextID.Add(1)
			msg.ID = id
			s.mu.Lock()
			s.pending[id] = item.reply
			s.mu.Unlock()
		}

		frame, err := bridgeproto.Pack(msg, dir)
		if err != nil {
			s.log.Error("bridge.write.pack_failed", "key", s.Key, "err", err)
			if item.reply != nil {
				s.reapAndComplete(id, bridgeproto.ErrResp("pack failed: "+err.Error()))
			}
			continue
		}

		if err := s.conn.WriteMessage(ctx, frame); err != nil {
			if item.reply != nil {
				s.reapAndComplete(id, bridgeproto.ErrResp("write failed"))
			}
			terminate(fmt.Sprintf("write failed: %v", err))
			s.drainRemainingOutbound(h)
			return
		}
	}

	// Outbound channel closed: this is the "drop the handle" shutdown path.
	terminate("handle closed")
}

// drainRemainingOutbound completes any reply waiters still queued once the
// writer has already decided to stop, so a burst of sends racing a socket
// failure doesn't leak waiters.
func (s *ClientSession) drainRemainingOutbound(h *Handle) {
	for item := range h.send {
		if item.reply != nil {
			item.reply <- bridgeproto.ErrResp("connection closed")
			close(item.reply)
		}
	}
}

// readLoop reads inbound frames until the connection errs or closes.
func (s *ClientSession) readLoop(ctx context.Context, terminate func(string)) {
	for {
		frame, err := s.conn.ReadMessage(ctx)
		if err != nil {
			terminate(err.Error())
			// Closing the outbound channel lets the writer leave its loop (or
			// its post-failure drain), so Done closes once both have exited.
			s.handle.Close()
			return
		}

		msg, dir, err := bridgeproto.Unpack(frame)
		if err != nil {
			// §7: malformed frame — log, drop frame, keep session.
			s.log.Warn("bridge.read.decode_error", "key", s.Key, "err", err)
			continue
		}

		switch dir {
		case bridgeproto.DirResponse:
			s.completeResponse(msg)
		case bridgeproto.DirRequest:
			s.handleInboundRequest(ctx, msg)
		}
	}
}

func (s *ClientSession) completeResponse(msg bridgeproto.Message) {
	if msg.ID == 0 || msg.Data.Resp == nil {
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.mu.Unlock()

	if !ok {
		// §4.5: spurious responses are logged and dropped, not fatal.
		s.log.Warn("bridge.read.spurious_response", "key", s.Key, "id", msg.ID)
		return
	}
	ch <- *msg.Data.Resp
	close(ch)
}

func (s *ClientSession) handleInboundRequest(ctx context.Context, msg bridgeproto.Message) {
	if msg.Data.Req == nil {
		return
	}
	if s.handler == nil {
		s.log.Warn("bridge.read.unhandled_request", "key", s.Key, "kind", msg.Data.Req.Tag)
		return
	}

	resp := s.handler(ctx, *msg.Data.Req)
	if msg.ID == 0 {
		return // fire-and-forget request, no reply expected
	}

	respMsg := bridgeproto.Message{ID: msg.ID, Data: bridgeproto.MsgData{Resp: &resp}}
	if err := s.handle.Send(respMsg, nil); err != nil {
		s.log.Warn("bridge.write.reply_dropped", "key", s.Key, "id", msg.ID, "err", err)
	}
}

// reapAndComplete removes a pending entry (if still present) and completes
// it. Used by the writer's pack-failure and write-failure paths (the
// registry's timeout path does not reap by id) — racing the reader is safe
// because delete on an absent key is a no-op and the channel is only ever
// completed once.
func (s *ClientSession) reapAndComplete(id uint64, resp bridgeproto.RespKind) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if ok {
		ch <- resp
		close(ch)
	}
}

// drainPending empties the pending table, completing every waiter with
// Err("connection closed: <reason>") — invariant P4.
func (s *ClientSession) drainPending(reason string) {
	s.mu.Lock()
	waiters := s.pending
	s.pending = make(map[uint64]chan bridgeproto.RespKind)
	s.mu.Unlock()

	msg := fmt.Sprintf("connection closed: %s", reason)
	for _, ch := range waiters {
		ch <- bridgeproto.ErrResp(msg)
		close(ch)
	}
}

// pendingCount reports the number of outstanding requests.
func (s *ClientSession) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

