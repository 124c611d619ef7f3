package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jiawesoft/jiascheduler/internal/bridgeproto"
)

// pipeConn is an in-memory Conn used to drive ClientSession without a real
// socket. Two pipeConns, cross-wired via channels, model the two ends of a
// bridge connection (registry side and agent side).
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closeC chan struct{}
	mu     sync.Mutex
	closed bool
}

func newPipePair() (*pipeConn, *pipeConn) {
	a := make(chan []byte, 32)
	b := make(chan []byte, 32)
	return &pipeConn{in: a, out: b, closeC: make(chan struct{})},
		&pipeConn{in: b, out: a, closeC: make(chan struct{})}
}

func (p *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-p.closeC:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) WriteMessage(ctx context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("pipeConn: write on closed conn")
	}
	select {
	case p.out <- append([]byte(nil), data...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close(reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.closeC)
	close(p.out)
	return nil
}

// echoHandler answers every DispatchJob with an Ok carrying the command it
// was asked to run, and everything else with an error.
func echoHandler(ctx context.Context, req bridgeproto.ReqKind) bridgeproto.RespKind {
	if req.Tag != bridgeproto.KindDispatchJob {
		return bridgeproto.ErrResp("unsupported kind: " + req.Tag)
	}
	var p bridgeproto.DispatchJobParams
	if err := req.Decode(&p); err != nil {
		return bridgeproto.ErrResp(err.Error())
	}
	resp, err := bridgeproto.OkResp(map[string]string{"ran": p.Command})
	if err != nil {
		return bridgeproto.ErrResp(err.Error())
	}
	return resp
}

func newTestPair(t *testing.T) (registrySide, agentSide *Handle, key SessionKey) {
	t.Helper()
	key = NewSessionKey("10.0.0.1", "aa:bb:cc:dd:ee:ff")

	regConn, agentConn := newPipePair()
	ctx := context.Background()

	registrySide = Start(ctx, regConn, key, "default", nil)
	agentSide = Start(ctx, agentConn, key, "default", nil, WithRequestHandler(echoHandler))
	return registrySide, agentSide, key
}

func TestRegistrySendMsgHappyPath(t *testing.T) {
	t.Parallel()

	h, _, key := newTestPair(t)
	reg := NewRegistry(nil, 2*time.Second, 0, nil)
	reg.AppendClient(key, h)

	req := bridgeproto.DispatchJob(bridgeproto.DispatchJobParams{Eid: "e-1", Command: "echo hi", TimeoutSec: 5})
	payload, err := reg.SendMsg(context.Background(), key, req)
	if err != nil {
		t.Fatalf("SendMsg: %v", err)
	}
	if string(payload) == "" {
		t.Fatalf("empty payload")
	}
}

func TestRegistryUnknownClient(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, time.Second, 0, nil)
	_, err := reg.SendMsg(context.Background(), SessionKey("nope"), bridgeproto.Heartbeat())

	var se *SendError
	if !errors.As(err, &se) || se.Kind != ErrKindUnknownClient {
		t.Fatalf("err = %v, want ErrKindUnknownClient", err)
	}
}

func TestRegistryRemoteError(t *testing.T) {
	t.Parallel()

	h, _, key := newTestPair(t)
	reg := NewRegistry(nil, 2*time.Second, 0, nil)
	reg.AppendClient(key, h)

	req := bridgeproto.RuntimeAction(bridgeproto.RuntimeActionParams{Eid: "e-1", Action: "cancel"})
	_, err := reg.SendMsg(context.Background(), key, req)

	var se *SendError
	if !errors.As(err, &se) || se.Kind != ErrKindRemote {
		t.Fatalf("err = %v, want ErrKindRemote", err)
	}
}

func TestRegistryTimeout(t *testing.T) {
	t.Parallel()

	// No agent side is started on the other end of the pipe, so nothing ever
	// replies and the bounded wait in SendMsg must expire.
	key := NewSessionKey("10.0.0.2", "aa:bb:cc:dd:ee:00")
	regConn, _ := newPipePair()
	h := Start(context.Background(), regConn, key, "default", nil)

	reg := NewRegistry(nil, 50*time.Millisecond, 0, nil)
	reg.AppendClient(key, h)

	_, err := reg.SendMsg(context.Background(), key, bridgeproto.Heartbeat())

	var se *SendError
	if !errors.As(err, &se) || se.Kind != ErrKindTimeout {
		t.Fatalf("err = %v, want ErrKindTimeout", err)
	}
}

func TestSessionDisconnectDrainsPendingWaiters(t *testing.T) {
	t.Parallel()

	key := NewSessionKey("10.0.0.3", "aa:bb:cc:dd:ee:01")
	regConn, agentConn := newPipePair()
	h := Start(context.Background(), regConn, key, "default", nil)

	reg := NewRegistry(nil, 5*time.Second, 0, nil)
	reg.AppendClient(key, h)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reg.SendMsg(context.Background(), key, bridgeproto.Heartbeat())
			errs[i] = err
		}(i)
	}

	// Give the sends a moment to land on the writer before severing the
	// connection out from under them.
	time.Sleep(20 * time.Millisecond)
	agentConn.Close("test teardown")

	wg.Wait()
	for i, err := range errs {
		var se *SendError
		if !errors.As(err, &se) {
			t.Fatalf("waiter %d: err = %v, want *SendError", i, err)
		}
		if se.Kind != ErrKindRemote {
			t.Fatalf("waiter %d: kind = %v, want ErrKindRemote (connection closed is surfaced as a remote failure)", i, se.Kind)
		}
	}
}

func TestAppendClientClosesPriorHandleOnReplace(t *testing.T) {
	t.Parallel()

	key := NewSessionKey("10.0.0.4", "aa:bb:cc:dd:ee:02")
	reg := NewRegistry(nil, time.Second, 0, nil)

	conn1, _ := newPipePair()
	h1 := Start(context.Background(), conn1, key, "default", nil)
	reg.AppendClient(key, h1)

	conn2, _ := newPipePair()
	h2 := Start(context.Background(), conn2, key, "default", nil)
	reg.AppendClient(key, h2)

	select {
	case <-h1.Done():
	case <-time.After(time.Second):
		t.Fatalf("old handle was not closed on replace")
	}

	cur, ok := reg.Lookup(key)
	if !ok || cur != h2 {
		t.Fatalf("registry does not point at the newest handle")
	}
}
