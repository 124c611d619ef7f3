package leaderelection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis models just enough of Redis's SET NX / EVAL semantics to drive
// Elector without a live server: a single string key with an expiry.
type fakeRedis struct {
	mu      sync.Mutex
	value   string
	hasKey  bool
	expires time.Time

	failNext error
}

func (f *fakeRedis) expireLocked(now time.Time) {
	if f.hasKey && now.After(f.expires) {
		f.hasKey = false
		f.value = ""
	}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext != nil {
		cmd.SetErr(f.failNext)
		f.failNext = nil
		return cmd
	}

	f.expireLocked(time.Now())
	if f.hasKey {
		cmd.SetVal(false)
		return cmd
	}
	f.value = value.(string)
	f.hasKey = true
	f.expires = time.Now().Add(expiration)
	cmd.SetVal(true)
	return cmd
}

// Eval fakes just the renewScript's compare-and-renew behavior.
func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext != nil {
		cmd.SetErr(f.failNext)
		f.failNext = nil
		return cmd
	}

	f.expireLocked(time.Now())
	id := args[0].(string)
	ttlMs := args[1].(int64)
	if f.hasKey && f.value == id {
		f.expires = time.Now().Add(time.Duration(ttlMs) * time.Millisecond)
		cmd.SetVal(int64(1))
		return cmd
	}
	cmd.SetVal(int64(0))
	return cmd
}

func TestElectorAcquiresWhenKeyAbsent(t *testing.T) {
	t.Parallel()

	fr := &fakeRedis{}
	e, err := New(fr, "jiascheduler:leader", 200*time.Millisecond, nil, WithID("a"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ok, err := e.acquireLeadership(context.Background())
	if err != nil || !ok {
		t.Fatalf("acquireLeadership = %v, %v, want true, nil", ok, err)
	}
}

func TestElectorSecondContenderBlocked(t *testing.T) {
	t.Parallel()

	fr := &fakeRedis{}
	a, _ := New(fr, "k", 200*time.Millisecond, nil, WithID("a"))
	b, _ := New(fr, "k", 200*time.Millisecond, nil, WithID("b"))

	if ok, err := a.acquireLeadership(context.Background()); err != nil || !ok {
		t.Fatalf("a: ok=%v err=%v", ok, err)
	}
	if ok, err := b.acquireLeadership(context.Background()); err != nil || ok {
		t.Fatalf("b should not acquire: ok=%v err=%v", ok, err)
	}
}

func TestElectorRenewsOwnLease(t *testing.T) {
	t.Parallel()

	fr := &fakeRedis{}
	a, _ := New(fr, "k", 200*time.Millisecond, nil, WithID("a"))

	if ok, _ := a.acquireLeadership(context.Background()); !ok {
		t.Fatalf("initial acquire failed")
	}
	if ok, err := a.acquireLeadership(context.Background()); err != nil || !ok {
		t.Fatalf("renewal: ok=%v err=%v", ok, err)
	}
}

func TestElectorTakesOverAfterExpiry(t *testing.T) {
	t.Parallel()

	fr := &fakeRedis{}
	a, _ := New(fr, "k", 10*time.Millisecond, nil, WithID("a"))
	b, _ := New(fr, "k", 10*time.Millisecond, nil, WithID("b"))

	if ok, _ := a.acquireLeadership(context.Background()); !ok {
		t.Fatalf("a failed to acquire")
	}
	time.Sleep(20 * time.Millisecond)

	if ok, err := b.acquireLeadership(context.Background()); err != nil || !ok {
		t.Fatalf("b should acquire after expiry: ok=%v err=%v", ok, err)
	}
}

func TestRunElectionReportsTransitionsOnce(t *testing.T) {
	t.Parallel()

	fr := &fakeRedis{}
	e, _ := New(fr, "k", 50*time.Millisecond, nil, WithID("a"), WithRetryInterval(5*time.Millisecond))

	var mu sync.Mutex
	var transitions []bool
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	err := e.RunElection(ctx, func(_ context.Context, isLeader bool) {
		mu.Lock()
		transitions = append(transitions, isLeader)
		mu.Unlock()
	})
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Fatalf("RunElection returned %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != true {
		t.Fatalf("transitions = %v, want exactly one true", transitions)
	}
}

func TestRunElectionBacksOffOnError(t *testing.T) {
	t.Parallel()

	fr := &fakeRedis{failNext: errors.New("boom")}
	e, _ := New(fr, "k", 50*time.Millisecond, nil, WithID("a"), WithErrorInterval(5*time.Millisecond), WithRetryInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_ = e.RunElection(ctx, func(context.Context, bool) {})
}
