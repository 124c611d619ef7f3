// Package dispatch records the outcome of every request the comet routes
// through the bridge registry, independent of the bridge itself: an audit
// trail of (execution id, agent, request kind, timing, outcome) rows that
// the console surface can query, not something the agent or the bridge
// wire protocol needs to function.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Outcome classifies how a dispatched request finished.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Record is one row of dispatch history: a single request routed to a
// single agent, and how it resolved.
type Record struct {
	ID            string
	Eid           string
	AgentKey      string
	RequestKind   string
	DispatchedAt  time.Time
	CompletedAt   time.Time
	Outcome       Outcome
	ErrorMessage  string
}

// ListFilter narrows a history query. Zero values mean "no filter".
type ListFilter struct {
	Eid      string
	AgentKey string
	Limit    int
}

// ErrNotFound is returned when a record id has no matching row.
var ErrNotFound = errors.New("dispatch: record not found")

// Store persists and queries dispatch history. The bridge core never calls
// this directly — it is wired in by the HTTP/console layer around each
// Registry.SendMsg call.
type Store struct {
	backend backend
}

type backend interface {
	insert(ctx context.Context, r Record) error
	complete(ctx context.Context, id string, outcome Outcome, completedAt time.Time, errMsg string) error
	list(ctx context.Context, f ListFilter) ([]Record, error)
	close() error
}

// Begin inserts a new pending record for a request about to be sent to an
// agent, under the caller-supplied id that the later Complete call uses.
func (s *Store) Begin(ctx context.Context, id, eid, agentKey, requestKind string, dispatchedAt time.Time) error {
	return s.backend.insert(ctx, Record{
		ID:           id,
		Eid:          eid,
		AgentKey:     agentKey,
		RequestKind:  requestKind,
		DispatchedAt: dispatchedAt,
		Outcome:      OutcomePending,
	})
}

// Complete marks a previously Begin'd record resolved.
func (s *Store) Complete(ctx context.Context, id string, outcome Outcome, completedAt time.Time, errMsg string) error {
	return s.backend.complete(ctx, id, outcome, completedAt, errMsg)
}

// List returns history rows matching f, most recently dispatched first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Record, error) {
	return s.backend.list(ctx, f)
}

// Close releases any resources the backend owns that the caller doesn't
// already own itself (the in-memory backend has none; the Postgres backend
// doesn't own its pool either, so this is always a no-op today, kept for
// interface symmetry with Store-like types elsewhere in the app).
func (s *Store) Close() error { return s.backend.close() }

// NewInMemoryStore builds a Store backed by a process-local map, for dev
// mode and tests when JIA_DATABASE_URL is unset.
func NewInMemoryStore() *Store {
	return &Store{backend: &memBackend{records: make(map[string]Record)}}
}

type memBackend struct {
	mu      sync.Mutex
	records map[string]Record
}

func (b *memBackend) insert(_ context.Context, r Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[r.ID] = r
	return nil
}

func (b *memBackend) complete(_ context.Context, id string, outcome Outcome, completedAt time.Time, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Outcome = outcome
	r.CompletedAt = completedAt
	r.ErrorMessage = errMsg
	b.records[id] = r
	return nil
}

func (b *memBackend) list(_ context.Context, f ListFilter) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Record, 0, len(b.records))
	for _, r := range b.records {
		if f.Eid != "" && r.Eid != f.Eid {
			continue
		}
		if f.AgentKey != "" && r.AgentKey != f.AgentKey {
			continue
		}
		out = append(out, r)
	}
	sortByDispatchedAtDesc(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (b *memBackend) close() error { return nil }

func sortByDispatchedAtDesc(rs []Record) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j].DispatchedAt.After(rs[j-1].DispatchedAt); j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}
