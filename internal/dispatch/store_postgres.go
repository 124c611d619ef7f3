package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresBackend is a backend backed by PostgreSQL.
//
// Ownership model:
//   - postgresBackend does NOT own the pgx pool; the caller (internal/app)
//     closes it on shutdown. Close() is therefore a no-op.
//
// Concurrency model:
//   - Complete takes a per-record advisory lock so a late response racing a
//     timeout-triggered completion can't leave the row in an inconsistent
//     state; whichever writer commits last wins deterministically.
type postgresBackend struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the Postgres-backed Store.
type PostgresOption func(*postgresBackend) error

// WithSchema sets the DB schema used by this store (default: "jiascheduler").
func WithSchema(schema string) PostgresOption {
	return func(b *postgresBackend) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("dispatch: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("dispatch: invalid schema identifier")
		}
		b.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store over an
// already-connected pool. Expects a dispatch_history table with columns
// (id, eid, agent_key, request_kind, dispatched_at, completed_at, outcome,
// error_message) in the target schema.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*Store, error) {
	if pool == nil {
		return nil, errors.New("dispatch: nil pool")
	}
	b := &postgresBackend{pool: pool, schema: "jiascheduler"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return &Store{backend: b}, nil
}

func (b *postgresBackend) table() string {
	return pgIdent(b.schema, "dispatch_history")
}

func (b *postgresBackend) insert(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.pool.Exec(ctx,
		`INSERT INTO `+b.table()+` (id, eid, agent_key, request_kind, dispatched_at, outcome)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.Eid, r.AgentKey, r.RequestKind, r.DispatchedAt, r.Outcome,
	)
	if err != nil {
		return fmt.Errorf("dispatch: insert: %w", err)
	}
	return nil
}

func (b *postgresBackend) complete(ctx context.Context, id string, outcome Outcome, completedAt time.Time, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serializes concurrent completions of the same record (a late agent
	// response racing the registry's own timeout path).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, id); err != nil {
		return fmt.Errorf("dispatch: advisory lock: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE `+b.table()+`
		    SET outcome = $2, completed_at = $3, error_message = $4
		  WHERE id = $1`,
		id, outcome, completedAt, errMsg,
	)
	if err != nil {
		return fmt.Errorf("dispatch: complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (b *postgresBackend) list(ctx context.Context, f ListFilter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		rows pgx.Rows
		err  error
	)
	query := `SELECT id, eid, agent_key, request_kind, dispatched_at, completed_at, outcome, error_message
	            FROM ` + b.table() + ` WHERE ($1 = '' OR eid = $1) AND ($2 = '' OR agent_key = $2)
	        ORDER BY dispatched_at DESC
	           LIMIT $3`
	rows, err = b.pool.Query(ctx, query, f.Eid, f.AgentKey, limit)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r           Record
			completedAt *time.Time
			errMsg      *string
		)
		if err := rows.Scan(&r.ID, &r.Eid, &r.AgentKey, &r.RequestKind, &r.DispatchedAt, &completedAt, &r.Outcome, &errMsg); err != nil {
			return nil, fmt.Errorf("dispatch: scan: %w", err)
		}
		if completedAt != nil {
			r.CompletedAt = *completedAt
		}
		if errMsg != nil {
			r.ErrorMessage = *errMsg
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *postgresBackend) close() error { return nil }

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
