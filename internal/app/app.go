// Package app wires the comet runtime: config, logging, the bridge
// registry, leader election, and HTTP routes.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/jiawesoft/jiascheduler/internal/bridge"
	"github.com/jiawesoft/jiascheduler/internal/dispatch"
	"github.com/jiawesoft/jiascheduler/internal/leaderelection"
	"github.com/jiawesoft/jiascheduler/internal/metrics"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the comet server runtime: it owns the bridge registry, leader
// election, metrics, and HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *bridge.Registry
	metrics  *metrics.Metrics
	elector  *leaderelection.Elector
	history  *dispatch.Store
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, fmt.Errorf("security policy: %w", err)
	}

	st, dbPool, dbEnabled, historyStore, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	registry := bridge.NewRegistry(log, cfg.BridgeSendTimeout, cfg.BridgeQueueSize, m)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing JIA_REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	elector, err := leaderelection.New(redisClient, cfg.LeaderElectionKey, cfg.LeaderElectionTTL, log, leaderelection.WithMetrics(m))
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		registry:  registry,
		metrics:   m,
		elector:   elector,
		history:   historyStore,
	}, nil
}

// Run starts the HTTP server, the leader-election loop, and blocks until
// context cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.registry, a.metrics, a.history)

	handler := WithCORS(WithSecurityHeaders(mux), a.cfg, a.log)
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(handler, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	electionCtx, cancelElection := context.WithCancel(ctx)
	defer cancelElection()
	go func() {
		err := a.elector.RunElection(electionCtx, func(_ context.Context, isLeader bool) {
			a.log.Info("leaderelection.transition", "id", a.elector.ID(), "is_leader", isLeader)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("leaderelection.stopped", "err", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed dispatch history and an
// in-memory dev store. The bridge core itself never touches either — this
// is purely the §6 audit-trail collaborator.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, *dispatch.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, dispatch.NewInMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, err
	}

	log.Info("db.enabled.postgres_store")

	historyStore, err := dispatch.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, err
	}

	return dbStore{pool: pool}, pool, true, historyStore, nil
}

type dbStore struct {
	pool *pgxpool.Pool
}

func (s dbStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
