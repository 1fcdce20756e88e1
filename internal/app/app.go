// Package app wires the Marlin chat server runtime: config, logging,
// durable stores, push transport, per-user chat sessions, and HTTP routes.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"marlin/internal/chat"
	"marlin/internal/snapshot"
)

// App is the server runtime: it owns backend lifecycles and HTTP wiring.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	store     chat.Store
	transport chat.PushTransport
	snapshots chat.SnapshotStore
	sessions  *SessionRegistry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	store, dbPool, dbEnabled, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	transport, err := newTransport(cfg, log)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	snapshots, err := newSnapshots(cfg, log)
	if err != nil {
		_ = transport.Close()
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	sessions := NewSessionRegistry(log, store, transport, snapshots, cfg.ServiceConfig())

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		store:     store,
		transport: transport,
		snapshots: snapshots,
		sessions:  sessions,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or a
// fatal server error.
func (a *App) Run(ctx context.Context) error {
	resolver := NewHeaderResolver("")
	router := newRouter(a.log, a.cfg, a.sessions, resolver, a.dbPool, a.dbEnabled)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(router, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "nats", a.cfg.NATSURL != "")

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

	a.sessions.CloseAll(shutdownCtx)
	if err := a.transport.Close(); err != nil {
		a.log.Error("transport.close.fail", "err", err)
	}
	if err := a.snapshots.Close(); err != nil {
		a.log.Error("snapshots.close.fail", "err", err)
	}
	_ = a.store.Close()
	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

// newStore decides between Postgres-backed persistence and the
// in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (chat.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return chat.NewMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	store, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return store, pool, true, nil
}

// newTransport decides between NATS and the in-process loopback.
func newTransport(cfg Config, log Logger) (chat.PushTransport, error) {
	if cfg.NATSURL == "" {
		log.Info("push.loopback_transport")
		return chat.NewLoopbackTransport(log), nil
	}

	t, err := chat.DialNATS(cfg.NATSURL, log, chat.WithSubjectPrefix(cfg.NATSSubjectPrefix))
	if err != nil {
		return nil, err
	}
	log.Info("push.nats_transport", "url", cfg.NATSURL)
	return t, nil
}

// newSnapshots decides between the Pebble mirror and in-memory snapshots.
func newSnapshots(cfg Config, log Logger) (chat.SnapshotStore, error) {
	if cfg.SnapshotPath == "" {
		log.Info("snapshot.memory_store")
		return chat.NewMemorySnapshots(), nil
	}
	return snapshot.Open(cfg.SnapshotPath, log)
}
