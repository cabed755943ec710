package database

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/campuskit/campus-admin-backend/internal/infrastructure/config"
	"github.com/campuskit/campus-admin-backend/internal/metrics"
)

// SessionManager owns the pgx pool and the bounded retry policy around
// storage calls. "Recreate the connection on crash" is a pool-health
// policy here, not global mutable state: RunWithRetry reopens the pool
// between attempts when it sees a transient storage-engine crash, and
// lets every other error propagate untouched.
type SessionManager struct {
	cfg     config.DatabaseConfig
	logger  *zap.Logger
	metrics *metrics.Registry

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

// NewSessionManager creates an unopened session manager. reg may be nil.
func NewSessionManager(cfg config.DatabaseConfig, logger *zap.Logger, reg *metrics.Registry) *SessionManager {
	return &SessionManager{cfg: cfg, logger: logger, metrics: reg}
}

// Open establishes the pool and verifies connectivity.
func (s *SessionManager) Open(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(s.cfg.URL)
	if err != nil {
		return err
	}
	if s.cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(s.cfg.MaxOpenConns)
	}
	if s.cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(s.cfg.MaxIdleConns)
	}
	if s.cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = s.cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return err
	}

	s.mu.Lock()
	if s.pool != nil {
		s.pool.Close()
	}
	s.pool = pool
	s.mu.Unlock()
	return nil
}

// Close releases the pool.
func (s *SessionManager) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

// Pool returns the current pool. Callers must not retain it across
// RunWithRetry boundaries since a reconnect swaps it out.
func (s *SessionManager) Pool() *pgxpool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// RunWithRetry executes fn with bounded exponential backoff. Retries are
// limited to the transient crash class; the pool is recreated between
// attempts. Any other error is returned immediately.
func (s *SessionManager) RunWithRetry(ctx context.Context, fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	attempts := s.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := s.cfg.Retry.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	op := func() error {
		err := fn(ctx, s.Pool())
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		s.metrics.RecordStorageRetry(ctx)
		s.logger.Warn("transient storage error, recreating session",
			zap.Error(err))
		if rerr := s.Open(ctx); rerr != nil {
			s.logger.Error("session recreate failed", zap.Error(rerr))
		}
		return err
	}

	return backoff.Retry(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
}

// Transient postgres SQLSTATE classes: connection exceptions and
// admin/crash shutdowns.
var transientPgCodes = map[string]bool{
	"08000": true, // connection_exception
	"08001": true, // sqlclient_unable_to_establish_sqlconnection
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// IsTransient reports whether err belongs to the narrowly-defined class
// of storage-engine crashes that the retry wrapper may absorb.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientPgCodes[pgErr.Code]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}
