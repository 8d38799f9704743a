package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultPoolSize is the number of pinned handles kept open.
	DefaultPoolSize = 3

	// DefaultMaxAttempts bounds how often one logical operation is tried.
	DefaultMaxAttempts = 3
)

// Opener opens a fresh *sql.DB for the pool to pin handles from.
type Opener func(ctx context.Context) (*sql.DB, error)

// Probe checks that a handle still answers before an operation runs on it.
type Probe func(ctx context.Context, conn *sql.Conn) error

// handle is a pinned connection tagged with the pool generation that
// created it. Handles from an older generation are closed on release.
type handle struct {
	conn *sql.Conn
	gen  uint64
}

// Pool bounds concurrent access to the database to a fixed number of pinned
// handles and rebuilds itself from scratch when a handle goes bad.
//
// Every operation acquires one handle, probes it, runs, and releases it.
// A failed probe or a failed operation discards the whole pool (all handles
// and the underlying *sql.DB) and opens a new one before the next attempt.
// Only one caller rebuilds; the others wait on the recovery lock and then see
// the new generation.
type Pool struct {
	open        Opener
	size        int
	maxAttempts int
	logger      *zap.Logger

	// probe is swappable so tests can simulate a broken handle.
	probe Probe

	sem *semaphore.Weighted

	mu     sync.Mutex // guards everything below
	db     *sql.DB
	free   []*handle
	gen    uint64
	broken error
	closed bool

	recoverMu  sync.Mutex
	recoveries atomic.Int64
	attempts   atomic.Int64
}

// newPool opens size handles through open.
func newPool(ctx context.Context, open Opener, size, maxAttempts int, logger *zap.Logger) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		open:        open,
		size:        size,
		maxAttempts: maxAttempts,
		logger:      logger,
		probe:       pingProbe,
		sem:         semaphore.NewWeighted(int64(size)),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.rebuildLocked(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// pingProbe is the trivial round trip run before every operation.
func pingProbe(ctx context.Context, conn *sql.Conn) error {
	var one int
	return conn.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// rebuildLocked replaces the current generation with a freshly opened one.
// The caller holds p.mu.
func (p *Pool) rebuildLocked(ctx context.Context) error {
	for _, h := range p.free {
		_ = h.conn.Close()
	}
	p.free = nil
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			p.logger.Warn("closing stale database failed", zap.Error(err))
		}
		p.db = nil
	}

	// Bump first so handles still held from the old generation are closed
	// on release even if the reopen below fails.
	p.gen++

	db, err := p.open(ctx)
	if err != nil {
		p.broken = err
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(p.size)
	db.SetMaxIdleConns(p.size)
	db.SetConnMaxLifetime(0)

	handles := make([]*handle, 0, p.size)
	for i := 0; i < p.size; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			for _, h := range handles {
				_ = h.conn.Close()
			}
			_ = db.Close()
			p.broken = err
			return fmt.Errorf("failed to pin handle %d: %w", i, err)
		}
		handles = append(handles, &handle{conn: conn, gen: p.gen})
	}

	p.db = db
	p.free = handles
	p.broken = nil
	return nil
}

// acquire blocks until a handle is free. The returned generation is valid
// even when err is non-nil so the caller can request recovery.
func (p *Pool) acquire(ctx context.Context) (*handle, uint64, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.sem.Release(1)
		return nil, p.gen, ErrClosed
	}
	if len(p.free) == 0 {
		p.sem.Release(1)
		return nil, p.gen, fmt.Errorf("connection pool unavailable: %w", p.broken)
	}

	h := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return h, h.gen, nil
}

// release returns h to the free list, or closes it if it belongs to a
// generation that has since been discarded.
func (p *Pool) release(h *handle) {
	p.mu.Lock()
	stale := p.closed || h.gen != p.gen
	if !stale {
		p.free = append(p.free, h)
	}
	p.mu.Unlock()

	if stale {
		_ = h.conn.Close()
	}
	p.sem.Release(1)
}

// recover rebuilds the pool unless another caller already replaced the
// generation that failed.
func (p *Pool) recover(ctx context.Context, failedGen uint64) error {
	p.recoverMu.Lock()
	defer p.recoverMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.gen != failedGen {
		return nil
	}

	p.recoveries.Add(1)
	p.logger.Warn("rebuilding connection pool", zap.Uint64("generation", p.gen), zap.Int("size", p.size))
	return p.rebuildLocked(ctx)
}

// Do runs fn on a pooled handle, retrying on a rebuilt pool up to the
// configured number of attempts. Permanent errors are returned as they are;
// exhausted retries come back as *OperationError.
func (p *Pool) Do(ctx context.Context, op string, fn func(ctx context.Context, conn *sql.Conn) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		gen, err := p.try(ctx, fn)
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return err
		}
		lastErr = err

		p.logger.Warn("store operation failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.maxAttempts),
			zap.Error(err),
		)

		if rerr := p.recover(ctx, gen); rerr != nil {
			if isPermanent(rerr) {
				return rerr
			}
			lastErr = errors.Join(err, rerr)
		}
	}

	return &OperationError{Op: op, Attempts: p.maxAttempts, Err: lastErr}
}

// try is a single attempt: acquire, probe, run, release.
func (p *Pool) try(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) (uint64, error) {
	p.attempts.Add(1)

	h, gen, err := p.acquire(ctx)
	if err != nil {
		return gen, err
	}
	defer p.release(h)

	if err := p.probe(ctx, h.conn); err != nil {
		return h.gen, fmt.Errorf("handle probe failed: %w", err)
	}
	return h.gen, fn(ctx, h.conn)
}

// Close checkpoints the WAL and closes every handle. Handles still held are
// closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if len(p.free) > 0 {
		if _, err := p.free[0].conn.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			p.logger.Warn("failed to checkpoint WAL", zap.Error(err))
		}
	}
	for _, h := range p.free {
		_ = h.conn.Close()
	}
	p.free = nil

	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Size returns the number of pinned handles per generation.
func (p *Pool) Size() int { return p.size }

// Recoveries returns how many times the pool has been rebuilt.
func (p *Pool) Recoveries() int64 { return p.recoveries.Load() }

// Attempts returns the total number of operation attempts made.
func (p *Pool) Attempts() int64 { return p.attempts.Load() }

// Generation returns the current pool generation (starts at 1).
func (p *Pool) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}
