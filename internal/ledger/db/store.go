package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/ext/unicode"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
)

// DefaultBulkChunkSize is the staging chunk used when a bulk call passes 0.
const DefaultBulkChunkSize = 100

// Config configures a Store.
type Config struct {
	// Path is the database file. Its directory is created if missing.
	Path string

	PoolSize      int
	MaxAttempts   int
	BulkChunkSize int

	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration

	// Migrations overrides the built-in migration list (tests only).
	Migrations []Migration

	// Now is the store clock used for createdAt/updatedAt.
	Now func() time.Time

	Logger *zap.Logger
}

// DefaultConfig returns the defaults for a store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		PoolSize:      DefaultPoolSize,
		MaxAttempts:   DefaultMaxAttempts,
		BulkChunkSize: DefaultBulkChunkSize,
		BusyTimeout:   5 * time.Second,
		Now:           time.Now,
	}
}

// Store is the persistent record store. Create one with New and call Init
// (or let the first operation do it).
type Store struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	initGroup singleflight.Group

	mu     sync.RWMutex
	pool   *Pool
	closed bool
}

// New returns an uninitialized store. Zero config fields take defaults.
func New(cfg Config) *Store {
	def := DefaultConfig(cfg.Path)
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BulkChunkSize <= 0 {
		cfg.BulkChunkSize = def.BulkChunkSize
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.Migrations == nil {
		cfg.Migrations = Migrations()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		cfg:    cfg,
		logger: logger.Named("store"),
		now:    cfg.Now,
	}
}

// Open is New followed by Init.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	s := New(cfg)
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.cfg.Path }

// Init opens the pool and applies pending migrations. It is idempotent, and
// concurrent callers share one in-flight initialization. The shared run is
// not tied to any caller's context: a caller whose ctx ends stops waiting
// with ctx.Err() while the others still get the initialized store.
func (s *Store) Init(ctx context.Context) error {
	if s.ready() {
		return nil
	}

	detached := context.WithoutCancel(ctx)
	ch := s.initGroup.DoChan("init", func() (any, error) {
		if s.ready() {
			return nil, nil
		}
		return nil, s.initialize(detached)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureInitialized is an alias for Init kept for call sites that only want
// to make sure the store is usable.
func (s *Store) EnsureInitialized(ctx context.Context) error {
	return s.Init(ctx)
}

func (s *Store) ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool != nil
}

func (s *Store) initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	dir := filepath.Dir(s.cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &InitError{Stage: "open", Err: fmt.Errorf("failed to create database directory: %w", err)}
	}

	pool, err := newPool(ctx, s.opener(), s.cfg.PoolSize, s.cfg.MaxAttempts, s.logger.Named("pool"))
	if err != nil {
		return &InitError{Stage: "pool", Err: err}
	}

	migrator := NewMigrator(s.cfg.Migrations, s.now, s.logger.Named("migrate"))
	err = pool.Do(ctx, "migrate", func(ctx context.Context, conn *sql.Conn) error {
		return migrator.Run(ctx, conn)
	})
	if err != nil {
		_ = pool.Close()
		initErr := &InitError{Stage: "migrate", Err: err}
		var migErr *MigrationError
		if errors.As(err, &migErr) {
			initErr.Migration = migErr.Name
		}
		s.logger.Error("store initialization failed", zap.Error(initErr))
		return initErr
	}

	s.pool = pool
	s.logger.Info("store initialized", zap.String("path", s.cfg.Path), zap.Int("pool_size", pool.Size()))
	return nil
}

// opener builds the DSN for the store file. Pragmas go through the DSN so
// every pooled connection gets them. Each connection also registers
// Unicode-aware lower() and LIKE, which search depends on.
func (s *Store) opener() Opener {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())
	return func(ctx context.Context) (*sql.DB, error) {
		conn, err := driver.Open(dsn, unicode.Register)
		if err != nil {
			return nil, err
		}
		if err := conn.PingContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return conn, nil
	}
}

// do runs fn on the pool, initializing the store first if needed.
func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context, conn *sql.Conn) error) error {
	pool, err := s.activePool(ctx)
	if err != nil {
		return err
	}
	return pool.Do(ctx, op, fn)
}

func (s *Store) activePool(ctx context.Context) (*Pool, error) {
	s.mu.RLock()
	pool, closed := s.pool, s.closed
	s.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if pool != nil {
		return pool, nil
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return nil, ErrClosed
	}
	return s.pool, nil
}

// Pool exposes the connection pool for diagnostics. It is nil before Init.
func (s *Store) Pool() *Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// Close closes the pool. The store cannot be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.pool == nil {
		return nil
	}
	err := s.pool.Close()
	s.pool = nil
	return err
}

// Reset closes the pool, deletes the database file with its WAL and SHM
// side files, and initializes a fresh store. All local data is lost.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Warn("closing pool before reset failed", zap.Error(err))
		}
		s.pool = nil
	}
	s.closed = false

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.cfg.Path + suffix); err != nil && !os.IsNotExist(err) {
			s.mu.Unlock()
			return fmt.Errorf("failed to remove %s: %w", s.cfg.Path+suffix, err)
		}
	}
	s.mu.Unlock()

	s.logger.Warn("store reset", zap.String("path", s.cfg.Path))
	return s.Init(ctx)
}

// KindStats summarizes one table.
type KindStats struct {
	Total   int             `json:"total" yaml:"total"`
	Pending int             `json:"pending" yaml:"pending"`
	Sum     decimal.Decimal `json:"sum" yaml:"sum"`
}

// Stats summarizes both tables.
type Stats struct {
	Donations KindStats `json:"donations" yaml:"donations"`
	Expenses  KindStats `json:"expenses" yaml:"expenses"`
}

// For returns the stats of kind.
func (st Stats) For(kind record.Kind) KindStats {
	if kind == record.KindExpense {
		return st.Expenses
	}
	return st.Donations
}

// PendingTotal is the number of records waiting for upload across kinds.
func (st Stats) PendingTotal() int {
	return st.Donations.Pending + st.Expenses.Pending
}

// Stats reads totals, pending counts and sums for both kinds on one handle.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.do(ctx, "stats", func(ctx context.Context, conn *sql.Conn) error {
		var err error
		if st.Donations, err = kindStats(ctx, conn, record.KindDonation); err != nil {
			return err
		}
		st.Expenses, err = kindStats(ctx, conn, record.KindExpense)
		return err
	})
	return st, err
}

func kindStats(ctx context.Context, conn *sql.Conn, kind record.Kind) (KindStats, error) {
	var ks KindStats
	var err error
	if ks.Total, err = countWhere(ctx, conn, kind, ""); err != nil {
		return ks, err
	}
	if ks.Pending, err = countWhere(ctx, conn, kind, string(record.StatusPending)); err != nil {
		return ks, err
	}
	ks.Sum, err = sumAmounts(ctx, conn, kind)
	return ks, err
}
