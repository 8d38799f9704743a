// Package daemon runs the ledger in the background: it pushes pending
// records on a timer and shortly after other processes write to the store,
// and publishes status snapshots for dashboards.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	ledgersync "github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// StorePath is the SQLite file watched for outside writes.
	StorePath string

	// SyncInterval is how often a push cycle is attempted.
	SyncInterval time.Duration

	// StatusInterval is how often a status snapshot is published.
	StatusInterval time.Duration

	// Debounce is how long store writes must settle before a push is
	// triggered. Rapid writes are batched together.
	Debounce time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults for the store at path.
func DefaultConfig(path string) Config {
	return Config{
		StorePath:      path,
		SyncInterval:   5 * time.Minute,
		StatusInterval: 30 * time.Second,
		Debounce:       2 * time.Second,
	}
}

// Syncer is the part of the orchestrator the daemon drives.
type Syncer interface {
	ManualSync(ctx context.Context) (*ledgersync.Report, error)
	Status(ctx context.Context) (*ledgersync.Status, error)
}

// StatusPublisher receives periodic status snapshots.
type StatusPublisher interface {
	PublishStatus(st *ledgersync.Status)
}

// Daemon schedules push cycles and status refreshes.
type Daemon struct {
	syncer    Syncer
	publisher StatusPublisher
	logger    *zap.Logger

	mu     sync.Mutex
	config Config
	reload chan struct{}

	watcher *StoreWatcher
	lock    *Lock

	triggers chan struct{}
	started  chan struct{}
	cycles   int
	wg       sync.WaitGroup
}

// New creates a daemon. publisher may be nil.
func New(syncer Syncer, publisher StatusPublisher, config Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config.StorePath == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	if err := validate(config); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Daemon{
		syncer:    syncer,
		publisher: publisher,
		logger:    logger.Named("daemon"),
		config:    config,
		reload:    make(chan struct{}, 1),
		triggers:  make(chan struct{}, 1),
		started:   make(chan struct{}),
	}, nil
}

func validate(c Config) error {
	if c.SyncInterval <= 0 || c.StatusInterval <= 0 || c.Debounce <= 0 {
		return fmt.Errorf("daemon intervals must be positive (sync %v, status %v, debounce %v)",
			c.SyncInterval, c.StatusInterval, c.Debounce)
	}
	return nil
}

func (d *Daemon) currentConfig() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Reconfigure applies new intervals to a running daemon. The store path
// cannot change.
func (d *Daemon) Reconfigure(c Config) error {
	if err := validate(c); err != nil {
		return err
	}
	d.mu.Lock()
	c.StorePath = d.config.StorePath
	c.Logger = d.config.Logger
	d.config = c
	d.mu.Unlock()

	select {
	case d.reload <- struct{}{}:
	default:
	}
	d.logger.Info("daemon reconfigured",
		zap.Duration("sync_interval", c.SyncInterval),
		zap.Duration("status_interval", c.StatusInterval),
		zap.Duration("debounce", c.Debounce))
	return nil
}

// Trigger requests a push cycle as soon as possible.
func (d *Daemon) Trigger() {
	select {
	case d.triggers <- struct{}{}:
	default:
	}
}

// Started is closed once Run holds the lock and watches the store.
func (d *Daemon) Started() <-chan struct{} { return d.started }

// Cycles is the number of push cycles the daemon has started.
func (d *Daemon) Cycles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cycles
}

// Run takes the single-instance lock, pushes once, then serves timers and
// store events until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.currentConfig()

	lock, err := AcquireLock(LockPath(cfg.StorePath))
	if err != nil {
		return err
	}
	d.lock = lock
	defer func() {
		if err := d.lock.Release(); err != nil {
			d.logger.Warn("failed to release lock", zap.Error(err))
		}
	}()

	watcher, err := NewStoreWatcher(cfg.StorePath)
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		_ = watcher.Stop()
		return err
	}
	d.watcher = watcher
	close(d.started)
	d.logger.Info("daemon started",
		zap.String("store", cfg.StorePath),
		zap.Duration("sync_interval", cfg.SyncInterval))

	d.publishStatus(ctx)
	d.Trigger()

	d.wg.Add(2)
	go d.watchStore(ctx)
	go d.statusLoop(ctx)
	d.syncLoop(ctx)

	if err := d.watcher.Stop(); err != nil {
		d.logger.Warn("failed to stop watcher", zap.Error(err))
	}
	d.wg.Wait()
	d.logger.Info("daemon stopped")
	return nil
}

// syncLoop runs push cycles on the timer and on triggers. It returns when
// ctx is cancelled.
func (d *Daemon) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(d.currentConfig().SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.reload:
			ticker.Reset(d.currentConfig().SyncInterval)
			// statusLoop picks up its interval on its next tick.
		case <-ticker.C:
			d.push(ctx, "interval")
		case <-d.triggers:
			d.push(ctx, "trigger")
		}
	}
}

func (d *Daemon) push(ctx context.Context, reason string) {
	st, err := d.syncer.Status(ctx)
	if err != nil {
		d.logger.Warn("status check failed", zap.Error(err))
		return
	}
	if !st.Activated || st.Pending() == 0 {
		d.logger.Debug("nothing to push", zap.String("reason", reason), zap.Bool("activated", st.Activated))
		return
	}

	d.mu.Lock()
	d.cycles++
	d.mu.Unlock()

	report, err := d.syncer.ManualSync(ctx)
	switch {
	case errors.Is(err, ledgersync.ErrOffline):
		d.logger.Debug("offline, push deferred", zap.String("reason", reason))
	case errors.Is(err, ledgersync.ErrSyncInProgress):
		d.logger.Debug("push already running", zap.String("reason", reason))
	case err != nil:
		d.logger.Warn("push cycle incomplete", zap.String("reason", reason), zap.Error(err))
	default:
		d.logger.Info("push cycle complete", zap.String("reason", reason), zap.Int("synced", report.Synced()))
	}
	d.publishStatus(ctx)
}

// watchStore turns bursts of store writes into one trigger after the
// debounce interval.
func (d *Daemon) watchStore(ctx context.Context) {
	defer d.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case name, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.logger.Debug("store written", zap.String("file", name))
			debounce := d.currentConfig().Debounce
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			d.Trigger()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (d *Daemon) statusLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.currentConfig().StatusInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.publishStatus(ctx)
			if next := d.currentConfig().StatusInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (d *Daemon) publishStatus(ctx context.Context) {
	if d.publisher == nil {
		return
	}
	st, err := d.syncer.Status(ctx)
	if err != nil {
		d.logger.Warn("status refresh failed", zap.Error(err))
		return
	}
	d.publisher.PublishStatus(st)
}
