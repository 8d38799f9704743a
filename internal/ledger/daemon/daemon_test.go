package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledgersync "github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/sync"
)

type fakeSyncer struct {
	mu        sync.Mutex
	activated bool
	pending   int
	syncs     int
	syncErr   error
}

func (f *fakeSyncer) ManualSync(context.Context) (*ledgersync.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	f.pending = 0
	return &ledgersync.Report{}, nil
}

func (f *fakeSyncer) Status(context.Context) (*ledgersync.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &ledgersync.Status{Activated: f.activated, PendingDonations: f.pending}, nil
}

func (f *fakeSyncer) setPending(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = n
}

func (f *fakeSyncer) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs
}

type statusRecorder struct {
	mu   sync.Mutex
	seen []*ledgersync.Status
}

func (r *statusRecorder) PublishStatus(st *ledgersync.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, st)
}

func (r *statusRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	return Config{
		StorePath:      path,
		SyncInterval:   time.Hour,
		StatusInterval: time.Hour,
		Debounce:       50 * time.Millisecond,
	}
}

// runDaemon starts d in the background and stops it at test end.
func runDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func TestNew_Validates(t *testing.T) {
	cfg := testConfig(t)

	_, err := New(nil, nil, cfg)
	assert.Error(t, err)

	bad := cfg
	bad.Debounce = 0
	_, err = New(&fakeSyncer{}, nil, bad)
	assert.Error(t, err)

	bad = cfg
	bad.StorePath = ""
	_, err = New(&fakeSyncer{}, nil, bad)
	assert.Error(t, err)
}

func TestRun_PushesPendingAtStartup(t *testing.T) {
	syncer := &fakeSyncer{activated: true, pending: 2}
	status := &statusRecorder{}

	d, err := New(syncer, status, testConfig(t))
	require.NoError(t, err)
	runDaemon(t, d)

	assert.Eventually(t, func() bool { return syncer.syncCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return status.count() >= 2 }, 2*time.Second, 10*time.Millisecond,
		"status published at startup and after the push")
}

func TestRun_SkipsWhenNotActivated(t *testing.T) {
	syncer := &fakeSyncer{activated: false, pending: 5}

	cfg := testConfig(t)
	cfg.SyncInterval = 20 * time.Millisecond
	d, err := New(syncer, nil, cfg)
	require.NoError(t, err)
	runDaemon(t, d)

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, syncer.syncCount())
	assert.Zero(t, d.Cycles())
}

func TestRun_StoreWritesTriggerOnePush(t *testing.T) {
	syncer := &fakeSyncer{activated: true}
	cfg := testConfig(t)

	d, err := New(syncer, nil, cfg)
	require.NoError(t, err)
	runDaemon(t, d)

	select {
	case <-d.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not start")
	}
	syncer.setPending(3)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(cfg.StorePath+"-wal", []byte{byte(i)}, 0o600))
		time.Sleep(5 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return syncer.syncCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, syncer.syncCount(), "burst of writes must be debounced into one push")
}

func TestRun_OfflineIsNotFatal(t *testing.T) {
	syncer := &fakeSyncer{activated: true, pending: 1, syncErr: ledgersync.ErrOffline}

	d, err := New(syncer, nil, testConfig(t))
	require.NoError(t, err)
	runDaemon(t, d)

	assert.Eventually(t, func() bool { return syncer.syncCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestReconfigure_ShortensInterval(t *testing.T) {
	syncer := &fakeSyncer{activated: true}
	cfg := testConfig(t)

	d, err := New(syncer, nil, cfg)
	require.NoError(t, err)
	runDaemon(t, d)

	bad := cfg
	bad.SyncInterval = 0
	assert.Error(t, d.Reconfigure(bad))

	fast := cfg
	fast.SyncInterval = 20 * time.Millisecond
	fast.StorePath = "/elsewhere/ignored.db"
	require.NoError(t, d.Reconfigure(fast))
	assert.Equal(t, cfg.StorePath, d.currentConfig().StorePath)

	syncer.setPending(1)
	assert.Eventually(t, func() bool { return syncer.syncCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestAcquireLock_SingleInstance(t *testing.T) {
	path := LockPath(filepath.Join(t.TempDir(), "ledger.db"))

	first, err := AcquireLock(path)
	require.NoError(t, err)

	_, err = AcquireLock(path)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, first.Release())
	second, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestRun_RefusesSecondInstance(t *testing.T) {
	cfg := testConfig(t)
	held, err := AcquireLock(LockPath(cfg.StorePath))
	require.NoError(t, err)
	defer held.Release()

	d, err := New(&fakeSyncer{}, nil, cfg)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Run(context.Background()), ErrAlreadyRunning)
}
