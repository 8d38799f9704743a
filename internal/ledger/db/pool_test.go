package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
)

var errHandleGone = errors.New("handle gone")

func TestPool_RecoversAfterFailedProbe(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pool := s.Pool()
	genBefore := pool.Generation()

	var calls atomic.Int32
	pool.probe = func(ctx context.Context, conn *sql.Conn) error {
		if calls.Add(1) == 1 {
			return errHandleGone
		}
		return pingProbe(ctx, conn)
	}

	if err := s.SaveDonation(ctx, donation("Ali Khan", "500", 1)); err != nil {
		t.Fatalf("SaveDonation() failed despite recovery: %v", err)
	}
	if got := pool.Recoveries(); got != 1 {
		t.Errorf("Recoveries() = %d, want 1", got)
	}
	if got := pool.Generation(); got != genBefore+1 {
		t.Errorf("Generation() = %d, want %d", got, genBefore+1)
	}

	n, err := s.CountTotal(ctx, record.KindDonation)
	if err != nil || n != 1 {
		t.Errorf("CountTotal() = %d, %v, want 1", n, err)
	}
}

func TestPool_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pool := s.Pool()
	attemptsBefore := pool.Attempts()

	pool.probe = func(ctx context.Context, conn *sql.Conn) error { return errHandleGone }

	err := s.SaveDonation(ctx, donation("Ali Khan", "500", 1))
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("error = %v, want *OperationError", err)
	}
	if opErr.Attempts != DefaultMaxAttempts {
		t.Errorf("Attempts = %d, want %d", opErr.Attempts, DefaultMaxAttempts)
	}
	if !errors.Is(err, errHandleGone) {
		t.Errorf("error does not wrap the last cause: %v", err)
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable() = false for exhausted retries")
	}
	if got := pool.Attempts() - attemptsBefore; got != DefaultMaxAttempts {
		t.Errorf("made %d attempts, want %d", got, DefaultMaxAttempts)
	}

	// A healthy handle again: the pool keeps working.
	pool.probe = pingProbe
	if err := s.SaveDonation(ctx, donation("Ali Khan", "500", 1)); err != nil {
		t.Fatalf("SaveDonation() after probe fixed: %v", err)
	}
}

func TestPool_PermanentErrorsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pool := s.Pool()
	attemptsBefore := pool.Attempts()

	err := s.UpdateSyncStatus(ctx, record.KindDonation, "missing", record.StatusSynced)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if got := pool.Attempts() - attemptsBefore; got != 1 {
		t.Errorf("made %d attempts for a permanent error, want 1", got)
	}
	if pool.Recoveries() != 0 {
		t.Errorf("Recoveries() = %d, want 0", pool.Recoveries())
	}
}

func TestPool_ConcurrentFailuresRebuildOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pool := s.Pool()
	broken := pool.Generation()

	// Every handle of the current generation is bad; the rebuilt ones are fine.
	pool.probe = func(ctx context.Context, conn *sql.Conn) error {
		if pool.Generation() == broken {
			return errHandleGone
		}
		return pingProbe(ctx, conn)
	}

	var wg sync.WaitGroup
	errs := make(chan error, pool.Size())
	for i := 0; i < pool.Size(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CountTotal(ctx, record.KindExpense)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("CountTotal() failed: %v", err)
		}
	}
	if got := pool.Recoveries(); got != 1 {
		t.Errorf("Recoveries() = %d, want exactly 1", got)
	}
}

func TestPool_BoundsConcurrentHolders(t *testing.T) {
	s := newTestStore(t)
	pool := s.Pool()

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.Do(context.Background(), "hold", func(ctx context.Context, conn *sql.Conn) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("Do() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > int32(pool.Size()) {
		t.Errorf("peak holders = %d, pool size %d", got, pool.Size())
	}
}

func TestPool_AcquireHonorsContext(t *testing.T) {
	s := newTestStore(t)
	pool := s.Pool()

	release := make(chan struct{})
	held := make(chan struct{}, pool.Size())
	var wg sync.WaitGroup
	for i := 0; i < pool.Size(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Do(context.Background(), "hold", func(ctx context.Context, conn *sql.Conn) error {
				held <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	for i := 0; i < pool.Size(); i++ {
		<-held
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Do(ctx, "waiter", func(ctx context.Context, conn *sql.Conn) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() with exhausted pool error = %v, want DeadlineExceeded", err)
	}

	close(release)
	wg.Wait()
}

func TestBegin_NestedTransactionsAreRejected(t *testing.T) {
	s := newTestStore(t)

	err := s.Pool().Do(context.Background(), "nested", func(ctx context.Context, conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, "BEGIN"); err != nil {
			return err
		}
		defer func() { _, _ = conn.ExecContext(ctx, "ROLLBACK") }()

		if _, err := conn.ExecContext(ctx, "BEGIN"); err == nil {
			t.Error("second BEGIN on the same handle succeeded")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
}
