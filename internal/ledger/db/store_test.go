package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ledger.db")
}

// tickClock advances one millisecond per reading so creation order is
// unambiguous.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTickClock() *tickClock {
	return &tickClock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newTestStoreAt(t, testDBPath(t))
}

func newTestStoreAt(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: path, Now: newTickClock().Now})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func donation(name, amount string, day int) *record.Donation {
	return record.NewDonation(decimal.RequireFromString(amount), "PKR", name, "+923001234567",
		record.DonationZakat, time.Date(2026, 4, day, 12, 0, 0, 0, time.UTC))
}

func expense(payee, amount string, day int) *record.Expense {
	return record.NewExpense(decimal.RequireFromString(amount), "PKR", payee,
		record.ExpenseUtilities, false, time.Date(2026, 4, day, 12, 0, 0, 0, time.UTC))
}

func TestOpen_CreatesDirectoryAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "ledger.db")
	s := newTestStoreAt(t, path)

	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
	if s.Pool().Size() != DefaultPoolSize {
		t.Errorf("pool size = %d, want %d", s.Pool().Size(), DefaultPoolSize)
	}
}

func TestInit_ConcurrentCallersShareInitialization(t *testing.T) {
	s := New(Config{Path: testDBPath(t)})
	t.Cleanup(func() { _ = s.Close() })

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.EnsureInitialized(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("EnsureInitialized() failed: %v", err)
		}
	}

	applied, err := s.Migrations(context.Background())
	if err != nil {
		t.Fatalf("Migrations() failed: %v", err)
	}
	if len(applied) != len(Migrations()) {
		t.Errorf("applied %d migrations, want %d", len(applied), len(Migrations()))
	}
}

func TestInit_CancelledCallerDoesNotFailOthers(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	migrations := append(Migrations(), Migration{
		Name: "999_wait",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			close(entered)
			<-release
			return nil
		},
	})
	s := New(Config{Path: testDBPath(t), Migrations: migrations})
	t.Cleanup(func() { _ = s.Close() })

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() { firstErr <- s.Init(first) }()
	<-entered

	secondErr := make(chan error, 1)
	go func() { secondErr <- s.Init(context.Background()) }()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Init() = %v, want context.Canceled", err)
	}

	close(release)
	if err := <-secondErr; err != nil {
		t.Fatalf("Init() failed after another caller was cancelled: %v", err)
	}
	if s.Pool() == nil {
		t.Fatal("store not initialized")
	}
}

func TestOperations_InitializeLazily(t *testing.T) {
	s := New(Config{Path: testDBPath(t)})
	t.Cleanup(func() { _ = s.Close() })

	n, err := s.CountTotal(context.Background(), record.KindDonation)
	if err != nil {
		t.Fatalf("CountTotal() on fresh store failed: %v", err)
	}
	if n != 0 {
		t.Errorf("CountTotal() = %d, want 0", n)
	}
}

func TestSaveDonation_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := donation("Ali Khan", "500", 1)
	if err := s.SaveDonation(ctx, d); err != nil {
		t.Fatalf("SaveDonation() failed: %v", err)
	}
	created := d.CreatedAt

	if err := s.SaveDonation(ctx, d); err != nil {
		t.Fatalf("second SaveDonation() failed: %v", err)
	}
	n, err := s.CountTotal(ctx, record.KindDonation)
	if err != nil {
		t.Fatalf("CountTotal() failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountTotal() = %d after saving the same id twice, want 1", n)
	}

	d.Amount = decimal.RequireFromString("750.25")
	d.SyncStatus = record.StatusSynced
	if err := s.SaveDonation(ctx, d); err != nil {
		t.Fatalf("third SaveDonation() failed: %v", err)
	}

	got, found, err := s.GetDonation(ctx, d.ID)
	if err != nil || !found {
		t.Fatalf("GetDonation() = found %v, err %v", found, err)
	}
	if !got.Amount.Equal(decimal.RequireFromString("750.25")) {
		t.Errorf("Amount = %s, want 750.25", got.Amount)
	}
	if got.SyncStatus != record.StatusSynced {
		t.Errorf("SyncStatus = %s, want synced", got.SyncStatus)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if !got.UpdatedAt.After(created) {
		t.Errorf("UpdatedAt %v not after CreatedAt %v", got.UpdatedAt, created)
	}
}

func TestSaveDonation_RoundTripsOptionalFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	with := donation("Sara Ahmed", "1200", 2)
	with.BenefactorAddress = "House 4, Street 9"
	with.Description = "monthly"
	with.BookNo = "B-12"
	with.ReceiptSerialNo = "0042"
	with.Location = &record.Location{Latitude: 24.8607, Longitude: 67.0011}
	with.ReceiptImage = "receipts/0042.jpg"

	without := donation("Zainab Noor", "300", 3)

	for _, d := range []*record.Donation{with, without} {
		if err := s.SaveDonation(ctx, d); err != nil {
			t.Fatalf("SaveDonation() failed: %v", err)
		}
	}

	got, _, err := s.GetDonation(ctx, with.ID)
	if err != nil {
		t.Fatalf("GetDonation() failed: %v", err)
	}
	if got.Location == nil || got.Location.Latitude != 24.8607 || got.Location.Longitude != 67.0011 {
		t.Errorf("Location = %+v", got.Location)
	}
	if got.BookNo != "B-12" || got.ReceiptSerialNo != "0042" || got.ReceiptImage != "receipts/0042.jpg" {
		t.Errorf("receipt fields = %q %q %q", got.BookNo, got.ReceiptSerialNo, got.ReceiptImage)
	}
	if !got.Date.Equal(with.Date) {
		t.Errorf("Date = %v, want %v", got.Date, with.Date)
	}

	got, _, err = s.GetDonation(ctx, without.ID)
	if err != nil {
		t.Fatalf("GetDonation() failed: %v", err)
	}
	if got.Location != nil {
		t.Errorf("Location = %+v, want nil", got.Location)
	}
	if got.BenefactorAddress != "" {
		t.Errorf("BenefactorAddress = %q, want empty", got.BenefactorAddress)
	}
}

func TestGet_NotFoundIsNotAnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d, found, err := s.GetDonation(ctx, "missing")
	if err != nil {
		t.Fatalf("GetDonation() error: %v", err)
	}
	if found || d != nil {
		t.Errorf("GetDonation() = %v, %v, want nil, false", d, found)
	}

	e, found, err := s.GetExpense(ctx, "missing")
	if err != nil || found || e != nil {
		t.Errorf("GetExpense() = %v, %v, %v", e, found, err)
	}
}

func TestSave_RejectsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := donation("Ali Khan", "500", 1)
	d.Amount = decimal.Zero
	if err := s.SaveDonation(ctx, d); !errors.Is(err, ErrValidation) {
		t.Errorf("SaveDonation(zero amount) error = %v, want ErrValidation", err)
	}

	e := expense("Power Co", "10", 1)
	e.Category = "bribes"
	if err := s.SaveExpense(ctx, e); !errors.Is(err, ErrValidation) {
		t.Errorf("SaveExpense(bad category) error = %v, want ErrValidation", err)
	}
}

func TestPending_OldestFirstAndExcludesSynced(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var ids []string
	for i, name := range []string{"first", "second", "third"} {
		d := donation(name, "10", 10-i)
		if err := s.SaveDonation(ctx, d); err != nil {
			t.Fatalf("SaveDonation() failed: %v", err)
		}
		ids = append(ids, d.ID)
	}

	if err := s.UpdateSyncStatus(ctx, record.KindDonation, ids[1], record.StatusSynced); err != nil {
		t.Fatalf("UpdateSyncStatus() failed: %v", err)
	}

	pending, err := s.PendingDonations(ctx)
	if err != nil {
		t.Fatalf("PendingDonations() failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(pending))
	}
	if pending[0].ID != ids[0] || pending[1].ID != ids[2] {
		t.Errorf("pending order = [%s %s], want [%s %s]", pending[0].ID, pending[1].ID, ids[0], ids[2])
	}

	n, err := s.CountPending(ctx, record.KindDonation)
	if err != nil || n != 2 {
		t.Errorf("CountPending() = %d, %v, want 2", n, err)
	}
}

func TestUpdateSyncStatus_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := expense("Landlord", "25000", 1)
	if err := s.SaveExpense(ctx, e); err != nil {
		t.Fatalf("SaveExpense() failed: %v", err)
	}
	before := e.UpdatedAt

	if err := s.UpdateSyncStatus(ctx, record.KindExpense, e.ID, record.StatusFailed); err != nil {
		t.Fatalf("pending -> failed: %v", err)
	}
	got, _, _ := s.GetExpense(ctx, e.ID)
	if got.SyncStatus != record.StatusFailed {
		t.Fatalf("SyncStatus = %s, want failed", got.SyncStatus)
	}
	if !got.UpdatedAt.After(before) {
		t.Errorf("UpdatedAt %v not refreshed (was %v)", got.UpdatedAt, before)
	}

	if err := s.UpdateSyncStatus(ctx, record.KindExpense, e.ID, record.StatusSynced); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("failed -> synced error = %v, want ErrInvalidTransition", err)
	}

	moved, err := s.RetryFailed(ctx, record.KindExpense)
	if err != nil || moved != 1 {
		t.Fatalf("RetryFailed() = %d, %v, want 1", moved, err)
	}
	if err := s.UpdateSyncStatus(ctx, record.KindExpense, e.ID, record.StatusSynced); err != nil {
		t.Fatalf("pending -> synced: %v", err)
	}
	if err := s.UpdateSyncStatus(ctx, record.KindExpense, e.ID, record.StatusSynced); err != nil {
		t.Errorf("synced -> synced should be an idempotent refresh: %v", err)
	}
	if err := s.UpdateSyncStatus(ctx, record.KindExpense, e.ID, record.StatusPending); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("synced -> pending error = %v, want ErrInvalidTransition", err)
	}
}

func TestMarkSynced_RequiresUnchangedRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := donation("Ali Khan", "500", 1)
	if err := s.SaveDonation(ctx, d); err != nil {
		t.Fatalf("SaveDonation() failed: %v", err)
	}
	uploaded, _, err := s.GetDonation(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDonation() failed: %v", err)
	}

	// Edited after the upload copy was read.
	d.Amount = decimal.NewFromInt(900)
	if err := s.SaveDonation(ctx, d); err != nil {
		t.Fatalf("SaveDonation() failed: %v", err)
	}

	err = s.MarkSynced(ctx, record.KindDonation, d.ID, uploaded.UpdatedAt)
	if !errors.Is(err, ErrModified) {
		t.Fatalf("MarkSynced() with stale copy = %v, want ErrModified", err)
	}
	got, _, err := s.GetDonation(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDonation() failed: %v", err)
	}
	if got.SyncStatus != record.StatusPending {
		t.Errorf("status after stale confirm = %s, want pending", got.SyncStatus)
	}
	if !got.Amount.Equal(decimal.NewFromInt(900)) {
		t.Errorf("amount = %s, want 900", got.Amount)
	}

	if err := s.MarkSynced(ctx, record.KindDonation, d.ID, got.UpdatedAt); err != nil {
		t.Fatalf("MarkSynced() with current copy failed: %v", err)
	}
	got, _, _ = s.GetDonation(ctx, d.ID)
	if got.SyncStatus != record.StatusSynced {
		t.Errorf("status = %s, want synced", got.SyncStatus)
	}

	err = s.MarkSynced(ctx, record.KindExpense, "nope", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkSynced() on missing id = %v, want ErrNotFound", err)
	}
}

func TestUpdateSyncStatus_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateSyncStatus(context.Background(), record.KindDonation, "nope", record.StatusSynced)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestAggregates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, amount := range []string{"10", "20", "30.5"} {
		if err := s.SaveDonation(ctx, donation("Donor", amount, i+1)); err != nil {
			t.Fatalf("SaveDonation() failed: %v", err)
		}
	}

	sum, err := s.SumAmount(ctx, record.KindDonation)
	if err != nil {
		t.Fatalf("SumAmount() failed: %v", err)
	}
	if !sum.Equal(decimal.RequireFromString("60.5")) {
		t.Errorf("SumAmount() = %s, want 60.5", sum)
	}
	n, err := s.CountTotal(ctx, record.KindDonation)
	if err != nil || n != 3 {
		t.Errorf("CountTotal() = %d, %v, want 3", n, err)
	}

	sum, err = s.SumAmount(ctx, record.KindExpense)
	if err != nil || !sum.IsZero() {
		t.Errorf("SumAmount(empty) = %s, %v, want 0", sum, err)
	}
	n, err = s.CountTotal(ctx, record.KindExpense)
	if err != nil || n != 0 {
		t.Errorf("CountTotal(empty) = %d, %v, want 0", n, err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if st.Donations.Total != 3 || st.Donations.Pending != 3 || st.PendingTotal() != 3 {
		t.Errorf("Stats() = %+v", st)
	}
	if !st.For(record.KindDonation).Sum.Equal(decimal.RequireFromString("60.5")) {
		t.Errorf("Stats().Donations.Sum = %s", st.Donations.Sum)
	}
}

func TestListDonations_Search(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, name := range []string{"Ali Khan", "Sara Ahmed", "Zainab Noor"} {
		d := donation(name, "500", i+1)
		d.Category = record.DonationSadaqah
		if err := s.SaveDonation(ctx, d); err != nil {
			t.Fatalf("SaveDonation() failed: %v", err)
		}
	}
	accented := donation("Élodie Ünal", "10.50", 4)
	accented.Category = record.DonationSadaqah
	if err := s.SaveDonation(ctx, accented); err != nil {
		t.Fatalf("SaveDonation() failed: %v", err)
	}

	tests := []struct {
		term string
		want []string
	}{
		{"ali", []string{"Ali Khan"}},
		{"ALI", []string{"Ali Khan"}},
		{"ahmed", []string{"Sara Ahmed"}},
		{"%", nil},
		{"_", nil},
		{"", []string{"Élodie Ünal", "Zainab Noor", "Sara Ahmed", "Ali Khan"}},
		{"500", []string{"Zainab Noor", "Sara Ahmed", "Ali Khan"}},
		{"Élodie", []string{"Élodie Ünal"}},
		{"élodie", []string{"Élodie Ünal"}},
		{"ÉLODIE", []string{"Élodie Ünal"}},
		{"ünal", []string{"Élodie Ünal"}},
		{"10.5", []string{"Élodie Ünal"}},
		{"10.50", []string{"Élodie Ünal"}},
	}

	for _, tt := range tests {
		t.Run(tt.term, func(t *testing.T) {
			got, err := s.ListDonations(ctx, ListOptions{Search: tt.term})
			if err != nil {
				t.Fatalf("ListDonations() failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ListDonations(%q) returned %d records, want %d", tt.term, len(got), len(tt.want))
			}
			for i, d := range got {
				if d.BenefactorName != tt.want[i] {
					t.Errorf("result[%d] = %q, want %q", i, d.BenefactorName, tt.want[i])
				}
			}
		})
	}
}

func TestListExpenses_PagingNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for day := 1; day <= 5; day++ {
		if err := s.SaveExpense(ctx, expense("Vendor", "10", day)); err != nil {
			t.Fatalf("SaveExpense() failed: %v", err)
		}
	}

	page, err := s.ListExpenses(ctx, ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListExpenses() failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}
	if page[0].Date.Day() != 4 || page[1].Date.Day() != 3 {
		t.Errorf("page days = %d, %d, want 4, 3", page[0].Date.Day(), page[1].Date.Day())
	}

	rest, err := s.ListExpenses(ctx, ListOptions{Offset: 3})
	if err != nil {
		t.Fatalf("ListExpenses() failed: %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("len(rest) = %d, want 2", len(rest))
	}
}

func TestConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				errs <- s.SaveDonation(ctx, donation("Donor", "5", 1+i%28))
			} else {
				errs <- s.SaveExpense(ctx, expense("Vendor", "5", 1+i%28))
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent save failed: %v", err)
		}
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if st.Donations.Total != 15 || st.Expenses.Total != 15 {
		t.Errorf("totals = %d/%d, want 15/15", st.Donations.Total, st.Expenses.Total)
	}
}

func TestReset_DeletesEverything(t *testing.T) {
	ctx := context.Background()
	path := testDBPath(t)
	s := newTestStoreAt(t, path)

	if err := s.SaveDonation(ctx, donation("Ali Khan", "500", 1)); err != nil {
		t.Fatalf("SaveDonation() failed: %v", err)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	n, err := s.CountTotal(ctx, record.KindDonation)
	if err != nil {
		t.Fatalf("CountTotal() after reset failed: %v", err)
	}
	if n != 0 {
		t.Errorf("CountTotal() after reset = %d, want 0", n)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file missing after reset: %v", err)
	}
}

func TestClose_RejectsFurtherUse(t *testing.T) {
	s := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	err := s.SaveDonation(context.Background(), donation("Ali Khan", "500", 1))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("SaveDonation() after Close error = %v, want ErrClosed", err)
	}
	if !IsFatal(err) {
		t.Error("IsFatal(ErrClosed) = false")
	}
}
