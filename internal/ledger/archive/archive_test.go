package archive

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/db"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
)

func openStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(context.Background(), db.Config{Path: filepath.Join(t.TempDir(), "ledger.db")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store *db.Store) (*record.Donation, *record.Expense) {
	t.Helper()
	ctx := context.Background()

	d := record.NewDonation(decimal.RequireFromString("250.75"), "PKR", "Ali Khan", "+923001234567",
		record.DonationZakat, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	d.Location = &record.Location{Latitude: 24.86, Longitude: 67.01}
	d.Description = "<food> & water"
	if err := store.SaveDonation(ctx, d); err != nil {
		t.Fatalf("SaveDonation failed: %v", err)
	}
	if err := store.UpdateSyncStatus(ctx, record.KindDonation, d.ID, record.StatusSynced); err != nil {
		t.Fatalf("UpdateSyncStatus failed: %v", err)
	}

	e := record.NewExpense(decimal.NewFromInt(1200), "PKR", "K-Electric", record.ExpenseUtilities, false,
		time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC))
	if err := store.SaveExpense(ctx, e); err != nil {
		t.Fatalf("SaveExpense failed: %v", err)
	}
	return d, e
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openStore(t)
	d, e := seed(t, src)

	path := filepath.Join(t.TempDir(), "backup", "ledger.jsonl")
	exported, err := ExportFile(ctx, src, path)
	if err != nil {
		t.Fatalf("ExportFile failed: %v", err)
	}
	if exported.Donations != 1 || exported.Expenses != 1 {
		t.Fatalf("exported %+v, want 1 donation and 1 expense", exported)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "<food> & water") {
		t.Errorf("archive must not HTML-escape text: %s", data)
	}
	if matches, _ := filepath.Glob(path + ".*.tmp"); len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}

	dst := openStore(t)
	imported, err := ImportFile(ctx, dst, path, ImportOptions{ChunkSize: 10})
	if err != nil {
		t.Fatalf("ImportFile failed: %v", err)
	}
	if imported.Lines != 2 || imported.Donations != 1 || imported.Expenses != 1 {
		t.Fatalf("imported %+v", imported)
	}

	got, found, err := dst.GetDonation(ctx, d.ID)
	if err != nil || !found {
		t.Fatalf("GetDonation: found=%v err=%v", found, err)
	}
	if got.SyncStatus != record.StatusSynced {
		t.Errorf("sync status = %s, want synced", got.SyncStatus)
	}
	if !got.Amount.Equal(d.Amount) {
		t.Errorf("amount = %s, want %s", got.Amount, d.Amount)
	}
	if got.Location == nil || got.Location.Latitude != 24.86 {
		t.Errorf("location lost: %+v", got.Location)
	}

	pending, err := dst.CountPending(ctx, record.KindExpense)
	if err != nil {
		t.Fatal(err)
	}
	if pending != 1 {
		t.Errorf("pending expenses = %d, want 1", pending)
	}
	if _, found, _ := dst.GetExpense(ctx, e.ID); !found {
		t.Errorf("expense %s not restored", e.ID)
	}
}

func TestImport_RejectsBadLinesBeforeWriting(t *testing.T) {
	ctx := context.Background()
	dst := openStore(t)

	good := `{"kind":"expenses","record":{"id":"e-1","amount":"10","currency":"PKR","payee":"Shop","category":"meals","date":"2026-02-01T00:00:00Z","isPersonal":false,"syncStatus":"pending"}}`
	tests := []struct {
		name  string
		input string
		line  int
	}{
		{"bad json", good + "\n{not json}\n", 2},
		{"unknown kind", `{"kind":"invoices","record":{}}` + "\n", 1},
		{"invalid record", good + "\n" + `{"kind":"donations","record":{"id":"d-1","amount":"-5","currency":"PKR","benefactorName":"A","benefactorPhone":"+923001234567","category":"zakat","date":"2026-02-01T00:00:00Z","syncStatus":"pending"}}` + "\n", 2},
		{"missing record", `{"kind":"donations"}` + "\n", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Import(ctx, dst, strings.NewReader(tt.input), ImportOptions{})
			var lineErr *LineError
			if !errors.As(err, &lineErr) {
				t.Fatalf("expected LineError, got %v", err)
			}
			if lineErr.Line != tt.line {
				t.Errorf("line = %d, want %d", lineErr.Line, tt.line)
			}
		})
	}

	total, err := dst.CountTotal(ctx, record.KindExpense)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("nothing may be written when a line is bad, got %d expenses", total)
	}
}

func TestImport_DryRun(t *testing.T) {
	ctx := context.Background()
	src := openStore(t)
	seed(t, src)

	var buf bytes.Buffer
	if _, err := Export(ctx, src, &buf); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	dst := openStore(t)
	result, err := Import(ctx, dst, &buf, ImportOptions{DryRun: true})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if result.Donations != 1 || result.Expenses != 1 {
		t.Errorf("dry run counted %+v", result)
	}
	if n, _ := dst.CountTotal(ctx, record.KindDonation); n != 0 {
		t.Errorf("dry run wrote %d donations", n)
	}
}

func TestDefaultPath(t *testing.T) {
	got := DefaultPath("/backups", time.Date(2026, 3, 1, 10, 5, 9, 0, time.UTC))
	if want := filepath.Join("/backups", "ledger-backup-20260301-100509.jsonl"); got != want {
		t.Errorf("DefaultPath = %q, want %q", got, want)
	}
}
