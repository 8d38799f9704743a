package record

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validDonation() *Donation {
	d := NewDonation(decimal.RequireFromString("500"), "PKR", "Ali Khan", "+923001234567",
		DonationZakat, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	d.Recipient = "operator"
	return d
}

func validExpense() *Expense {
	return NewExpense(decimal.RequireFromString("42.75"), "PKR", "", ExpenseMeals, true,
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
}

func TestDonationValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *Donation)
		wantErr string
	}{
		{"valid", func(d *Donation) {}, ""},
		{"missing id", func(d *Donation) { d.ID = "" }, "ID is required"},
		{"zero amount", func(d *Donation) { d.Amount = decimal.Zero }, "amount must be positive"},
		{"negative amount", func(d *Donation) { d.Amount = decimal.NewFromInt(-3) }, "amount must be positive"},
		{"bad category", func(d *Donation) { d.Category = "tithe" }, "Category must be one of"},
		{"bad status", func(d *Donation) { d.SyncStatus = "queued" }, "SyncStatus must be one of"},
		{"missing name", func(d *Donation) { d.BenefactorName = "" }, "BenefactorName is required"},
		{"zero date", func(d *Donation) { d.Date = time.Time{} }, "Date is required"},
		{"bad latitude", func(d *Donation) { d.Location = &Location{Latitude: 91} }, "latitude"},
		{"phone format not checked", func(d *Donation) { d.BenefactorPhone = "0300" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDonation()
			tt.mutate(d)
			err := d.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDonationValidateEntry_Phone(t *testing.T) {
	tests := []struct {
		phone string
		ok    bool
	}{
		{"+923001234567", true},
		{"+12345678901", true},
		{"+123456789012345", true},
		{"+1234567890", false},
		{"+1234567890123456", false},
		{"923001234567", false},
		{"+92300123456a", false},
	}

	for _, tt := range tests {
		d := validDonation()
		d.BenefactorPhone = tt.phone
		err := d.ValidateEntry()
		if tt.ok && err != nil {
			t.Errorf("ValidateEntry(%q) unexpected error: %v", tt.phone, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ValidateEntry(%q) expected error", tt.phone)
		}
	}
}

func TestExpenseValidate(t *testing.T) {
	e := validExpense()
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
	if e.Payee != PersonalPayee {
		t.Errorf("Payee = %q, want %q", e.Payee, PersonalPayee)
	}

	e.Category = "bribes"
	if err := e.Validate(); err == nil {
		t.Error("expected category error")
	}
}

func TestSyncStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to SyncStatus
		ok       bool
	}{
		{StatusPending, StatusSynced, true},
		{StatusPending, StatusFailed, true},
		{StatusFailed, StatusPending, true},
		{StatusSynced, StatusSynced, true},
		{StatusSynced, StatusPending, false},
		{StatusSynced, StatusFailed, false},
		{StatusFailed, StatusSynced, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}

	from := SourcesFor(StatusSynced)
	if len(from) != 2 || from[0] != StatusPending || from[1] != StatusSynced {
		t.Errorf("SourcesFor(synced) = %v", from)
	}
}

func TestTouch(t *testing.T) {
	d := validDonation()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.Touch(first)
	if !d.CreatedAt.Equal(first) || !d.UpdatedAt.Equal(first) {
		t.Fatalf("first Touch: created=%v updated=%v", d.CreatedAt, d.UpdatedAt)
	}

	later := first.Add(time.Hour)
	d.Touch(later)
	if !d.CreatedAt.Equal(first) {
		t.Errorf("CreatedAt moved to %v", d.CreatedAt)
	}
	if !d.UpdatedAt.Equal(later) {
		t.Errorf("UpdatedAt = %v, want %v", d.UpdatedAt, later)
	}
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"donation", "donations"} {
		if k, err := ParseKind(s); err != nil || k != KindDonation {
			t.Errorf("ParseKind(%q) = %v, %v", s, k, err)
		}
	}
	if _, err := ParseKind("invoice"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
