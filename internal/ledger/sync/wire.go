package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
)

// wireTime is a timestamp in the wire format. Decoding also accepts RFC 3339
// without milliseconds and bare dates.
type wireTime time.Time

func (t wireTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireTimestamp(time.Time(t)))
}

func (t *wireTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	for _, layout := range []string{wireTimeLayout, time.RFC3339Nano, wireDateLayout} {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = wireTime(parsed.UTC())
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

// wireAmount renders a decimal as a JSON number.
func wireAmount(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func parseAmount(n json.Number) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(string(n)))
}

// donationPayload is the whitelisted upload shape of a donation. Field order
// is part of the signature.
type donationPayload struct {
	ID                string           `json:"id"`
	Amount            json.Number      `json:"amount"`
	Currency          string           `json:"currency"`
	BenefactorName    string           `json:"benefactorName"`
	BenefactorPhone   string           `json:"benefactorPhone"`
	BenefactorAddress string           `json:"benefactorAddress,omitempty"`
	Recipient         string           `json:"recipient"`
	Category          string           `json:"category"`
	Description       string           `json:"description,omitempty"`
	Date              wireTime         `json:"date"`
	BookNo            string           `json:"bookNo,omitempty"`
	ReceiptSerialNo   string           `json:"receiptSerialNo,omitempty"`
	Location          *record.Location `json:"location,omitempty"`
}

// expensePayload is the whitelisted upload shape of an expense.
type expensePayload struct {
	ID          string      `json:"id"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	Payee       string      `json:"payee"`
	Category    string      `json:"category"`
	Description string      `json:"description,omitempty"`
	Date        wireTime    `json:"date"`
	IsPersonal  bool        `json:"isPersonal"`
}

func donationToPayload(d *record.Donation) donationPayload {
	return donationPayload{
		ID:                d.ID,
		Amount:            wireAmount(d.Amount),
		Currency:          d.Currency,
		BenefactorName:    d.BenefactorName,
		BenefactorPhone:   d.BenefactorPhone,
		BenefactorAddress: d.BenefactorAddress,
		Recipient:         d.Recipient,
		Category:          string(d.Category),
		Description:       d.Description,
		Date:              wireTime(d.Date),
		BookNo:            d.BookNo,
		ReceiptSerialNo:   d.ReceiptSerialNo,
		Location:          d.Location,
	}
}

func expenseToPayload(e *record.Expense) expensePayload {
	return expensePayload{
		ID:          e.ID,
		Amount:      wireAmount(e.Amount),
		Currency:    e.Currency,
		Payee:       e.Payee,
		Category:    string(e.Category),
		Description: e.Description,
		Date:        wireTime(e.Date),
		IsPersonal:  e.IsPersonal,
	}
}

// samePayload reports whether a and b have the same wire form.
func samePayload(a, b any) bool {
	ab, err := Canonicalize(a)
	if err != nil {
		return false
	}
	bb, err := Canonicalize(b)
	return err == nil && bytes.Equal(ab, bb)
}

// serverDonation is a donation as returned by the pull endpoint.
type serverDonation struct {
	donationPayload
	CreatedAt *wireTime `json:"createdAt,omitempty"`
}

// serverExpense is an expense as returned by the pull endpoint.
type serverExpense struct {
	expensePayload
	CreatedAt *wireTime `json:"createdAt,omitempty"`
}

// toRecord maps a pulled donation to a local record marked synced.
func (w serverDonation) toRecord() (*record.Donation, error) {
	amount, err := parseAmount(w.Amount)
	if err != nil {
		return nil, fmt.Errorf("donation %s: invalid amount %q: %w", w.ID, w.Amount, err)
	}
	d := &record.Donation{
		ID:                w.ID,
		Amount:            amount,
		Currency:          w.Currency,
		BenefactorName:    w.BenefactorName,
		BenefactorPhone:   w.BenefactorPhone,
		BenefactorAddress: w.BenefactorAddress,
		Recipient:         w.Recipient,
		Category:          record.DonationCategory(w.Category),
		Description:       w.Description,
		Date:              time.Time(w.Date),
		BookNo:            w.BookNo,
		ReceiptSerialNo:   w.ReceiptSerialNo,
		Location:          w.Location,
		SyncStatus:        record.StatusSynced,
	}
	if w.CreatedAt != nil {
		d.CreatedAt = time.Time(*w.CreatedAt)
	}
	return d, nil
}

func (w serverExpense) toRecord() (*record.Expense, error) {
	amount, err := parseAmount(w.Amount)
	if err != nil {
		return nil, fmt.Errorf("expense %s: invalid amount %q: %w", w.ID, w.Amount, err)
	}
	e := &record.Expense{
		ID:          w.ID,
		Amount:      amount,
		Currency:    w.Currency,
		Payee:       w.Payee,
		Category:    record.ExpenseCategory(w.Category),
		Description: w.Description,
		Date:        time.Time(w.Date),
		IsPersonal:  w.IsPersonal,
		SyncStatus:  record.StatusSynced,
	}
	if w.CreatedAt != nil {
		e.CreatedAt = time.Time(*w.CreatedAt)
	}
	return e, nil
}

func decodeDonations(raw []byte) ([]*record.Donation, error) {
	var wire []serverDonation
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode donations: %w", err)
	}
	out := make([]*record.Donation, 0, len(wire))
	for _, w := range wire {
		d, err := w.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func decodeExpenses(raw []byte) ([]*record.Expense, error) {
	var wire []serverExpense
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode expenses: %w", err)
	}
	out := make([]*record.Expense, 0, len(wire))
	for _, w := range wire {
		e, err := w.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the per-account signing key.
type LoginResponse struct {
	Username   string `json:"username"`
	SigningKey string `json:"signingKey"`
}
