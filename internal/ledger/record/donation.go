package record

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DonationCategory classifies a donation.
type DonationCategory string

const (
	DonationCharity DonationCategory = "charity"
	DonationZakat   DonationCategory = "zakat"
	DonationSadaqah DonationCategory = "sadaqah"
	DonationOther   DonationCategory = "other"
)

// DonationCategories lists the closed set of donation categories.
var DonationCategories = []DonationCategory{DonationCharity, DonationZakat, DonationSadaqah, DonationOther}

// Valid reports whether c belongs to the closed category set.
func (c DonationCategory) Valid() bool {
	for _, known := range DonationCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Donation is a donation received and logged by an operator.
type Donation struct {
	ID                string           `json:"id" validate:"required"`
	Amount            decimal.Decimal  `json:"amount"`
	Currency          string           `json:"currency" validate:"required"`
	BenefactorName    string           `json:"benefactorName" validate:"required"`
	BenefactorPhone   string           `json:"benefactorPhone" validate:"required"`
	BenefactorAddress string           `json:"benefactorAddress,omitempty"`
	Recipient         string           `json:"recipient"`
	Category          DonationCategory `json:"category" validate:"oneof=charity zakat sadaqah other"`
	Description       string           `json:"description,omitempty"`
	Date              time.Time        `json:"date" validate:"required"`
	BookNo            string           `json:"bookNo,omitempty"`
	ReceiptSerialNo   string           `json:"receiptSerialNo,omitempty"`
	Location          *Location        `json:"location,omitempty"`
	ReceiptImage      string           `json:"receiptImage,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
	SyncStatus        SyncStatus       `json:"syncStatus" validate:"oneof=pending synced failed"`
}

// Validate checks the invariants the store relies on. Phone format is the
// producer's concern; see ValidateEntry.
func (d *Donation) Validate() error {
	if err := validate.Struct(d); err != nil {
		return validationError(err)
	}
	if !d.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive (got %s)", d.Amount)
	}
	if d.Location != nil {
		if err := d.Location.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateEntry runs the stricter checks applied when an operator enters a
// donation: everything Validate checks plus the benefactor phone format.
func (d *Donation) ValidateEntry() error {
	if err := d.Validate(); err != nil {
		return err
	}
	if !ValidPhone(d.BenefactorPhone) {
		return fmt.Errorf("benefactor phone must be + followed by 11-15 digits (got %q)", d.BenefactorPhone)
	}
	return nil
}

// Touch sets timestamps for a write happening at now.
func (d *Donation) Touch(now time.Time) {
	stamp(&d.CreatedAt, &d.UpdatedAt, now)
}

// RecordID implements the sync package's identity accessor.
func (d *Donation) RecordID() string { return d.ID }

// NewDonation returns a pending donation with a fresh id.
func NewDonation(amount decimal.Decimal, currency, name, phone string, category DonationCategory, date time.Time) *Donation {
	return &Donation{
		ID:              NewID(),
		Amount:          amount,
		Currency:        currency,
		BenefactorName:  name,
		BenefactorPhone: phone,
		Category:        category,
		Date:            date.UTC(),
		SyncStatus:      StatusPending,
	}
}
