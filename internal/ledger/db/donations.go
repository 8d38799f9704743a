package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
)

const donationColumns = `id, amount, currency, benefactor_name, benefactor_phone, benefactor_address,
	recipient, category, description, date, book_no, receipt_serial_no, latitude, longitude,
	receipt_image, created_at, updated_at, sync_status`

const upsertDonationSQL = `
	INSERT INTO donations (` + donationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		amount = excluded.amount,
		currency = excluded.currency,
		benefactor_name = excluded.benefactor_name,
		benefactor_phone = excluded.benefactor_phone,
		benefactor_address = excluded.benefactor_address,
		recipient = excluded.recipient,
		category = excluded.category,
		description = excluded.description,
		date = excluded.date,
		book_no = excluded.book_no,
		receipt_serial_no = excluded.receipt_serial_no,
		latitude = excluded.latitude,
		longitude = excluded.longitude,
		receipt_image = excluded.receipt_image,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		sync_status = excluded.sync_status
`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// donationRow mirrors the donations table.
type donationRow struct {
	ID                string
	Amount            string
	Currency          string
	BenefactorName    string
	BenefactorPhone   string
	BenefactorAddress sql.NullString
	Recipient         string
	Category          string
	Description       sql.NullString
	Date              string
	BookNo            sql.NullString
	ReceiptSerialNo   sql.NullString
	Latitude          sql.NullFloat64
	Longitude         sql.NullFloat64
	ReceiptImage      sql.NullString
	CreatedAt         string
	UpdatedAt         string
	SyncStatus        string
}

func fromDonation(d *record.Donation) donationRow {
	row := donationRow{
		ID:                d.ID,
		Amount:            d.Amount.String(),
		Currency:          d.Currency,
		BenefactorName:    d.BenefactorName,
		BenefactorPhone:   d.BenefactorPhone,
		BenefactorAddress: nullString(d.BenefactorAddress),
		Recipient:         d.Recipient,
		Category:          string(d.Category),
		Description:       nullString(d.Description),
		Date:              formatTime(d.Date),
		BookNo:            nullString(d.BookNo),
		ReceiptSerialNo:   nullString(d.ReceiptSerialNo),
		ReceiptImage:      nullString(d.ReceiptImage),
		CreatedAt:         formatTime(d.CreatedAt),
		UpdatedAt:         formatTime(d.UpdatedAt),
		SyncStatus:        string(d.SyncStatus),
	}
	if d.Location != nil {
		row.Latitude = sql.NullFloat64{Float64: d.Location.Latitude, Valid: true}
		row.Longitude = sql.NullFloat64{Float64: d.Location.Longitude, Valid: true}
	}
	return row
}

func (r donationRow) args() []any {
	return []any{
		r.ID, r.Amount, r.Currency, r.BenefactorName, r.BenefactorPhone, r.BenefactorAddress,
		r.Recipient, r.Category, r.Description, r.Date, r.BookNo, r.ReceiptSerialNo,
		r.Latitude, r.Longitude, r.ReceiptImage, r.CreatedAt, r.UpdatedAt, r.SyncStatus,
	}
}

func (r *donationRow) scan(s scanner) error {
	return s.Scan(
		&r.ID, &r.Amount, &r.Currency, &r.BenefactorName, &r.BenefactorPhone, &r.BenefactorAddress,
		&r.Recipient, &r.Category, &r.Description, &r.Date, &r.BookNo, &r.ReceiptSerialNo,
		&r.Latitude, &r.Longitude, &r.ReceiptImage, &r.CreatedAt, &r.UpdatedAt, &r.SyncStatus,
	)
}

func (r donationRow) toDonation() (*record.Donation, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("donation %s: invalid amount %q: %w", r.ID, r.Amount, err)
	}
	d := &record.Donation{
		ID:                r.ID,
		Amount:            amount,
		Currency:          r.Currency,
		BenefactorName:    r.BenefactorName,
		BenefactorPhone:   r.BenefactorPhone,
		BenefactorAddress: r.BenefactorAddress.String,
		Recipient:         r.Recipient,
		Category:          record.DonationCategory(r.Category),
		Description:       r.Description.String,
		BookNo:            r.BookNo.String,
		ReceiptSerialNo:   r.ReceiptSerialNo.String,
		ReceiptImage:      r.ReceiptImage.String,
		SyncStatus:        record.SyncStatus(r.SyncStatus),
	}
	// Both coordinates or none.
	if r.Latitude.Valid && r.Longitude.Valid {
		d.Location = &record.Location{Latitude: r.Latitude.Float64, Longitude: r.Longitude.Float64}
	}
	if d.Date, err = parseTime(r.Date); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, err
	}
	return d, nil
}

func scanDonations(rows *sql.Rows) ([]*record.Donation, error) {
	var out []*record.Donation
	for rows.Next() {
		var row donationRow
		if err := row.scan(rows); err != nil {
			return nil, fmt.Errorf("failed to scan donation: %w", err)
		}
		d, err := row.toDonation()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// prepareDonation validates d and stamps its timestamps for a write.
func (s *Store) prepareDonation(d *record.Donation) ([]any, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil donation", ErrValidation)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: donation %s: %v", ErrValidation, d.ID, err)
	}
	d.Touch(s.now())
	return fromDonation(d).args(), nil
}

// SaveDonation inserts d or replaces the stored donation with the same id,
// including its sync status. CreatedAt is kept when already set; UpdatedAt
// is always refreshed.
func (s *Store) SaveDonation(ctx context.Context, d *record.Donation) error {
	args, err := s.prepareDonation(d)
	if err != nil {
		return err
	}
	return s.do(ctx, "save donation", func(ctx context.Context, conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, upsertDonationSQL, args...); err != nil {
			return fmt.Errorf("failed to save donation %s: %w", d.ID, err)
		}
		return nil
	})
}

// GetDonation returns the donation with id. found is false when there is
// none; that is not an error.
func (s *Store) GetDonation(ctx context.Context, id string) (d *record.Donation, found bool, err error) {
	err = s.do(ctx, "get donation", func(ctx context.Context, conn *sql.Conn) error {
		var row donationRow
		err := row.scan(conn.QueryRowContext(ctx,
			"SELECT "+donationColumns+" FROM donations WHERE id = ?", id))
		if errors.Is(err, sql.ErrNoRows) {
			d, found = nil, false
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get donation %s: %w", id, err)
		}
		d, err = row.toDonation()
		found = err == nil
		return err
	})
	return d, found, err
}

// ListDonations returns donations newest date first.
func (s *Store) ListDonations(ctx context.Context, opts ListOptions) ([]*record.Donation, error) {
	query, args := listQuery(record.KindDonation, donationColumns, opts)

	var out []*record.Donation
	err := s.do(ctx, "list donations", func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to list donations: %w", err)
		}
		defer rows.Close()
		out, err = scanDonations(rows)
		return err
	})
	return out, err
}

// PendingDonations returns every pending donation, oldest first.
func (s *Store) PendingDonations(ctx context.Context) ([]*record.Donation, error) {
	var out []*record.Donation
	err := s.do(ctx, "pending donations", func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			"SELECT "+donationColumns+" FROM donations WHERE sync_status = ? ORDER BY created_at ASC, id",
			string(record.StatusPending))
		if err != nil {
			return fmt.Errorf("failed to list pending donations: %w", err)
		}
		defer rows.Close()
		out, err = scanDonations(rows)
		return err
	})
	return out, err
}

// BulkSaveDonations writes all of records in a single transaction. See
// bulkWrite.
func (s *Store) BulkSaveDonations(ctx context.Context, records []*record.Donation, chunkSize int) error {
	if len(records) == 0 {
		return nil
	}
	return s.do(ctx, "bulk save donations", func(ctx context.Context, conn *sql.Conn) error {
		return s.bulkWrite(ctx, conn, record.KindDonation, upsertDonationSQL, len(records), chunkSize,
			func(i int) ([]any, error) { return s.prepareDonation(records[i]) })
	})
}
