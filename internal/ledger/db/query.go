package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
)

// timeLayout is fixed-width UTC so that lexical order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// nullString maps "" to NULL for optional text columns.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ListOptions pages and filters a list query. Limit <= 0 means no limit.
type ListOptions struct {
	Limit  int
	Offset int
	// Search is a case-insensitive substring matched against the kind's
	// searchable columns. Empty means no filter. Amounts are stored without
	// trailing fractional zeros, so a numeric term is also matched in that
	// form ("10.50" finds 10.5).
	Search string
}

// searchColumns are the columns a search term is matched against.
var searchColumns = map[record.Kind][]string{
	record.KindDonation: {
		"benefactor_name", "benefactor_phone", "benefactor_address",
		"category", "description", "currency", "amount",
	},
	record.KindExpense: {
		"payee", "category", "description", "currency", "amount",
	},
}

// likePattern escapes LIKE wildcards in term and wraps it for substring
// matching. The escape character is a backslash.
func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + strings.ToLower(r.Replace(term)) + "%"
}

// amountTerm returns term in the stored amount form when it is a number
// written differently, e.g. "10.50" as "10.5".
func amountTerm(term string) (string, bool) {
	d, err := decimal.NewFromString(term)
	if err != nil {
		return "", false
	}
	normalized := d.String()
	return normalized, normalized != term
}

// listQuery builds the SELECT for a list call over columns of kind.
func listQuery(kind record.Kind, columns string, opts ListOptions) (string, []any) {
	var b strings.Builder
	var args []any

	fmt.Fprintf(&b, "SELECT %s FROM %s", columns, kind)

	if term := strings.TrimSpace(opts.Search); term != "" {
		pattern := likePattern(term)
		var conditions []string
		for _, col := range searchColumns[kind] {
			conditions = append(conditions, fmt.Sprintf(`LOWER(%s) LIKE ? ESCAPE '\'`, col))
			args = append(args, pattern)
		}
		if amount, ok := amountTerm(term); ok {
			conditions = append(conditions, `amount LIKE ? ESCAPE '\'`)
			args = append(args, likePattern(amount))
		}
		b.WriteString(" WHERE (" + strings.Join(conditions, " OR ") + ")")
	}

	b.WriteString(" ORDER BY date DESC, created_at DESC, id")

	switch {
	case opts.Limit > 0:
		b.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
	case opts.Offset > 0:
		b.WriteString(" LIMIT -1")
	}
	if opts.Offset > 0 {
		b.WriteString(" OFFSET ?")
		args = append(args, opts.Offset)
	}

	return b.String(), args
}

// countWhere counts rows of kind, optionally restricted to one status.
func countWhere(ctx context.Context, conn *sql.Conn, kind record.Kind, status string) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", kind)
	var args []any
	if status != "" {
		query += " WHERE sync_status = ?"
		args = append(args, status)
	}

	var n int
	if err := conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", kind, err)
	}
	return n, nil
}

// sumAmounts adds the amount column in decimal so that 10 + 20 + 30.5 is
// exactly 60.5.
func sumAmounts(ctx context.Context, conn *sql.Conn, kind record.Kind) (decimal.Decimal, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("SELECT amount FROM %s", kind))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum %s: %w", kind, err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount %q in %s: %w", raw, kind, err)
		}
		sum = sum.Add(amount)
	}
	return sum, rows.Err()
}

// kindOf rejects unknown kinds before they reach a query string.
func kindOf(kind record.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, kind)
	}
	return nil
}

// CountTotal returns the number of records of kind.
func (s *Store) CountTotal(ctx context.Context, kind record.Kind) (int, error) {
	if err := kindOf(kind); err != nil {
		return 0, err
	}
	var n int
	err := s.do(ctx, "count "+string(kind), func(ctx context.Context, conn *sql.Conn) error {
		var err error
		n, err = countWhere(ctx, conn, kind, "")
		return err
	})
	return n, err
}

// CountPending returns the number of records of kind waiting for upload.
func (s *Store) CountPending(ctx context.Context, kind record.Kind) (int, error) {
	if err := kindOf(kind); err != nil {
		return 0, err
	}
	var n int
	err := s.do(ctx, "count pending "+string(kind), func(ctx context.Context, conn *sql.Conn) error {
		var err error
		n, err = countWhere(ctx, conn, kind, string(record.StatusPending))
		return err
	})
	return n, err
}

// SumAmount returns the exact sum of amounts of kind, zero when empty.
func (s *Store) SumAmount(ctx context.Context, kind record.Kind) (decimal.Decimal, error) {
	if err := kindOf(kind); err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	err := s.do(ctx, "sum "+string(kind), func(ctx context.Context, conn *sql.Conn) error {
		var err error
		sum, err = sumAmounts(ctx, conn, kind)
		return err
	})
	return sum, err
}

// UpdateSyncStatus moves record id of kind to status and refreshes its
// updatedAt. It returns ErrNotFound for an unknown id and
// ErrInvalidTransition when the lifecycle forbids the move.
func (s *Store) UpdateSyncStatus(ctx context.Context, kind record.Kind, id string, status record.SyncStatus) error {
	if err := kindOf(kind); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown sync status %q", ErrValidation, status)
	}

	sources := record.SourcesFor(status)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(sources)), ", ")
	query := fmt.Sprintf("UPDATE %s SET sync_status = ?, updated_at = ? WHERE id = ? AND sync_status IN (%s)",
		kind, placeholders)

	now := formatTime(s.now())
	return s.do(ctx, "update sync status", func(ctx context.Context, conn *sql.Conn) error {
		args := []any{string(status), now, id}
		for _, src := range sources {
			args = append(args, string(src))
		}

		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update sync status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		var current string
		err = conn.QueryRowContext(ctx, fmt.Sprintf("SELECT sync_status FROM %s WHERE id = ?", kind), id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind.Singular(), id)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s for %s %s", ErrInvalidTransition, current, status, kind.Singular(), id)
	})
}

// MarkSynced confirms the upload of record id of kind. The move to synced
// only happens while the row still carries seen as its updatedAt; a row
// saved again in the meantime returns ErrModified and stays as it is.
func (s *Store) MarkSynced(ctx context.Context, kind record.Kind, id string, seen time.Time) error {
	if err := kindOf(kind); err != nil {
		return err
	}

	sources := record.SourcesFor(record.StatusSynced)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(sources)), ", ")
	query := fmt.Sprintf("UPDATE %s SET sync_status = ?, updated_at = ? WHERE id = ? AND updated_at = ? AND sync_status IN (%s)",
		kind, placeholders)

	seenText := formatTime(seen)
	now := formatTime(s.now())
	return s.do(ctx, "mark synced", func(ctx context.Context, conn *sql.Conn) error {
		args := []any{string(record.StatusSynced), now, id, seenText}
		for _, src := range sources {
			args = append(args, string(src))
		}

		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to mark %s %s synced: %w", kind.Singular(), id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		var status, updatedAt string
		err = conn.QueryRowContext(ctx,
			fmt.Sprintf("SELECT sync_status, updated_at FROM %s WHERE id = ?", kind), id).Scan(&status, &updatedAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind.Singular(), id)
		case err != nil:
			return err
		case updatedAt != seenText:
			return fmt.Errorf("%w: %s %s", ErrModified, kind.Singular(), id)
		}
		return fmt.Errorf("%w: %s -> %s for %s %s", ErrInvalidTransition, status, record.StatusSynced, kind.Singular(), id)
	})
}

// RetryFailed moves every failed record of kind back to pending and returns
// how many moved.
func (s *Store) RetryFailed(ctx context.Context, kind record.Kind) (int, error) {
	if err := kindOf(kind); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("UPDATE %s SET sync_status = ?, updated_at = ? WHERE sync_status = ?", kind)
	now := formatTime(s.now())

	var n int64
	err := s.do(ctx, "retry failed "+string(kind), func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, query, string(record.StatusPending), now, string(record.StatusFailed))
		if err != nil {
			return fmt.Errorf("failed to reset failed records: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}
