package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
)

const expenseColumns = `id, amount, currency, payee, category, description, date, is_personal,
	created_at, updated_at, sync_status`

const upsertExpenseSQL = `
	INSERT INTO expenses (` + expenseColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		amount = excluded.amount,
		currency = excluded.currency,
		payee = excluded.payee,
		category = excluded.category,
		description = excluded.description,
		date = excluded.date,
		is_personal = excluded.is_personal,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		sync_status = excluded.sync_status
`

type expenseRow struct {
	ID          string
	Amount      string
	Currency    string
	Payee       string
	Category    string
	Description sql.NullString
	Date        string
	IsPersonal  bool
	CreatedAt   string
	UpdatedAt   string
	SyncStatus  string
}

func fromExpense(e *record.Expense) expenseRow {
	return expenseRow{
		ID:          e.ID,
		Amount:      e.Amount.String(),
		Currency:    e.Currency,
		Payee:       e.Payee,
		Category:    string(e.Category),
		Description: nullString(e.Description),
		Date:        formatTime(e.Date),
		IsPersonal:  e.IsPersonal,
		CreatedAt:   formatTime(e.CreatedAt),
		UpdatedAt:   formatTime(e.UpdatedAt),
		SyncStatus:  string(e.SyncStatus),
	}
}

func (r expenseRow) args() []any {
	return []any{
		r.ID, r.Amount, r.Currency, r.Payee, r.Category, r.Description, r.Date, r.IsPersonal,
		r.CreatedAt, r.UpdatedAt, r.SyncStatus,
	}
}

func (r *expenseRow) scan(s scanner) error {
	return s.Scan(
		&r.ID, &r.Amount, &r.Currency, &r.Payee, &r.Category, &r.Description, &r.Date, &r.IsPersonal,
		&r.CreatedAt, &r.UpdatedAt, &r.SyncStatus,
	)
}

func (r expenseRow) toExpense() (*record.Expense, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("expense %s: invalid amount %q: %w", r.ID, r.Amount, err)
	}
	e := &record.Expense{
		ID:          r.ID,
		Amount:      amount,
		Currency:    r.Currency,
		Payee:       r.Payee,
		Category:    record.ExpenseCategory(r.Category),
		Description: r.Description.String,
		IsPersonal:  r.IsPersonal,
		SyncStatus:  record.SyncStatus(r.SyncStatus),
	}
	if e.Date, err = parseTime(r.Date); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, err
	}
	return e, nil
}

func scanExpenses(rows *sql.Rows) ([]*record.Expense, error) {
	var out []*record.Expense
	for rows.Next() {
		var row expenseRow
		if err := row.scan(rows); err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		e, err := row.toExpense()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) prepareExpense(e *record.Expense) ([]any, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil expense", ErrValidation)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: expense %s: %v", ErrValidation, e.ID, err)
	}
	e.Touch(s.now())
	return fromExpense(e).args(), nil
}

// SaveExpense inserts e or replaces the stored expense with the same id.
func (s *Store) SaveExpense(ctx context.Context, e *record.Expense) error {
	args, err := s.prepareExpense(e)
	if err != nil {
		return err
	}
	return s.do(ctx, "save expense", func(ctx context.Context, conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, upsertExpenseSQL, args...); err != nil {
			return fmt.Errorf("failed to save expense %s: %w", e.ID, err)
		}
		return nil
	})
}

// GetExpense returns the expense with id, or found=false.
func (s *Store) GetExpense(ctx context.Context, id string) (e *record.Expense, found bool, err error) {
	err = s.do(ctx, "get expense", func(ctx context.Context, conn *sql.Conn) error {
		var row expenseRow
		err := row.scan(conn.QueryRowContext(ctx,
			"SELECT "+expenseColumns+" FROM expenses WHERE id = ?", id))
		if errors.Is(err, sql.ErrNoRows) {
			e, found = nil, false
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get expense %s: %w", id, err)
		}
		e, err = row.toExpense()
		found = err == nil
		return err
	})
	return e, found, err
}

func (s *Store) ListExpenses(ctx context.Context, opts ListOptions) ([]*record.Expense, error) {
	query, args := listQuery(record.KindExpense, expenseColumns, opts)

	var out []*record.Expense
	err := s.do(ctx, "list expenses", func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to list expenses: %w", err)
		}
		defer rows.Close()
		out, err = scanExpenses(rows)
		return err
	})
	return out, err
}

func (s *Store) PendingExpenses(ctx context.Context) ([]*record.Expense, error) {
	var out []*record.Expense
	err := s.do(ctx, "pending expenses", func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			"SELECT "+expenseColumns+" FROM expenses WHERE sync_status = ? ORDER BY created_at ASC, id",
			string(record.StatusPending))
		if err != nil {
			return fmt.Errorf("failed to list pending expenses: %w", err)
		}
		defer rows.Close()
		out, err = scanExpenses(rows)
		return err
	})
	return out, err
}

// BulkSaveExpenses writes all of records in a single transaction.
func (s *Store) BulkSaveExpenses(ctx context.Context, records []*record.Expense, chunkSize int) error {
	if len(records) == 0 {
		return nil
	}
	return s.do(ctx, "bulk save expenses", func(ctx context.Context, conn *sql.Conn) error {
		return s.bulkWrite(ctx, conn, record.KindExpense, upsertExpenseSQL, len(records), chunkSize,
			func(i int) ([]any, error) { return s.prepareExpense(records[i]) })
	})
}
