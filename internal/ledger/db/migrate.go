package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Migration is one named schema change. Up must check the current structure
// before acting so it is safe on databases that already have the change.
type Migration struct {
	Name string
	Up   func(ctx context.Context, tx *sql.Tx) error
}

// MigrationError names the migration that failed.
type MigrationError struct {
	Name string
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s: %v", e.Name, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// AppliedMigration is one row of the migration ledger.
type AppliedMigration struct {
	Name      string    `json:"name" yaml:"name"`
	AppliedAt time.Time `json:"appliedAt" yaml:"applied_at"`
}

// Migrations returns the built-in migrations in order. The list is
// append-only.
func Migrations() []Migration {
	return []Migration{
		{Name: "001_create_donations", Up: createDonations},
		{Name: "002_create_expenses", Up: createExpenses},
		{Name: "003_add_donation_receipt_refs", Up: addDonationReceiptRefs},
		{Name: "004_add_donation_location", Up: addDonationLocation},
		{Name: "005_add_expense_is_personal", Up: addExpenseIsPersonal},
		{Name: "006_add_sync_indexes", Up: addSyncIndexes},
	}
}

// Migrator applies migrations and records them in schema_migrations.
type Migrator struct {
	migrations []Migration
	now        func() time.Time
	logger     *zap.Logger
}

// NewMigrator returns a migrator over migrations.
func NewMigrator(migrations []Migration, now func() time.Time, logger *zap.Logger) *Migrator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{migrations: migrations, now: now, logger: logger}
}

const ledgerSchema = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)
`

// Run applies every migration missing from the ledger, in order. Each one
// runs in its own transaction together with its ledger row.
func (m *Migrator) Run(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("failed to create migration ledger: %w", err)
	}

	applied, err := appliedNames(ctx, conn)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if applied[mig.Name] {
			continue
		}
		if err := m.apply(ctx, conn, mig); err != nil {
			m.logger.Error("migration failed", zap.String("migration", mig.Name), zap.Error(err))
			return &MigrationError{Name: mig.Name, Err: err}
		}
		m.logger.Info("migration applied", zap.String("migration", mig.Name))
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, mig Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := mig.Up(ctx, tx); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
		mig.Name, formatTime(m.now()))
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

func appliedNames(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration ledger: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan migration ledger: %w", err)
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// Migrations lists the applied migrations in the order they were applied.
func (s *Store) Migrations(ctx context.Context) ([]AppliedMigration, error) {
	var out []AppliedMigration
	err := s.do(ctx, "list migrations", func(ctx context.Context, conn *sql.Conn) error {
		out = out[:0]
		rows, err := conn.QueryContext(ctx, `SELECT name, applied_at FROM schema_migrations ORDER BY applied_at, name`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var name, at string
			if err := rows.Scan(&name, &at); err != nil {
				return err
			}
			t, err := parseTime(at)
			if err != nil {
				return err
			}
			out = append(out, AppliedMigration{Name: name, AppliedAt: t})
		}
		return rows.Err()
	})
	return out, err
}

// Structural checks used by migrations.

func tableExists(ctx context.Context, tx *sql.Tx, table string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	return n > 0, err
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	return n > 0, err
}

func indexExists(ctx context.Context, tx *sql.Tx, index string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, index).Scan(&n)
	return n > 0, err
}

// addColumns adds each missing column of table.
func addColumns(ctx context.Context, tx *sql.Tx, table string, columns [][2]string) error {
	for _, col := range columns {
		ok, err := columnExists(ctx, tx, table, col[0])
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col[0], col[1])
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", table, col[0], err)
		}
	}
	return nil
}

func createDonations(ctx context.Context, tx *sql.Tx) error {
	ok, err := tableExists(ctx, tx, "donations")
	if err != nil || ok {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		CREATE TABLE donations (
			id TEXT PRIMARY KEY,
			amount TEXT NOT NULL CHECK (CAST(amount AS REAL) > 0),
			currency TEXT NOT NULL,
			benefactor_name TEXT NOT NULL,
			benefactor_phone TEXT NOT NULL,
			benefactor_address TEXT,
			recipient TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL CHECK (category IN ('charity', 'zakat', 'sadaqah', 'other')),
			description TEXT,
			date TEXT NOT NULL,
			receipt_image TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending' CHECK (sync_status IN ('pending', 'synced', 'failed'))
		)
	`)
	return err
}

func createExpenses(ctx context.Context, tx *sql.Tx) error {
	ok, err := tableExists(ctx, tx, "expenses")
	if err != nil || ok {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		CREATE TABLE expenses (
			id TEXT PRIMARY KEY,
			amount TEXT NOT NULL CHECK (CAST(amount AS REAL) > 0),
			currency TEXT NOT NULL,
			payee TEXT NOT NULL,
			category TEXT NOT NULL CHECK (category IN (
				'office_supplies', 'utilities', 'rent', 'maintenance', 'transportation',
				'meals', 'events', 'marketing', 'equipment', 'services', 'other'
			)),
			description TEXT,
			date TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending' CHECK (sync_status IN ('pending', 'synced', 'failed'))
		)
	`)
	return err
}

func addDonationReceiptRefs(ctx context.Context, tx *sql.Tx) error {
	return addColumns(ctx, tx, "donations", [][2]string{
		{"book_no", "TEXT"},
		{"receipt_serial_no", "TEXT"},
	})
}

func addDonationLocation(ctx context.Context, tx *sql.Tx) error {
	return addColumns(ctx, tx, "donations", [][2]string{
		{"latitude", "REAL"},
		{"longitude", "REAL"},
	})
}

func addExpenseIsPersonal(ctx context.Context, tx *sql.Tx) error {
	return addColumns(ctx, tx, "expenses", [][2]string{
		{"is_personal", "INTEGER NOT NULL DEFAULT 0"},
	})
}

func addSyncIndexes(ctx context.Context, tx *sql.Tx) error {
	indexes := []struct{ name, ddl string }{
		{"idx_donations_sync_status", `CREATE INDEX idx_donations_sync_status ON donations(sync_status, created_at)`},
		{"idx_donations_date", `CREATE INDEX idx_donations_date ON donations(date DESC, created_at DESC)`},
		{"idx_expenses_sync_status", `CREATE INDEX idx_expenses_sync_status ON expenses(sync_status, created_at)`},
		{"idx_expenses_date", `CREATE INDEX idx_expenses_date ON expenses(date DESC, created_at DESC)`},
	}
	for _, idx := range indexes {
		ok, err := indexExists(ctx, tx, idx.name)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, idx.ddl); err != nil {
			return fmt.Errorf("failed to create %s: %w", idx.name, err)
		}
	}
	return nil
}
