package db

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
)

// bulkWrite stages n records through one prepared statement inside exactly
// one transaction. chunkSize only paces the loop: between chunks it checks
// ctx and logs progress, it never commits. Any error rolls back everything.
func (s *Store) bulkWrite(ctx context.Context, conn *sql.Conn, kind record.Kind, query string, n, chunkSize int, argsAt func(i int) ([]any, error)) error {
	if chunkSize <= 0 {
		chunkSize = s.cfg.BulkChunkSize
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare bulk statement: %w", err)
	}
	defer stmt.Close()

	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		for i := start; i < end; i++ {
			args, err := argsAt(i)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("failed to stage %s record %d: %w", kind.Singular(), i, err)
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		s.logger.Debug("bulk chunk staged",
			zap.String("kind", string(kind)),
			zap.Int("staged", end),
			zap.Int("total", n),
		)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bulk save: %w", err)
	}
	s.logger.Info("bulk save committed", zap.String("kind", string(kind)), zap.Int("records", n))
	return nil
}
