// Package archive writes the ledger to a JSON Lines backup and restores it.
//
// Each line holds one record tagged with its kind:
//
//	{"kind":"donations","record":{...}}
//
// Records keep their ids and sync status, so restoring a backup into a
// fresh store leaves already-synced records synced.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/db"
	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
)

// Line is one archived record.
type Line struct {
	Kind   record.Kind     `json:"kind"`
	Record json.RawMessage `json:"record"`
}

// Source lists every stored record. db.Store satisfies it.
type Source interface {
	ListDonations(ctx context.Context, opts db.ListOptions) ([]*record.Donation, error)
	ListExpenses(ctx context.Context, opts db.ListOptions) ([]*record.Expense, error)
}

// Sink bulk-writes restored records. db.Store satisfies it.
type Sink interface {
	BulkSaveDonations(ctx context.Context, records []*record.Donation, chunkSize int) error
	BulkSaveExpenses(ctx context.Context, records []*record.Expense, chunkSize int) error
}

// ExportResult contains statistics about an export.
type ExportResult struct {
	Donations int
	Expenses  int
	Path      string
}

// Export writes every record of src to w, donations first.
func Export(ctx context.Context, src Source, w io.Writer) (*ExportResult, error) {
	result := &ExportResult{}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	donations, err := src.ListDonations(ctx, db.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list donations: %w", err)
	}
	for _, d := range donations {
		if err := writeLine(enc, record.KindDonation, d); err != nil {
			return nil, err
		}
		result.Donations++
	}

	expenses, err := src.ListExpenses(ctx, db.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}
	for _, e := range expenses {
		if err := writeLine(enc, record.KindExpense, e); err != nil {
			return nil, err
		}
		result.Expenses++
	}
	return result, nil
}

func writeLine(enc *json.Encoder, kind record.Kind, rec any) error {
	line := struct {
		Kind   record.Kind `json:"kind"`
		Record any         `json:"record"`
	}{kind, rec}
	if err := enc.Encode(line); err != nil {
		return fmt.Errorf("failed to write %s line: %w", kind.Singular(), err)
	}
	return nil
}

// ExportFile writes the archive to path atomically via a temp file.
func ExportFile(ctx context.Context, src Source, path string) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	bw := bufio.NewWriter(tmp)
	result, err := Export(ctx, src, bw)
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to flush archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}

	result.Path = path
	return result, nil
}

// DefaultPath names a timestamped archive in dir.
func DefaultPath(dir string, now time.Time) string {
	return filepath.Join(dir, "ledger-backup-"+now.UTC().Format("20060102-150405")+".jsonl")
}

// ImportOptions contains configuration for an import.
type ImportOptions struct {
	ChunkSize int
	DryRun    bool // parse and validate only
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Donations int
	Expenses  int
	Lines     int
}

// LineError reports a malformed or invalid archive line.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e *LineError) Unwrap() error { return e.Err }

// Import reads an archive from r and bulk-saves it into dst. Every line is
// parsed and validated before anything is written; one bad line aborts the
// whole import.
func Import(ctx context.Context, dst Sink, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}
	var donations []*record.Donation
	var expenses []*record.Expense

	dec := json.NewDecoder(r)
	for {
		var line Line
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, &LineError{Line: result.Lines + 1, Err: fmt.Errorf("invalid JSON: %w", err)}
		}
		result.Lines++

		switch line.Kind {
		case record.KindDonation:
			var d record.Donation
			if err := decodeRecord(line.Record, &d); err != nil {
				return nil, &LineError{Line: result.Lines, Err: err}
			}
			if err := d.Validate(); err != nil {
				return nil, &LineError{Line: result.Lines, Err: err}
			}
			donations = append(donations, &d)
		case record.KindExpense:
			var e record.Expense
			if err := decodeRecord(line.Record, &e); err != nil {
				return nil, &LineError{Line: result.Lines, Err: err}
			}
			if err := e.Validate(); err != nil {
				return nil, &LineError{Line: result.Lines, Err: err}
			}
			expenses = append(expenses, &e)
		default:
			return nil, &LineError{Line: result.Lines, Err: fmt.Errorf("unknown kind %q", line.Kind)}
		}
	}

	result.Donations = len(donations)
	result.Expenses = len(expenses)
	if opts.DryRun {
		return result, nil
	}

	if err := dst.BulkSaveDonations(ctx, donations, opts.ChunkSize); err != nil {
		return nil, fmt.Errorf("failed to restore donations: %w", err)
	}
	if err := dst.BulkSaveExpenses(ctx, expenses, opts.ChunkSize); err != nil {
		return nil, fmt.Errorf("failed to restore expenses: %w", err)
	}
	return result, nil
}

func decodeRecord(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.New("missing record")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	return nil
}

// ImportFile is Import reading from path.
func ImportFile(ctx context.Context, dst Sink, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - operator-supplied path
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()
	return Import(ctx, dst, bufio.NewReader(f), opts)
}
