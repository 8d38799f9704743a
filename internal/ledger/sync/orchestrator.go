package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
)

const (
	// DefaultBatchSize is the number of records per upload request.
	DefaultBatchSize = 100

	// DefaultPullChunkSize paces the bulk write of pulled records.
	DefaultPullChunkSize = 50
)

// LedgerStore is the part of db.Store the orchestrator uses.
type LedgerStore interface {
	PendingDonations(ctx context.Context) ([]*record.Donation, error)
	PendingExpenses(ctx context.Context) ([]*record.Expense, error)
	MarkSynced(ctx context.Context, kind record.Kind, id string, seen time.Time) error
	CountPending(ctx context.Context, kind record.Kind) (int, error)

	BulkSaveDonations(ctx context.Context, records []*record.Donation, chunkSize int) error
	BulkSaveExpenses(ctx context.Context, records []*record.Expense, chunkSize int) error
	GetDonation(ctx context.Context, id string) (*record.Donation, bool, error)
	GetExpense(ctx context.Context, id string) (*record.Expense, bool, error)
	SaveDonation(ctx context.Context, d *record.Donation) error
	SaveExpense(ctx context.Context, e *record.Expense) error
}

// Options wires an Orchestrator. Store, Remote and Credentials are required.
type Options struct {
	Store        LedgerStore
	Remote       Remote
	Credentials  CredentialStore
	Connectivity Connectivity // nil means always online
	Clock        Clock        // nil means wall clock
	Notifier     Notifier     // nil means log only
	Logger       *zap.Logger

	BatchSize     int
	PullChunkSize int
}

// Orchestrator runs push and pull cycles.
type Orchestrator struct {
	store    LedgerStore
	remote   Remote
	creds    CredentialStore
	online   Connectivity
	clock    Clock
	notifier Notifier
	logger   *zap.Logger

	batchSize     int
	pullChunkSize int

	syncing  atomic.Bool
	lastPush atomic.Pointer[Report]
}

// New returns an orchestrator for opts.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("sync: store is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("sync: remote is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("sync: credential store is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sync")

	o := &Orchestrator{
		store:         opts.Store,
		remote:        opts.Remote,
		creds:         opts.Credentials,
		online:        opts.Connectivity,
		clock:         opts.Clock,
		notifier:      opts.Notifier,
		logger:        logger,
		batchSize:     opts.BatchSize,
		pullChunkSize: opts.PullChunkSize,
	}
	if o.online == nil {
		o.online = AlwaysOnline
	}
	if o.clock == nil {
		o.clock = SystemClock
	}
	if o.notifier == nil {
		o.notifier = LogNotifier{Logger: logger}
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	if o.pullChunkSize <= 0 {
		o.pullChunkSize = DefaultPullChunkSize
	}
	return o, nil
}

// KindReport is the push outcome for one kind.
type KindReport struct {
	Kind    record.Kind `json:"kind" yaml:"kind"`
	Pending int         `json:"pending" yaml:"pending"`
	Batches int         `json:"batches" yaml:"batches"`
	Synced  int         `json:"synced" yaml:"synced"`
	Failed  int         `json:"failed" yaml:"failed"`
	// Unmarked records were accepted by the server but could not be flipped
	// to synced locally, including records saved again mid-upload. They are
	// offered again next cycle.
	Unmarked int `json:"unmarked" yaml:"unmarked"`
}

// Report is the outcome of one push cycle.
type Report struct {
	StartedAt time.Time     `json:"startedAt" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Kinds     []KindReport  `json:"kinds" yaml:"kinds"`
}

// Synced is the number of records flipped to synced.
func (r *Report) Synced() int {
	n := 0
	for _, k := range r.Kinds {
		n += k.Synced
	}
	return n
}

// Failed is the number of records left pending by rejected batches.
func (r *Report) Failed() int {
	n := 0
	for _, k := range r.Kinds {
		n += k.Failed
	}
	return n
}

type credentials struct {
	username string
	key      string
}

func (o *Orchestrator) loadCredentials() (credentials, error) {
	var c credentials
	for _, f := range []struct {
		key string
		dst *string
	}{
		{KeyUsername, &c.username},
		{KeySigningKey, &c.key},
	} {
		v, err := o.creds.Get(f.key)
		if errors.Is(err, ErrCredentialNotFound) || (err == nil && v == "") {
			return c, ErrAuthMissing
		}
		if err != nil {
			return c, fmt.Errorf("failed to read credentials: %w", err)
		}
		*f.dst = v
	}
	return c, nil
}

// Syncing reports whether a push cycle is running.
func (o *Orchestrator) Syncing() bool { return o.syncing.Load() }

// LastReport returns the report of the most recent push cycle, or nil.
func (o *Orchestrator) LastReport() *Report { return o.lastPush.Load() }

// ManualSync runs one push cycle: every pending record of every kind is
// uploaded in batches, oldest first. A rejected batch stays pending and the
// cycle moves on; the returned *BatchError lists every rejected batch.
func (o *Orchestrator) ManualSync(ctx context.Context) (*Report, error) {
	if !o.syncing.CompareAndSwap(false, true) {
		o.logger.Debug("sync trigger dropped, cycle in flight")
		return nil, ErrSyncInProgress
	}
	defer o.syncing.Store(false)

	creds, err := o.loadCredentials()
	if err != nil {
		msg := "could not read credentials"
		if errors.Is(err, ErrAuthMissing) {
			msg = "account not activated, log in to sync"
		}
		o.notifier.Notify(Notice{Event: EventSyncFailed, Message: msg, Err: err})
		return nil, err
	}

	if !o.online.Online(ctx) {
		o.logger.Info("device offline, sync skipped")
		return nil, ErrOffline
	}

	report := &Report{StartedAt: o.clock.Now()}
	signer := NewSigner(creds.key)

	var failures []BatchFailure
	var storeErr error
	for _, kind := range record.Kinds {
		items, err := o.pendingItems(ctx, kind)
		if err != nil {
			o.logger.Error("failed to read pending records", zap.String("kind", string(kind)), zap.Error(err))
			storeErr = errors.Join(storeErr, fmt.Errorf("failed to read pending %s: %w", kind, err))
			report.Kinds = append(report.Kinds, KindReport{Kind: kind})
			continue
		}

		kr, failed := o.pushKind(ctx, kind, items, signer, creds.username)
		report.Kinds = append(report.Kinds, kr)
		failures = append(failures, failed...)
	}
	report.Duration = o.clock.Now().Sub(report.StartedAt)
	o.lastPush.Store(report)

	var cycleErr error
	if len(failures) > 0 {
		cycleErr = &BatchError{Failures: failures}
	}
	if storeErr != nil {
		cycleErr = errors.Join(cycleErr, storeErr)
	}

	if cycleErr != nil {
		o.notifier.Notify(Notice{
			Event:   EventSyncFailed,
			Message: fmt.Sprintf("some records did not sync (%d still pending), try again later", report.Failed()),
			Push:    report,
			Err:     cycleErr,
		})
		return report, cycleErr
	}

	o.notifier.Notify(Notice{
		Event:   EventSyncComplete,
		Message: fmt.Sprintf("synced %d records", report.Synced()),
		Push:    report,
	})
	return report, nil
}

// pendingItem is one record ready for upload. updatedAt identifies the
// stored version the payload was built from.
type pendingItem struct {
	id        string
	updatedAt time.Time
	payload   any
}

func (o *Orchestrator) pendingItems(ctx context.Context, kind record.Kind) ([]pendingItem, error) {
	var items []pendingItem
	switch kind {
	case record.KindDonation:
		recs, err := o.store.PendingDonations(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range recs {
			items = append(items, pendingItem{id: d.ID, updatedAt: d.UpdatedAt, payload: donationToPayload(d)})
		}
	case record.KindExpense:
		recs, err := o.store.PendingExpenses(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range recs {
			items = append(items, pendingItem{id: e.ID, updatedAt: e.UpdatedAt, payload: expenseToPayload(e)})
		}
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	return items, nil
}

func (o *Orchestrator) pushKind(ctx context.Context, kind record.Kind, items []pendingItem, signer *Signer, username string) (KindReport, []BatchFailure) {
	kr := KindReport{Kind: kind, Pending: len(items)}
	if len(items) == 0 {
		return kr, nil
	}

	var failures []BatchFailure
	for index, start := 0, 0; start < len(items); index, start = index+1, start+o.batchSize {
		batch := items[start:min(start+o.batchSize, len(items))]
		kr.Batches++

		if err := o.uploadBatch(ctx, kind, batch, signer, username); err != nil {
			o.logger.Warn("batch upload failed, records stay pending",
				zap.String("kind", string(kind)),
				zap.Int("batch", index),
				zap.Int("size", len(batch)),
				zap.Error(err),
			)
			failures = append(failures, BatchFailure{Kind: kind, Index: index, Size: len(batch), Err: err})
			kr.Failed += len(batch)
			continue
		}

		for _, it := range batch {
			// A record saved again while its batch was in flight keeps its
			// pending status so the newer version goes up next cycle.
			if err := o.store.MarkSynced(ctx, kind, it.id, it.updatedAt); err != nil {
				o.logger.Warn("failed to mark record synced",
					zap.String("kind", string(kind)),
					zap.String("id", it.id),
					zap.Error(err),
				)
				kr.Unmarked++
				continue
			}
			kr.Synced++
		}
		o.logger.Info("batch synced",
			zap.String("kind", string(kind)),
			zap.Int("batch", index),
			zap.Int("size", len(batch)),
		)
	}
	return kr, failures
}

func (o *Orchestrator) uploadBatch(ctx context.Context, kind record.Kind, batch []pendingItem, signer *Signer, username string) error {
	payload := make([]any, len(batch))
	for i, it := range batch {
		payload[i] = it.payload
	}
	body, err := signer.BulkBody(string(kind), payload, wireTimestamp(o.clock.Now()), username)
	if err != nil {
		return err
	}
	return o.remote.BulkSave(ctx, kind, body)
}

// PullKindReport is the pull outcome for one kind.
type PullKindReport struct {
	Kind     record.Kind `json:"kind" yaml:"kind"`
	Received int         `json:"received" yaml:"received"`
	Saved    int         `json:"saved" yaml:"saved"`
	Skipped  int         `json:"skipped" yaml:"skipped"`
	// Fallback is set when the bulk write failed and records were saved one
	// at a time.
	Fallback bool `json:"fallback" yaml:"fallback"`
}

// PullReport is the outcome of a historical pull.
type PullReport struct {
	Cutoff    string           `json:"cutoff" yaml:"cutoff"`
	StartedAt time.Time        `json:"startedAt" yaml:"started_at"`
	Duration  time.Duration    `json:"duration" yaml:"duration"`
	Kinds     []PullKindReport `json:"kinds" yaml:"kinds"`
}

// Saved is the number of records written locally.
func (r *PullReport) Saved() int {
	n := 0
	for _, k := range r.Kinds {
		n += k.Saved
	}
	return n
}

// Cutoff returns January 1st of now's year as YYYY-MM-DD.
func Cutoff(now time.Time) string {
	return time.Date(now.UTC().Year(), time.January, 1, 0, 0, 0, 0, time.UTC).Format(wireDateLayout)
}

// SyncHistorical pulls the operator's records dated this year and stores
// them as synced, replacing local rows with the same id. Kinds are fetched
// concurrently; a failed kind does not stop the other.
func (o *Orchestrator) SyncHistorical(ctx context.Context) (*PullReport, error) {
	creds, err := o.loadCredentials()
	if err != nil {
		o.notifier.Notify(Notice{Event: EventPullFailed, Message: "account not activated, nothing pulled", Err: err})
		return nil, err
	}

	started := o.clock.Now()
	cutoff := Cutoff(started)
	report := &PullReport{Cutoff: cutoff, StartedAt: started, Kinds: make([]PullKindReport, len(record.Kinds))}
	errs := make([]error, len(record.Kinds))
	signer := NewSigner(creds.key)

	var g errgroup.Group
	for i, kind := range record.Kinds {
		g.Go(func() error {
			report.Kinds[i], errs[i] = o.pullKind(ctx, kind, signer, creds.username, cutoff)
			return errs[i]
		})
	}
	waitErr := g.Wait()
	report.Duration = o.clock.Now().Sub(started)

	if waitErr != nil {
		perr := &PullError{Causes: make(map[record.Kind]error)}
		for i, kind := range record.Kinds {
			if errs[i] != nil {
				perr.Causes[kind] = errs[i]
			}
		}
		o.notifier.Notify(Notice{Event: EventPullFailed, Message: "historical pull incomplete", Pull: report, Err: perr})
		return report, perr
	}

	o.notifier.Notify(Notice{
		Event:   EventPullComplete,
		Message: fmt.Sprintf("pulled %d records dated from %s", report.Saved(), cutoff),
		Pull:    report,
	})
	return report, nil
}

func (o *Orchestrator) pullKind(ctx context.Context, kind record.Kind, signer *Signer, username, cutoff string) (PullKindReport, error) {
	kr := PullKindReport{Kind: kind}
	ts := wireTimestamp(o.clock.Now())

	raw, err := o.remote.Fetch(ctx, kind, PullQuery{
		Username:  username,
		AfterDate: cutoff,
		Timestamp: ts,
		Signature: signer.SignQuery(username, cutoff, ts),
	})
	if err != nil {
		return kr, err
	}

	switch kind {
	case record.KindDonation:
		recs, err := decodeDonations(raw)
		if err != nil {
			return kr, err
		}
		kr.Received = len(recs)
		err = o.storePulledDonations(ctx, recs, &kr)
		return kr, err
	case record.KindExpense:
		recs, err := decodeExpenses(raw)
		if err != nil {
			return kr, err
		}
		kr.Received = len(recs)
		err = o.storePulledExpenses(ctx, recs, &kr)
		return kr, err
	}
	return kr, fmt.Errorf("unknown kind %q", kind)
}

// storePulledDonations writes recs in one bulk transaction, falling back to
// per-record saves when that fails. The fallback skips records already
// stored as synced with the same content.
func (o *Orchestrator) storePulledDonations(ctx context.Context, recs []*record.Donation, kr *PullKindReport) error {
	if len(recs) == 0 {
		return nil
	}
	bulkErr := o.store.BulkSaveDonations(ctx, recs, o.pullChunkSize)
	if bulkErr == nil {
		kr.Saved = len(recs)
		return nil
	}

	o.logger.Warn("bulk save of pulled donations failed, saving one by one", zap.Error(bulkErr))
	kr.Fallback = true

	var failed []error
	for _, d := range recs {
		existing, found, err := o.store.GetDonation(ctx, d.ID)
		if err == nil && found && existing.SyncStatus == record.StatusSynced &&
			samePayload(donationToPayload(existing), donationToPayload(d)) {
			kr.Skipped++
			continue
		}
		if err := o.store.SaveDonation(ctx, d); err != nil {
			failed = append(failed, err)
			continue
		}
		kr.Saved++
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d donations not saved: %w", len(failed), len(recs), errors.Join(failed...))
	}
	return nil
}

func (o *Orchestrator) storePulledExpenses(ctx context.Context, recs []*record.Expense, kr *PullKindReport) error {
	if len(recs) == 0 {
		return nil
	}
	bulkErr := o.store.BulkSaveExpenses(ctx, recs, o.pullChunkSize)
	if bulkErr == nil {
		kr.Saved = len(recs)
		return nil
	}

	o.logger.Warn("bulk save of pulled expenses failed, saving one by one", zap.Error(bulkErr))
	kr.Fallback = true

	var failed []error
	for _, e := range recs {
		existing, found, err := o.store.GetExpense(ctx, e.ID)
		if err == nil && found && existing.SyncStatus == record.StatusSynced &&
			samePayload(expenseToPayload(existing), expenseToPayload(e)) {
			kr.Skipped++
			continue
		}
		if err := o.store.SaveExpense(ctx, e); err != nil {
			failed = append(failed, err)
			continue
		}
		kr.Saved++
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d expenses not saved: %w", len(failed), len(recs), errors.Join(failed...))
	}
	return nil
}

// LoginResult is the outcome of Login. PullErr is informational: the login
// itself succeeded.
type LoginResult struct {
	Username string
	Pull     *PullReport
	PullErr  error
}

// Login exchanges the operator's password for a signing key, stores both the
// username and the key in the credential store, then pulls this year's
// records. A failed pull is logged and reported in the result only.
func (o *Orchestrator) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	resp, err := o.remote.Login(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	if err := o.creds.Set(KeyUsername, resp.Username); err != nil {
		return nil, fmt.Errorf("failed to store username: %w", err)
	}
	if err := o.creds.Set(KeySigningKey, resp.SigningKey); err != nil {
		return nil, fmt.Errorf("failed to store signing key: %w", err)
	}
	o.logger.Info("operator logged in", zap.String("username", resp.Username))

	result := &LoginResult{Username: resp.Username}
	result.Pull, result.PullErr = o.SyncHistorical(ctx)
	if result.PullErr != nil {
		o.logger.Warn("historical pull failed, continuing with local data", zap.Error(result.PullErr))
	}
	return result, nil
}

// Logout removes the stored credentials. Local records are kept.
func (o *Orchestrator) Logout() error {
	return errors.Join(o.creds.Delete(KeySigningKey), o.creds.Delete(KeyUsername))
}

// Status is a snapshot for status displays.
type Status struct {
	Activated        bool    `json:"activated" yaml:"activated"`
	Username         string  `json:"username,omitempty" yaml:"username,omitempty"`
	Online           bool    `json:"online" yaml:"online"`
	Syncing          bool    `json:"syncing" yaml:"syncing"`
	PendingDonations int     `json:"pendingDonations" yaml:"pending_donations"`
	PendingExpenses  int     `json:"pendingExpenses" yaml:"pending_expenses"`
	LastSync         *Report `json:"lastSync,omitempty" yaml:"last_sync,omitempty"`
}

// Pending is the total number of records waiting for upload.
func (s *Status) Pending() int { return s.PendingDonations + s.PendingExpenses }

// Status reports activation, connectivity and pending counts.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	st := &Status{Syncing: o.Syncing(), LastSync: o.LastReport()}

	creds, err := o.loadCredentials()
	switch {
	case err == nil:
		st.Activated = true
		st.Username = creds.username
	case !errors.Is(err, ErrAuthMissing):
		return nil, err
	}

	if st.PendingDonations, err = o.store.CountPending(ctx, record.KindDonation); err != nil {
		return nil, err
	}
	if st.PendingExpenses, err = o.store.CountPending(ctx, record.KindExpense); err != nil {
		return nil, err
	}
	st.Online = o.online.Online(ctx)
	return st, nil
}
