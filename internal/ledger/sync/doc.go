// Package sync moves ledger records between the device store and the server.
//
// # Overview
//
// Records are written locally first with status pending. The orchestrator
// later uploads them in signed batches and flips each accepted record to
// synced. At login it also pulls the operator's records for the current year
// and stores them as synced.
//
// # Architecture
//
//	db.Store ──PendingDonations/PendingExpenses──▶ Orchestrator
//	                                                   │ batches of 100, oldest first
//	                                                   │ HMAC-SHA256 signed
//	                                                   ▼
//	                                     POST /{kind}/bulk-save
//	                                                   │ 2xx
//	                                                   ▼
//	db.Store ◀──MarkSynced(unchanged)─────────── Orchestrator
//
// # Usage
//
//	orch, err := sync.New(sync.Options{
//	    Store:       store,
//	    Remote:      client,
//	    Credentials: sync.NewKeyringCredentials(""),
//	})
//	if err != nil {
//	    return err
//	}
//	report, err := orch.ManualSync(ctx)
//
// # Error Handling
//
// A push cycle never stops at the first failed batch. Every batch is tried,
// rejected batches stay pending, and the cycle returns one *BatchError listing
// them. The notifier hears about the cycle exactly once.
//
// A failed historical pull is returned as *PullError from SyncHistorical and
// only logged by Login.
//
// # Concurrency
//
// At most one push cycle runs at a time. A trigger that arrives while a cycle
// is running gets ErrSyncInProgress and is dropped. Pulls and ordinary saves
// may run alongside a push; the store's pool bounds them.
package sync
