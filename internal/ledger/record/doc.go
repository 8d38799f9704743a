// Package record defines the two ledger record kinds kept by the offline store:
// donations received and expenses paid.
//
// # Sync lifecycle
//
// Every record carries a SyncStatus. Records created on the device start as
// pending, move to synced once the server has accepted the batch containing
// them, and may be parked as failed by an operator. The only legal edges are:
//
//	pending -> synced
//	pending -> failed
//	failed  -> pending   (retry)
//
// A synced record only becomes pending again when it is rewritten as a whole
// (insert-or-replace by id), which is how last-write-wins is expressed.
//
// # Identity
//
// IDs are client-generated UUID strings (see NewID) and never change once
// assigned. The same id space is used on the server, so replaying a batch is
// harmless.
package record
