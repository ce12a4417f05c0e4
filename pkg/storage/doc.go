/*
Package storage provides BoltDB-backed persistence for crrmon's replication
state.

BoltStore keeps every entity in its own bucket inside a single file,
<dataDir>/crrmon.db. Values are encoded as Core Deterministic CBOR. Every
write runs in one bbolt read-write transaction and is fsynced on commit, so
a record, its index entries and its alarm either all land on disk or none
of them do.

# Buckets

	┌──────────────────── crrmon.db ──────────────────────────┐
	│ records              bucket\0key\0version → record      │
	│ pending_by_deadline  deadline(8B) ‖ record id → ∅       │
	│ terminal_by_time     terminalAt(8B) ‖ record id → ∅     │
	│ rules                rule id → rule                     │
	│ dead_letters         uuid → dead letter                 │
	│ alarm_outbox         idempotency key → alarm            │
	│ alarm_sent           blake3(idempotency key) → sentAt   │
	│ stats                src:dst:window → stat bucket       │
	│ meta                 count/<status> → uint64            │
	└──────────────────────────────────────────────────────────┘

Index keys start with a big-endian unix-nano timestamp, so a cursor walk
visits PENDING records in deadline order and terminal records in
terminal-time order. The sweeper only ever touches the prefix of an index
that has expired.

# Optimistic Concurrency

Each record carries a Version. PutIfVersion compares the stored version
(zero when absent) with the caller's expected version inside the write
transaction and returns a *ConflictError on mismatch:

	record, err := store.GetRecord(key)
	...
	record.Status = types.StatusReplicated
	err = store.PutIfVersion(record, record.Version, nil)
	if errors.Is(err, storage.ErrVersionConflict) {
		// re-read and re-apply
	}

There is no process-wide lock. Writers to different keys never conflict
logically; bbolt serializes the commits.

# Alarm Outbox

PutIfVersion accepts an optional AlarmEvent that is written to alarm_outbox
in the same transaction as the terminal record. The dispatcher later calls
MarkAlarmSent, which removes the outbox entry and records a digest in
alarm_sent. An alarm whose digest is already present is never enqueued
again.

# Deletion Guard

DeleteRecord refuses PENDING records (ErrNotTerminal) and terminal records
whose TerminalAt is not before the supplied retention cutoff (ErrRetention).

# Scans

ScanRecords never runs its callback inside a transaction. It reads a page
of records, releases the transaction, then calls the callback, which is
free to write back to the store. Limit and the returned cursor support
batched passes.
*/
package storage
