/*
Package reconciler applies replication signals and deadline checks to
replication records.

The state machine lives in Apply and Timeout, which are pure functions of
(current record, signal, rule, now). Reconciler wraps them in an optimistic
read-modify-write against the store:

	┌──────────┐   GetRecord    ┌──────────────┐  PutIfVersion   ┌────────┐
	│  Signal  │ ─────────────▶ │ Apply / Time │ ──────────────▶ │ Store  │
	└──────────┘                └──────────────┘   (expected v)  └───┬────┘
	                                   ▲                             │
	                                   └──── version conflict ◀──────┘

A version conflict means another writer got there first; the record is
re-read and the transition recomputed, up to MaxConflictRetries times. Any
other store error is retried with exponential backoff up to MaxAttempts.
When retries are exhausted the signal is written to the dead-letter store
and Apply returns an error wrapping ErrDeadLettered. ReplayDeadLetters
re-applies them later.

# Transitions

	created     + no record  → PENDING, deadline = event time + rule SLA
	created     + any record → no-op
	replicated  + PENDING    → REPLICATED
	failed      + PENDING    → FAILED, alarm "failed"
	now > deadline + PENDING → TIMED_OUT, alarm "timeout"   (Timeout)
	anything    + terminal   → no-op

A replicated or failed signal that arrives before its created signal
creates the record directly in the terminal state.

# Alarms

A terminal record and its AlarmEvent are committed in the same store
transaction (the alarm outbox). Only after the commit is the alarm handed
to the AlarmSink, whose Enqueue must not block. If the process dies in
between, the dispatcher finds the alarm in the outbox on its next
redelivery pass.
*/
package reconciler
