/*
Package types defines the data model shared by every crrmon component.

The model is deliberately small. A ReplicationRecord tracks one object version
written to a monitored source bucket, from the moment the object is created
until replication is confirmed, reported failed, or the rule's SLA window
expires:

	                  object-replicated
	           ┌──────────────────────────▶ REPLICATED
	           │
	 PENDING ──┼──────────────────────────▶ FAILED      (alarm: failed)
	           │  replication-failed
	           │
	           └──────────────────────────▶ TIMED_OUT   (alarm: timeout)
	              now > deadline (sweeper)

REPLICATED, FAILED and TIMED_OUT are terminal. A record's Deadline is fixed at
creation from the rule that was active at that moment; later rule changes do
not move it.

# Keys

Records are addressed by RecordKey, the (source bucket, object key, version id)
triple. The canonical string form is "bucket/key@version"; unversioned objects
use the version "null", matching the object store's own convention.

# Rules

A ReplicationRule describes one monitored bucket pair and its SLA window. Rules
are written only by the registration agent and carry a Revision that increases
on every update, so a record can always be traced back to the exact rule
settings that produced its deadline.

# Alarms

An AlarmEvent is produced once per transition into FAILED or TIMED_OUT. Its
IdempotencyKey is derived from the record key and the terminal status, which
is what the dispatcher deduplicates on. OutboundAlarm is the trimmed payload
handed to notification channels.

# Statistics

StatBucket is a per-pair rollup: objects, bytes and elapsed seconds per
source:destination pair per statistics window (five minutes by default), with the pseudo destination FAILED counting failures per
source bucket.

All structs carry both JSON tags (API, archives, notifications) and integer
CBOR keys (on-disk encoding in pkg/storage).
*/
package types
