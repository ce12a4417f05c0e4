package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRecords      = []byte("records")
	bucketPendingIndex = []byte("pending_by_deadline")
	bucketTerminalIdx  = []byte("terminal_by_time")
	bucketRules        = []byte("rules")
	bucketDeadLetters  = []byte("dead_letters")
	bucketAlarmOutbox  = []byte("alarm_outbox")
	bucketAlarmSent    = []byte("alarm_sent")
	bucketStats        = []byte("stats")
	bucketMeta         = []byte("meta")
)

// DBFileName is the name of the database file inside the data directory
const DBFileName = "crrmon.db"

// scanPageSize bounds how many records are held in memory per read
// transaction during ScanRecords
const scanPageSize = 256

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketRecords,
			bucketPendingIndex,
			bucketTerminalIdx,
			bucketRules,
			bucketDeadLetters,
			bucketAlarmOutbox,
			bucketAlarmSent,
			bucketStats,
			bucketMeta,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// recordID is the primary key of a record: bucket, key and version
// separated by NUL bytes
func recordID(key types.RecordKey) []byte {
	key = key.Normalized()
	id := make([]byte, 0, len(key.SourceBucket)+len(key.ObjectKey)+len(key.VersionID)+2)
	id = append(id, key.SourceBucket...)
	id = append(id, 0)
	id = append(id, key.ObjectKey...)
	id = append(id, 0)
	id = append(id, key.VersionID...)
	return id
}

// indexKey orders entries by time, then by record id
func indexKey(t time.Time, id []byte) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, timeBits(t))
	return append(k, id...)
}

func timeBits(t time.Time) uint64 {
	if t.Before(time.Unix(0, 0)) {
		return 0
	}
	return uint64(t.UnixNano())
}

func countKey(status types.RecordStatus) []byte {
	return []byte("count/" + string(status))
}

func alarmDigest(idempotencyKey string) []byte {
	sum := blake3.Sum256([]byte(idempotencyKey))
	return sum[:]
}

// Record operations

func (s *BoltStore) GetRecord(key types.RecordKey) (*types.ReplicationRecord, error) {
	var record types.ReplicationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get(recordID(key))
		if data == nil {
			return fmt.Errorf("record %s: %w", key, ErrNotFound)
		}
		return decode(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// PutIfVersion writes record if the stored version equals expectedVersion
// (0 for a record that must not exist yet). On success record.Version is
// set to the new version. A non-nil alarm is added to the outbox in the
// same transaction unless an alarm with the same idempotency key is
// already pending or sent.
func (s *BoltStore) PutIfVersion(record *types.ReplicationRecord, expectedVersion uint64, alarm *types.AlarmEvent) error {
	id := recordID(record.Key)
	next := record.Clone()
	next.Key = record.Key.Normalized()
	next.Version = expectedVersion + 1

	err := s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)

		var current *types.ReplicationRecord
		var currentVersion uint64
		if data := records.Get(id); data != nil {
			current = &types.ReplicationRecord{}
			if err := decode(data, current); err != nil {
				return fmt.Errorf("failed to decode record %s: %w", record.Key, err)
			}
			currentVersion = current.Version
		}
		if currentVersion != expectedVersion {
			return &ConflictError{Key: record.Key, ExpectedVersion: expectedVersion, CurrentVersion: currentVersion}
		}

		if current != nil {
			if err := removeIndexes(tx, id, current); err != nil {
				return err
			}
		}

		data, err := encode(next)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", record.Key, err)
		}
		if err := records.Put(id, data); err != nil {
			return err
		}
		if err := addIndexes(tx, id, next); err != nil {
			return err
		}

		if alarm != nil {
			return enqueueAlarm(tx, alarm, next)
		}
		return nil
	})
	if err != nil {
		return err
	}

	record.Key = next.Key
	record.Version = next.Version
	return nil
}

func addIndexes(tx *bolt.Tx, id []byte, r *types.ReplicationRecord) error {
	switch {
	case r.Status == types.StatusPending:
		if err := tx.Bucket(bucketPendingIndex).Put(indexKey(r.Deadline, id), nil); err != nil {
			return err
		}
	case r.Status.IsTerminal():
		if err := tx.Bucket(bucketTerminalIdx).Put(indexKey(r.TerminalAt, id), nil); err != nil {
			return err
		}
	}
	return adjustCount(tx, r.Status, 1)
}

func removeIndexes(tx *bolt.Tx, id []byte, r *types.ReplicationRecord) error {
	switch {
	case r.Status == types.StatusPending:
		if err := tx.Bucket(bucketPendingIndex).Delete(indexKey(r.Deadline, id)); err != nil {
			return err
		}
	case r.Status.IsTerminal():
		if err := tx.Bucket(bucketTerminalIdx).Delete(indexKey(r.TerminalAt, id)); err != nil {
			return err
		}
	}
	return adjustCount(tx, r.Status, -1)
}

func adjustCount(tx *bolt.Tx, status types.RecordStatus, delta int64) error {
	meta := tx.Bucket(bucketMeta)
	key := countKey(status)

	var n int64
	if v := meta.Get(key); len(v) == 8 {
		n = int64(binary.BigEndian.Uint64(v))
	}
	n += delta
	if n < 0 {
		n = 0
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return meta.Put(key, buf)
}

func enqueueAlarm(tx *bolt.Tx, alarm *types.AlarmEvent, record *types.ReplicationRecord) error {
	if tx.Bucket(bucketAlarmSent).Get(alarmDigest(alarm.IdempotencyKey)) != nil {
		return nil
	}
	outbox := tx.Bucket(bucketAlarmOutbox)
	if outbox.Get([]byte(alarm.IdempotencyKey)) != nil {
		return nil
	}

	alarm.Record = *record
	data, err := encode(alarm)
	if err != nil {
		return fmt.Errorf("failed to encode alarm %s: %w", alarm.IdempotencyKey, err)
	}
	return outbox.Put([]byte(alarm.IdempotencyKey), data)
}

// DeleteRecord removes a terminal record whose TerminalAt is before
// retentionCutoff. The stored version must equal expectedVersion.
func (s *BoltStore) DeleteRecord(key types.RecordKey, expectedVersion uint64, retentionCutoff time.Time) error {
	id := recordID(key)
	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		data := records.Get(id)
		if data == nil {
			return fmt.Errorf("record %s: %w", key, ErrNotFound)
		}

		var current types.ReplicationRecord
		if err := decode(data, &current); err != nil {
			return fmt.Errorf("failed to decode record %s: %w", key, err)
		}
		if current.Version != expectedVersion {
			return &ConflictError{Key: key, ExpectedVersion: expectedVersion, CurrentVersion: current.Version}
		}
		if !current.Status.IsTerminal() {
			return fmt.Errorf("record %s is %s: %w", key, current.Status, ErrNotTerminal)
		}
		if !current.TerminalAt.Before(retentionCutoff) {
			return fmt.Errorf("record %s terminal at %s: %w", key, current.TerminalAt.Format(time.RFC3339), ErrRetention)
		}

		if err := removeIndexes(tx, id, &current); err != nil {
			return err
		}
		return records.Delete(id)
	})
}

// ScanRecords visits records matching filter, holding at most one page of
// records in memory and no open transaction while fn runs, so fn may write
// to the store. It returns a cursor when Limit stopped the scan early.
func (s *BoltStore) ScanRecords(filter RecordFilter, fn func(*types.ReplicationRecord) error) (string, error) {
	bucket := bucketRecords
	var upper []byte
	switch {
	case !filter.DeadlineBefore.IsZero():
		bucket = bucketPendingIndex
		upper = indexKey(filter.DeadlineBefore, nil)
	case !filter.TerminalBefore.IsZero():
		bucket = bucketTerminalIdx
		upper = indexKey(filter.TerminalBefore, nil)
	case filter.Status == types.StatusPending:
		bucket = bucketPendingIndex
	}
	indexed := !bytes.Equal(bucket, bucketRecords)

	var after []byte
	if filter.After != "" {
		var err error
		if after, err = hex.DecodeString(filter.After); err != nil {
			return "", fmt.Errorf("invalid scan cursor: %w", err)
		}
	}

	visited := 0
	for {
		var page []*types.ReplicationRecord
		var pageKeys [][]byte
		done := true

		err := s.db.View(func(tx *bolt.Tx) error {
			records := tx.Bucket(bucketRecords)
			c := tx.Bucket(bucket).Cursor()

			var k, v []byte
			if after == nil {
				k, v = c.First()
			} else {
				k, v = c.Seek(after)
				if k != nil && bytes.Equal(k, after) {
					k, v = c.Next()
				}
			}

			for ; k != nil; k, v = c.Next() {
				if upper != nil && bytes.Compare(k, upper) >= 0 {
					return nil
				}
				if len(page) == scanPageSize {
					done = false
					return nil
				}

				after = append([]byte(nil), k...)

				data := v
				if indexed {
					data = records.Get(k[8:])
					if data == nil {
						continue
					}
				}
				var record types.ReplicationRecord
				if err := decode(data, &record); err != nil {
					return fmt.Errorf("failed to decode record: %w", err)
				}
				if !filter.matches(&record) {
					continue
				}
				page = append(page, &record)
				pageKeys = append(pageKeys, after)
			}
			return nil
		})
		if err != nil {
			return "", err
		}

		for i, record := range page {
			if filter.Limit > 0 && visited == filter.Limit {
				return hex.EncodeToString(pageKeys[i-1]), nil
			}
			if err := fn(record); err != nil {
				if errors.Is(err, ErrStopScan) {
					return "", nil
				}
				return "", err
			}
			visited++
		}
		if filter.Limit > 0 && visited == filter.Limit && !done {
			return hex.EncodeToString(pageKeys[len(pageKeys)-1]), nil
		}
		if done {
			return "", nil
		}
	}
}

func (f RecordFilter) matches(r *types.ReplicationRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.SourceBucket != "" && r.Key.SourceBucket != f.SourceBucket {
		return false
	}
	if !f.DeadlineBefore.IsZero() && (r.Status != types.StatusPending || !r.Deadline.Before(f.DeadlineBefore)) {
		return false
	}
	if !f.TerminalBefore.IsZero() && (!r.Status.IsTerminal() || !r.TerminalAt.Before(f.TerminalBefore)) {
		return false
	}
	return true
}

// CountRecords returns the number of records per status
func (s *BoltStore) CountRecords() (map[types.RecordStatus]int, error) {
	counts := make(map[types.RecordStatus]int, 4)
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		for _, status := range []types.RecordStatus{
			types.StatusPending, types.StatusReplicated, types.StatusFailed, types.StatusTimedOut,
		} {
			if v := meta.Get(countKey(status)); len(v) == 8 {
				counts[status] = int(binary.BigEndian.Uint64(v))
			} else {
				counts[status] = 0
			}
		}
		return nil
	})
	return counts, err
}

// RebuildIndexes recreates both secondary indexes and the status counters
// from the records bucket. It returns the number of records indexed.
func (s *BoltStore) RebuildIndexes() (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPendingIndex, bucketTerminalIdx} {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to drop index %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to create index %s: %w", name, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		for _, status := range []types.RecordStatus{
			types.StatusPending, types.StatusReplicated, types.StatusFailed, types.StatusTimedOut,
		} {
			if err := meta.Delete(countKey(status)); err != nil {
				return err
			}
		}

		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var record types.ReplicationRecord
			if err := decode(v, &record); err != nil {
				return fmt.Errorf("failed to decode record: %w", err)
			}
			n++
			return addIndexes(tx, k, &record)
		})
	})
	return n, err
}

// Rule operations

func (s *BoltStore) PutRule(rule *types.ReplicationRule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := encode(rule)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRules).Put([]byte(rule.ID), data)
	})
}

func (s *BoltStore) GetRule(id string) (*types.ReplicationRule, error) {
	var rule types.ReplicationRule
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRules).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return decode(data, &rule)
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *BoltStore) ListRules() ([]*types.ReplicationRule, error) {
	var rules []*types.ReplicationRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).ForEach(func(k, v []byte) error {
			var rule types.ReplicationRule
			if err := decode(v, &rule); err != nil {
				return err
			}
			rules = append(rules, &rule)
			return nil
		})
	})
	return rules, err
}

func (s *BoltStore) DeleteRule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).Delete([]byte(id))
	})
}

// Dead letter operations

func (s *BoltStore) PutDeadLetter(dl *types.DeadLetter) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := encode(dl)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDeadLetters).Put([]byte(dl.ID), data)
	})
}

func (s *BoltStore) ListDeadLetters() ([]*types.DeadLetter, error) {
	var dls []*types.DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetters).ForEach(func(k, v []byte) error {
			var dl types.DeadLetter
			if err := decode(v, &dl); err != nil {
				return err
			}
			dls = append(dls, &dl)
			return nil
		})
	})
	return dls, err
}

func (s *BoltStore) DeleteDeadLetter(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetters).Delete([]byte(id))
	})
}

// Alarm operations

func (s *BoltStore) ListPendingAlarms() ([]*types.AlarmEvent, error) {
	var alarms []*types.AlarmEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlarmOutbox).ForEach(func(k, v []byte) error {
			var alarm types.AlarmEvent
			if err := decode(v, &alarm); err != nil {
				return err
			}
			alarms = append(alarms, &alarm)
			return nil
		})
	})
	return alarms, err
}

func (s *BoltStore) GetPendingAlarm(idempotencyKey string) (*types.AlarmEvent, error) {
	var alarm types.AlarmEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAlarmOutbox).Get([]byte(idempotencyKey))
		if data == nil {
			return fmt.Errorf("pending alarm %s: %w", idempotencyKey, ErrNotFound)
		}
		return decode(data, &alarm)
	})
	if err != nil {
		return nil, err
	}
	return &alarm, nil
}

// UpdatePendingAlarm rewrites the delivery bookkeeping of an alarm that is
// still in the outbox
func (s *BoltStore) UpdatePendingAlarm(alarm *types.AlarmEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		outbox := tx.Bucket(bucketAlarmOutbox)
		if outbox.Get([]byte(alarm.IdempotencyKey)) == nil {
			return fmt.Errorf("pending alarm %s: %w", alarm.IdempotencyKey, ErrNotFound)
		}
		data, err := encode(alarm)
		if err != nil {
			return err
		}
		return outbox.Put([]byte(alarm.IdempotencyKey), data)
	})
}

// MarkAlarmSent moves an alarm from the outbox into the sent index
func (s *BoltStore) MarkAlarmSent(idempotencyKey string, sentAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketAlarmOutbox).Delete([]byte(idempotencyKey)); err != nil {
			return err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, timeBits(sentAt))
		return tx.Bucket(bucketAlarmSent).Put(alarmDigest(idempotencyKey), buf)
	})
}

func (s *BoltStore) AlarmSent(idempotencyKey string) (bool, error) {
	var sent bool
	err := s.db.View(func(tx *bolt.Tx) error {
		sent = tx.Bucket(bucketAlarmSent).Get(alarmDigest(idempotencyKey)) != nil
		return nil
	})
	return sent, err
}

// PruneSentAlarms drops sent markers recorded before the given time
func (s *BoltStore) PruneSentAlarms(before time.Time) (int, error) {
	cutoff := timeBits(before)
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		sent := tx.Bucket(bucketAlarmSent)
		var expired [][]byte
		err := sent.ForEach(func(k, v []byte) error {
			if len(v) == 8 && binary.BigEndian.Uint64(v) < cutoff {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := sent.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	return n, err
}

// Statistics operations

// AddStat merges delta into the stored bucket with the same key
func (s *BoltStore) AddStat(delta types.StatBucket) error {
	key := []byte(delta.Key())
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStats)
		merged := delta
		if data := b.Get(key); data != nil {
			var current types.StatBucket
			if err := decode(data, &current); err != nil {
				return err
			}
			merged.Objects += current.Objects
			merged.Bytes += current.Bytes
			merged.ElapsedSeconds += current.ElapsedSeconds
		}
		data, err := encode(&merged)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// ListStats returns buckets whose window started before the given time
func (s *BoltStore) ListStats(before time.Time) ([]*types.StatBucket, error) {
	var stats []*types.StatBucket
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStats).ForEach(func(k, v []byte) error {
			var stat types.StatBucket
			if err := decode(v, &stat); err != nil {
				return err
			}
			if stat.TimeBucket.Before(before) {
				stats = append(stats, &stat)
			}
			return nil
		})
	})
	return stats, err
}

func (s *BoltStore) DeleteStat(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStats).Delete([]byte(key))
	})
}
