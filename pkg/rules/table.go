// Package rules holds the in-memory table of replication rules shared by
// the ingestor and the reconciler.
//
// The table is copy-on-write. Readers take a Snapshot, which never changes
// after it is published; the registration agent publishes a new snapshot
// with a higher version for every accepted change.
package rules

import (
	"sync"
	"sync/atomic"

	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
)

// Snapshot is an immutable view of the rule table
type Snapshot struct {
	version  uint64
	byID     map[string]*types.ReplicationRule
	bySource map[string]*types.ReplicationRule
}

// Version returns the table version the snapshot was taken at
func (s *Snapshot) Version() uint64 { return s.version }

// Get returns the rule with the given id
func (s *Snapshot) Get(id string) (*types.ReplicationRule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// ForSource returns the rule monitoring the given source bucket
func (s *Snapshot) ForSource(bucket string) (*types.ReplicationRule, bool) {
	r, ok := s.bySource[bucket]
	return r, ok
}

// Len returns the number of rules
func (s *Snapshot) Len() int { return len(s.byID) }

// List returns the rules in no particular order
func (s *Snapshot) List() []*types.ReplicationRule {
	out := make([]*types.ReplicationRule, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r)
	}
	return out
}

// Table is a versioned, copy-on-write rule table
type Table struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]
}

// NewTable returns an empty table at version 0
func NewTable() *Table {
	t := &Table{}
	t.current.Store(&Snapshot{
		byID:     map[string]*types.ReplicationRule{},
		bySource: map[string]*types.ReplicationRule{},
	})
	return t
}

// Snapshot returns the current view
func (t *Table) Snapshot() *Snapshot {
	return t.current.Load()
}

// Version returns the current table version
func (t *Table) Version() uint64 {
	return t.current.Load().version
}

// Upsert publishes a snapshot containing rule and returns the new version.
// The rule is copied; callers may reuse it.
func (t *Table) Upsert(rule *types.ReplicationRule) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current.Load()
	next := cur.clone()
	if old, ok := next.byID[rule.ID]; ok {
		delete(next.bySource, old.SourceBucket)
	}
	r := *rule
	next.byID[r.ID] = &r
	next.bySource[r.SourceBucket] = &r
	next.version = cur.version + 1
	t.current.Store(next)
	return next.version
}

// Remove publishes a snapshot without the given rule
func (t *Table) Remove(id string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current.Load()
	old, ok := cur.byID[id]
	if !ok {
		return cur.version
	}
	next := cur.clone()
	delete(next.byID, id)
	delete(next.bySource, old.SourceBucket)
	next.version = cur.version + 1
	t.current.Store(next)
	return next.version
}

// Replace publishes a snapshot containing exactly the given rules
func (t *Table) Replace(rules []*types.ReplicationRule) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current.Load()
	next := &Snapshot{
		version:  cur.version + 1,
		byID:     make(map[string]*types.ReplicationRule, len(rules)),
		bySource: make(map[string]*types.ReplicationRule, len(rules)),
	}
	for _, rule := range rules {
		r := *rule
		next.byID[r.ID] = &r
		next.bySource[r.SourceBucket] = &r
	}
	t.current.Store(next)
	return next.version
}

func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		version:  s.version,
		byID:     make(map[string]*types.ReplicationRule, len(s.byID)+1),
		bySource: make(map[string]*types.ReplicationRule, len(s.bySource)+1),
	}
	for k, v := range s.byID {
		c.byID[k] = v
	}
	for k, v := range s.bySource {
		c.bySource[k] = v
	}
	return c
}
