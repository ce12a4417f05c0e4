package rules

import (
	"sync"
	"testing"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rule(id, src, dst string) *types.ReplicationRule {
	return &types.ReplicationRule{ID: id, SourceBucket: src, DestinationBucket: dst, SLAWindow: time.Hour, Enabled: true, Revision: 1}
}

func TestUpsertPublishesNewSnapshot(t *testing.T) {
	table := NewTable()
	before := table.Snapshot()

	v := table.Upsert(rule("r1", "A", "B"))
	assert.Equal(t, uint64(1), v)

	// old snapshot is untouched
	assert.Equal(t, 0, before.Len())
	_, ok := before.ForSource("A")
	assert.False(t, ok)

	snap := table.Snapshot()
	got, ok := snap.ForSource("A")
	require.True(t, ok)
	assert.Equal(t, "B", got.DestinationBucket)
	assert.Equal(t, uint64(1), snap.Version())
}

func TestUpsertCopiesRule(t *testing.T) {
	table := NewTable()
	r := rule("r1", "A", "B")
	table.Upsert(r)

	r.SLAWindow = time.Minute
	got, _ := table.Snapshot().Get("r1")
	assert.Equal(t, time.Hour, got.SLAWindow)
}

func TestRemoveAndReplace(t *testing.T) {
	table := NewTable()
	table.Upsert(rule("r1", "A", "B"))
	table.Upsert(rule("r2", "C", "D"))

	v := table.Remove("r1")
	assert.Equal(t, uint64(3), v)
	assert.Equal(t, uint64(3), table.Remove("missing"))

	_, ok := table.Snapshot().ForSource("A")
	assert.False(t, ok)

	table.Replace([]*types.ReplicationRule{rule("r9", "X", "Y")})
	snap := table.Snapshot()
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, uint64(4), snap.Version())
	assert.Len(t, snap.List(), 1)
}

func TestVersionMonotonicUnderConcurrency(t *testing.T) {
	table := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			table.Upsert(rule("r1", "A", "B"))
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(50), table.Version())
}
