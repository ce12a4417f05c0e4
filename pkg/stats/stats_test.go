package stats

import (
	"testing"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/metrics"
	"github.com/aws-solutions/aws-crr-monitor/pkg/storage"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newAggregator(t *testing.T) (*Aggregator, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewAggregator(store, 5*time.Minute, zerolog.Nop()), store
}

func TestWindowRoundsToNearest(t *testing.T) {
	a := NewAggregator(nil, 5*time.Minute, zerolog.Nop())

	assert.Equal(t, base, a.Window(base.Add(2*time.Minute)))
	assert.Equal(t, base.Add(5*time.Minute), a.Window(base.Add(2*time.Minute+30*time.Second)))
	assert.Equal(t, base.Add(5*time.Minute), a.Window(base.Add(4*time.Minute)))
}

func TestRate(t *testing.T) {
	assert.Equal(t, 8000.0, Rate(1000, 0))
	assert.Equal(t, 4000.0, Rate(1000, 1))
}

func TestRecordAndFlush(t *testing.T) {
	a, store := newAggregator(t)
	rec := &types.ReplicationRecord{
		Key:               types.RecordKey{SourceBucket: "flush-src", ObjectKey: "a"},
		DestinationBucket: "flush-dst",
		TerminalAt:        base,
		ObjectSize:        1024,
		ElapsedSeconds:    3,
	}
	require.NoError(t, a.RecordReplicated(rec))
	require.NoError(t, a.RecordReplicated(rec))
	require.NoError(t, a.RecordFailed(rec))

	open, err := store.ListStats(base.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, open, 2)

	// window still open
	n, err := a.Flush(base.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = a.Flush(base.Add(3 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ReplicationObjects.WithLabelValues("flush-src", "flush-dst")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(metrics.ReplicationBytes.WithLabelValues("flush-src", "flush-dst")))
	assert.Equal(t, Rate(2048, 6), testutil.ToFloat64(metrics.ReplicationSpeed.WithLabelValues("flush-src", "flush-dst")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FailedReplications.WithLabelValues("flush-src")))

	// flushing again is a no-op
	n, err = a.Flush(base.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}
