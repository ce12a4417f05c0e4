package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/clock"
	"github.com/aws-solutions/aws-crr-monitor/pkg/eventlog"
	"github.com/aws-solutions/aws-crr-monitor/pkg/reconciler"
	"github.com/aws-solutions/aws-crr-monitor/pkg/storage"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingApplier struct {
	mu      sync.Mutex
	signals []types.Signal
	err     error
}

func (a *recordingApplier) Apply(_ context.Context, sig types.Signal) (reconciler.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signals = append(a.signals, sig)
	return reconciler.Result{}, a.err
}

func (a *recordingApplier) applied() []types.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.Signal(nil), a.signals...)
}

func newTestIngestor(applier Applier, workers int) *Ingestor {
	return NewIngestor(Config{
		Rules:     testTable(),
		Applier:   applier,
		Clock:     clock.Fake(t0.Add(time.Minute)),
		Workers:   workers,
		QueueSize: 16,
	})
}

func at(eventType string, seconds int) types.RawEvent {
	raw := rawEvent(eventType)
	raw.Timestamp = t0.Add(time.Duration(seconds) * time.Second)
	return raw
}

func TestSubmitOrdersQueuedSignalsByTimestamp(t *testing.T) {
	applier := &recordingApplier{}
	ing := newTestIngestor(applier, 1)
	ctx := context.Background()

	require.NoError(t, ing.Submit(ctx, at("REPLICA", 30)))
	require.NoError(t, ing.Submit(ctx, at("PutObject", 0)))
	require.NoError(t, ing.Submit(ctx, at("FAILED", 20)))

	done := make(chan error)
	go func() { done <- ing.Run(ctx) }()
	ing.Close()
	require.NoError(t, <-done)

	got := applier.applied()
	require.Len(t, got, 3)
	assert.Equal(t, types.SignalObjectCreated, got[0].Type)
	assert.Equal(t, types.SignalReplicationFailed, got[1].Type)
	assert.Equal(t, types.SignalObjectReplicated, got[2].Type)
}

func TestSubmitSameKeySameShard(t *testing.T) {
	ing := newTestIngestor(&recordingApplier{}, 8)

	a := types.RecordKey{SourceBucket: "A", ObjectKey: "k", VersionID: ""}
	b := types.RecordKey{SourceBucket: "A", ObjectKey: "k", VersionID: types.NullVersion}
	assert.Equal(t, ing.shardFor(a), ing.shardFor(b))

	for n := 0; n < 100; n++ {
		key := types.RecordKey{SourceBucket: "A", ObjectKey: strings.Repeat("x", n), VersionID: "v"}
		shard := ing.shardFor(key)
		assert.GreaterOrEqual(t, shard, 0)
		assert.Less(t, shard, 8)
		assert.Equal(t, shard, ing.shardFor(key))
	}
}

func TestSubmitDiscardsInvalid(t *testing.T) {
	applier := &recordingApplier{}
	ing := newTestIngestor(applier, 2)

	raw := at("PutObject", 0)
	raw.SourceBucket = "unknown"
	err := ing.Submit(context.Background(), raw)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonUnknownRule, verr.Reason)
}

func TestSubmitAfterClose(t *testing.T) {
	ing := newTestIngestor(&recordingApplier{}, 1)
	ing.Close()
	ing.Close()

	assert.ErrorIs(t, ing.Submit(context.Background(), at("PutObject", 0)), ErrClosed)
}

func TestSubmitRespectsContextWhenQueueFull(t *testing.T) {
	ing := NewIngestor(Config{
		Rules:     testTable(),
		Applier:   &recordingApplier{},
		Clock:     clock.Fake(t0.Add(time.Minute)),
		Workers:   1,
		QueueSize: 1,
	})
	require.NoError(t, ing.Submit(context.Background(), at("PutObject", 0)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ing.Submit(ctx, at("REPLICA", 1)), context.DeadlineExceeded)
}

func TestRunDrainsOnCancel(t *testing.T) {
	applier := &recordingApplier{}
	ing := newTestIngestor(applier, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- ing.Run(ctx) }()

	for n := 0; n < 10; n++ {
		raw := at("PutObject", n)
		raw.ObjectKey = strings.Repeat("o", n+1)
		require.NoError(t, ing.Submit(ctx, raw))
	}
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, applier.applied(), 10)
	assert.ErrorIs(t, ing.Submit(context.Background(), at("PutObject", 0)), ErrClosed)
}

func TestWorkerSurvivesApplyErrors(t *testing.T) {
	applier := &recordingApplier{err: errors.Join(reconciler.ErrDeadLettered, errors.New("disk full"))}
	ing := newTestIngestor(applier, 1)

	require.NoError(t, ing.Submit(context.Background(), at("PutObject", 0)))
	require.NoError(t, ing.Submit(context.Background(), at("REPLICA", 5)))

	done := make(chan error)
	go func() { done <- ing.Run(context.Background()) }()
	ing.Close()
	require.NoError(t, <-done)

	assert.Len(t, applier.applied(), 2)
}

func TestConsume(t *testing.T) {
	applier := &recordingApplier{}
	ing := newTestIngestor(applier, 2)

	input := `{"eventType":"PutObject","sourceBucket":"A","objectKey":"a.jpg","versionId":"v1","timestamp":"2024-01-01T00:00:00Z"}
{"eventType":"REPLICA","sourceBucket":"A","objectKey":"a.jpg","versionId":"v1","timestamp":"2024-01-01T00:00:10Z"}
{broken
{"eventType":"PutObject","sourceBucket":"nope","objectKey":"b.jpg","timestamp":"2024-01-01T00:00:00Z"}
`
	report, err := ing.Consume(context.Background(), eventlog.NewJSONLReader[types.RawEvent](strings.NewReader(input)).Iterator())
	require.NoError(t, err)
	assert.Equal(t, ConsumeReport{Read: 3, Submitted: 2, Discarded: 1, Malformed: 1}, report)

	done := make(chan error)
	go func() { done <- ing.Run(context.Background()) }()
	ing.Close()
	require.NoError(t, <-done)
	assert.Len(t, applier.applied(), 2)
}

func TestIngestThroughReconciler(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	table := testTable()
	fake := clock.Fake(t0.Add(time.Minute))
	rec := reconciler.NewReconciler(reconciler.Config{Store: store, Rules: table, Clock: fake})
	ing := NewIngestor(Config{Rules: table, Applier: rec, Clock: fake, Workers: 4})

	ctx := context.Background()
	require.NoError(t, ing.Submit(ctx, at("object-replicated", 100)))
	require.NoError(t, ing.Submit(ctx, at("object-created", 0)))

	done := make(chan error)
	go func() { done <- ing.Run(ctx) }()
	ing.Close()
	require.NoError(t, <-done)

	record, err := store.GetRecord(types.RecordKey{SourceBucket: "A", ObjectKey: "photos/cat.jpg", VersionID: "v1"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusReplicated, record.Status)
	assert.True(t, t0.Equal(record.CreatedAt))
	assert.True(t, t0.Add(time.Hour).Equal(record.Deadline))
	assert.Equal(t, int64(100), record.ElapsedSeconds)
}

func drain(t *testing.T, ing *Ingestor) {
	t.Helper()
	done := make(chan error)
	go func() { done <- ing.Run(context.Background()) }()
	ing.Close()
	require.NoError(t, <-done)
}

func TestDisabledRuleStillCompletesPendingRecords(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	table := testTable()
	fake := clock.Fake(t0.Add(time.Minute))
	rec := reconciler.NewReconciler(reconciler.Config{Store: store, Rules: table, Clock: fake})
	newIngestor := func() *Ingestor {
		return NewIngestor(Config{Rules: table, Applier: rec, Clock: fake, Workers: 2})
	}
	ctx := context.Background()

	ing := newIngestor()
	require.NoError(t, ing.Submit(ctx, at("object-created", 0)))
	drain(t, ing)

	rule, ok := table.Snapshot().Get("rule-a")
	require.True(t, ok)
	disabled := *rule
	disabled.Enabled = false
	disabled.Revision++
	table.Upsert(&disabled)

	// new objects are no longer tracked
	other := at("object-created", 50)
	other.ObjectKey = "photos/dog.jpg"
	var verr *ValidationError
	require.ErrorAs(t, newIngestor().Submit(ctx, other), &verr)
	assert.Equal(t, ReasonRuleDisabled, verr.Reason)

	ing = newIngestor()
	require.NoError(t, ing.Submit(ctx, at("object-replicated", 100)))
	drain(t, ing)

	key := types.RecordKey{SourceBucket: "A", ObjectKey: "photos/cat.jpg", VersionID: "v1"}
	record, err := store.GetRecord(key)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReplicated, record.Status)

	fake.Set(t0.Add(3601 * time.Second))
	res, err := rec.Timeout(ctx, key)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Nil(t, res.Alarm)

	pending, err := store.ListPendingAlarms()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// blockingApplier holds signals for one object key until released
type blockingApplier struct {
	recordingApplier
	blockKey string
	entered  chan struct{}
	release  chan struct{}
}

func (a *blockingApplier) Apply(ctx context.Context, sig types.Signal) (reconciler.Result, error) {
	if sig.Key.ObjectKey == a.blockKey {
		close(a.entered)
		<-a.release
	}
	return a.recordingApplier.Apply(ctx, sig)
}

func TestDistinctKeysDoNotBlockEachOther(t *testing.T) {
	applier := &blockingApplier{
		blockKey: "slow.bin",
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	ing := newTestIngestor(applier, 8)

	slow := at("PutObject", 0)
	slow.ObjectKey = "slow.bin"
	slowShard := ing.shardFor(types.RecordKey{SourceBucket: "A", ObjectKey: slow.ObjectKey, VersionID: slow.VersionID})

	fast := at("PutObject", 0)
	for n := 0; ; n++ {
		fast.ObjectKey = "fast-" + strings.Repeat("x", n)
		if ing.shardFor(types.RecordKey{SourceBucket: "A", ObjectKey: fast.ObjectKey, VersionID: fast.VersionID}) != slowShard {
			break
		}
	}

	ctx := context.Background()
	done := make(chan error)
	go func() { done <- ing.Run(ctx) }()

	require.NoError(t, ing.Submit(ctx, slow))
	select {
	case <-applier.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("slow signal never reached the applier")
	}

	require.NoError(t, ing.Submit(ctx, fast))
	require.Eventually(t, func() bool {
		got := applier.applied()
		return len(got) == 1 && got[0].Key.ObjectKey == fast.ObjectKey
	}, 2*time.Second, 5*time.Millisecond, "signal for another key waited on the blocked one")

	close(applier.release)
	ing.Close()
	require.NoError(t, <-done)
	assert.Len(t, applier.applied(), 2)
}
