package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/clock"
	"github.com/aws-solutions/aws-crr-monitor/pkg/rules"
	"github.com/aws-solutions/aws-crr-monitor/pkg/storage"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	alarms []*types.AlarmEvent
}

func (s *recordingSink) Enqueue(a *types.AlarmEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms = append(s.alarms, a)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alarms)
}

type fixture struct {
	rec   *Reconciler
	store *storage.BoltStore
	clock *clock.FakeClock
	sink  *recordingSink
	table *rules.Table
}

func newFixture(t *testing.T, wrap func(Store) Store) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	table := rules.NewTable()
	table.Upsert(testRule)

	var s Store = store
	if wrap != nil {
		s = wrap(store)
	}

	f := &fixture{store: store, clock: clock.Fake(t0), sink: &recordingSink{}, table: table}
	f.rec = NewReconciler(Config{
		Store:          s,
		Rules:          table,
		Clock:          f.clock,
		Alarms:         f.sink,
		MaxAttempts:    3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
	return f
}

func (f *fixture) apply(t *testing.T, typ types.SignalType, seconds int) Result {
	t.Helper()
	f.clock.Set(at(seconds))
	res, err := f.rec.Apply(context.Background(), signal(typ, at(seconds)))
	require.NoError(t, err)
	return res
}

func (f *fixture) pendingAlarms(t *testing.T) []*types.AlarmEvent {
	t.Helper()
	alarms, err := f.store.ListPendingAlarms()
	require.NoError(t, err)
	return alarms
}

func TestScenarioReplicatedBeforeDeadline(t *testing.T) {
	f := newFixture(t, nil)

	f.apply(t, types.SignalObjectCreated, 0)
	res := f.apply(t, types.SignalObjectReplicated, 100)

	assert.Equal(t, types.StatusReplicated, res.Record.Status)
	assert.Nil(t, res.Alarm)
	assert.Zero(t, f.sink.count())
	assert.Empty(t, f.pendingAlarms(t))

	// the sweeper later finds nothing to time out
	f.clock.Set(at(3601))
	res, err := f.rec.Timeout(context.Background(), testKey)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, types.StatusReplicated, res.Record.Status)
}

func TestScenarioTimeoutRaisesOneAlarm(t *testing.T) {
	f := newFixture(t, nil)
	f.apply(t, types.SignalObjectCreated, 0)

	f.clock.Set(at(3601))
	res, err := f.rec.Timeout(context.Background(), testKey)
	require.NoError(t, err)
	require.True(t, res.Changed)
	assert.Equal(t, types.StatusTimedOut, res.Record.Status)
	require.NotNil(t, res.Alarm)
	assert.Equal(t, types.ReasonTimeout, res.Alarm.Reason)

	// second sweep
	f.clock.Set(at(7200))
	res, err = f.rec.Timeout(context.Background(), testKey)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	assert.Equal(t, 1, f.sink.count())
	alarms := f.pendingAlarms(t)
	require.Len(t, alarms, 1)
	assert.Equal(t, types.StatusTimedOut, alarms[0].Record.Status)
}

func TestScenarioFailedRaisesAlarmImmediately(t *testing.T) {
	f := newFixture(t, nil)
	f.apply(t, types.SignalObjectCreated, 0)
	res := f.apply(t, types.SignalReplicationFailed, 50)

	assert.Equal(t, types.StatusFailed, res.Record.Status)
	require.Equal(t, 1, f.sink.count())
	assert.Equal(t, types.ReasonFailed, f.sink.alarms[0].Reason)
	assert.Equal(t, types.StatusFailed, f.sink.alarms[0].Outbound().Status)

	// a duplicate failure does not alarm twice
	f.apply(t, types.SignalReplicationFailed, 60)
	assert.Equal(t, 1, f.sink.count())
	assert.Len(t, f.pendingAlarms(t), 1)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	f := newFixture(t, nil)
	f.apply(t, types.SignalObjectCreated, 0)
	f.apply(t, types.SignalObjectReplicated, 10)

	res := f.apply(t, types.SignalReplicationFailed, 20)
	assert.False(t, res.Changed)

	stored, err := f.store.GetRecord(testKey)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReplicated, stored.Status)
	assert.Zero(t, f.sink.count())
}

func TestCreatedReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	first := f.apply(t, types.SignalObjectCreated, 0)
	again := f.apply(t, types.SignalObjectCreated, 30)

	assert.False(t, again.Changed)
	assert.Equal(t, first.Record.Version, again.Record.Version)
	assert.True(t, first.Record.Deadline.Equal(again.Record.Deadline))
}

func TestRuleChangeKeepsExistingDeadline(t *testing.T) {
	f := newFixture(t, nil)
	f.apply(t, types.SignalObjectCreated, 0)

	changed := *testRule
	changed.SLAWindow = 10 * time.Minute
	changed.Revision++
	f.table.Upsert(&changed)

	stored, err := f.store.GetRecord(testKey)
	require.NoError(t, err)
	assert.True(t, at(3600).Equal(stored.Deadline))
	assert.Equal(t, testRule.Revision, stored.RuleRevision)

	f.clock.Set(at(1200))
	res, err := f.rec.Timeout(context.Background(), testKey)
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestUnknownRuleDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	sig := signal(types.SignalObjectCreated, t0)
	sig.Key.SourceBucket = "unmonitored"
	sig.RuleID = ""

	_, err := f.rec.Apply(context.Background(), sig)
	assert.ErrorIs(t, err, ErrUnknownRule)

	_, err = f.store.GetRecord(sig.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	dls, err := f.store.ListDeadLetters()
	require.NoError(t, err)
	assert.Empty(t, dls)
}

func TestConcurrentSignalsSingleTerminal(t *testing.T) {
	f := newFixture(t, nil)
	f.apply(t, types.SignalObjectCreated, 0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		typ := types.SignalObjectReplicated
		if i%2 == 0 {
			typ = types.SignalReplicationFailed
		}
		wg.Add(1)
		go func(typ types.SignalType) {
			defer wg.Done()
			_, err := f.rec.Apply(context.Background(), signal(typ, at(100)))
			assert.NoError(t, err)
		}(typ)
	}
	wg.Wait()

	stored, err := f.store.GetRecord(testKey)
	require.NoError(t, err)
	require.True(t, stored.Status.IsTerminal())
	assert.Equal(t, uint64(2), stored.Version)

	if stored.Status == types.StatusFailed {
		assert.Equal(t, 1, f.sink.count())
	} else {
		assert.Zero(t, f.sink.count())
	}
}

// flakyStore fails writes until healed
type flakyStore struct {
	Store
	failures atomic.Int32
	conflict bool
}

func (s *flakyStore) PutIfVersion(r *types.ReplicationRecord, v uint64, a *types.AlarmEvent) error {
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		if s.conflict {
			return &storage.ConflictError{Key: r.Key, ExpectedVersion: v, CurrentVersion: v + 1}
		}
		return errors.New("i/o timeout")
	}
	return s.Store.PutIfVersion(r, v, a)
}

func TestTransientErrorsRetried(t *testing.T) {
	var flaky *flakyStore
	f := newFixture(t, func(s Store) Store {
		flaky = &flakyStore{Store: s}
		return flaky
	})
	flaky.failures.Store(2)

	res := f.apply(t, types.SignalObjectCreated, 0)
	assert.True(t, res.Changed)
	assert.Equal(t, 2, res.Record.RetryCount)
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	var flaky *flakyStore
	f := newFixture(t, func(s Store) Store {
		flaky = &flakyStore{Store: s}
		return flaky
	})
	flaky.failures.Store(100)

	_, err := f.rec.Apply(context.Background(), signal(types.SignalObjectCreated, t0))
	require.ErrorIs(t, err, ErrDeadLettered)

	dls, err := f.store.ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, testKey, dls[0].Signal.Key)
	assert.Contains(t, dls[0].Error, "i/o timeout")

	// heal and replay
	flaky.failures.Store(0)
	report, err := f.rec.ReplayDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReplayReport{Replayed: 1}, report)

	stored, err := f.store.GetRecord(testKey)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, stored.Status)

	dls, err = f.store.ListDeadLetters()
	require.NoError(t, err)
	assert.Empty(t, dls)
}

func TestConflictRetriesBounded(t *testing.T) {
	var flaky *flakyStore
	f := newFixture(t, func(s Store) Store {
		flaky = &flakyStore{Store: s, conflict: true}
		return flaky
	})

	flaky.failures.Store(3)
	res := f.apply(t, types.SignalObjectCreated, 0)
	assert.True(t, res.Changed)

	flaky.failures.Store(1000)
	_, err := f.rec.Apply(context.Background(), signal(types.SignalObjectReplicated, at(10)))
	require.ErrorIs(t, err, ErrDeadLettered)
	assert.ErrorIs(t, err, ErrConflictRetriesExhausted)
}

func TestReplayDiscardsUnknownRule(t *testing.T) {
	f := newFixture(t, nil)
	sig := signal(types.SignalObjectCreated, t0)
	sig.Key.SourceBucket = "gone"
	sig.RuleID = "gone"
	require.NoError(t, f.store.PutDeadLetter(&types.DeadLetter{ID: "dl-1", Signal: sig}))

	report, err := f.rec.ReplayDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReplayReport{Discarded: 1}, report)
}

// mutatingSink edits every alarm it is handed, as a dispatcher would
type mutatingSink struct {
	recordingSink
}

func (s *mutatingSink) Enqueue(a *types.AlarmEvent) {
	a.Attempts++
	a.LastError = "connection refused"
	a.Delivered = append(a.Delivered, "log")
	s.recordingSink.Enqueue(a)
}

func TestEnqueuedAlarmIsIndependentOfResult(t *testing.T) {
	tests := []struct {
		name    string
		typ     types.SignalType
		seconds int
		timeout bool
		reason  types.AlarmReason
	}{
		{name: "failure", typ: types.SignalReplicationFailed, seconds: 50, reason: types.ReasonFailed},
		{name: "timeout", seconds: 3601, timeout: true, reason: types.ReasonTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			sink := &mutatingSink{}
			f.rec.alarms = sink
			f.apply(t, types.SignalObjectCreated, 0)

			var res Result
			if tt.timeout {
				f.clock.Set(at(tt.seconds))
				var err error
				res, err = f.rec.Timeout(context.Background(), testKey)
				require.NoError(t, err)
			} else {
				res = f.apply(t, tt.typ, tt.seconds)
			}

			require.NotNil(t, res.Alarm)
			require.Equal(t, 1, sink.count())
			assert.NotSame(t, res.Alarm, sink.alarms[0])
			assert.Equal(t, tt.reason, res.Alarm.Reason)
			assert.Zero(t, res.Alarm.Attempts)
			assert.Empty(t, res.Alarm.LastError)
			assert.Empty(t, res.Alarm.Delivered)
			assert.Equal(t, res.Alarm.IdempotencyKey, sink.alarms[0].IdempotencyKey)
		})
	}
}
