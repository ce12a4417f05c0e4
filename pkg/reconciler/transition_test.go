package reconciler

import (
	"testing"
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(seconds int) time.Time { return t0.Add(time.Duration(seconds) * time.Second) }

var testRule = &types.ReplicationRule{
	ID:                "rule-a",
	SourceBucket:      "A",
	DestinationBucket: "B",
	SLAWindow:         time.Hour,
	Enabled:           true,
	Revision:          3,
}

var testKey = types.RecordKey{SourceBucket: "A", ObjectKey: "photos/cat.jpg", VersionID: "v1"}

func signal(typ types.SignalType, ts time.Time) types.Signal {
	return types.Signal{
		Type:              typ,
		Key:               testKey,
		SourceRegion:      "us-east-1",
		DestinationRegion: "eu-west-1",
		Timestamp:         ts,
		ObjectSize:        2048,
		RuleID:            testRule.ID,
	}
}

func pending() *types.ReplicationRecord {
	tr, err := Apply(nil, signal(types.SignalObjectCreated, t0), testRule, t0)
	if err != nil {
		panic(err)
	}
	tr.Next.Version = 1
	return tr.Next
}

func TestApplyCreated(t *testing.T) {
	tr, err := Apply(nil, signal(types.SignalObjectCreated, t0), testRule, at(2))
	require.NoError(t, err)
	require.True(t, tr.Changed())
	assert.Nil(t, tr.Alarm)

	r := tr.Next
	assert.Equal(t, types.StatusPending, r.Status)
	assert.Equal(t, t0, r.CreatedAt)
	assert.Equal(t, at(3600), r.Deadline)
	assert.Equal(t, at(2), r.LastUpdatedAt)
	assert.Equal(t, "rule-a", r.RuleID)
	assert.Equal(t, uint64(3), r.RuleRevision)
	assert.Equal(t, "B", r.DestinationBucket)
}

func TestApplyTransitions(t *testing.T) {
	terminal := func(status types.RecordStatus) *types.ReplicationRecord {
		r := pending()
		r.Status = status
		r.TerminalAt = at(10)
		return r
	}

	tests := []struct {
		name       string
		current    *types.ReplicationRecord
		signal     types.SignalType
		wantStatus types.RecordStatus
		wantChange bool
		wantAlarm  types.AlarmReason
	}{
		{"pending replicated", pending(), types.SignalObjectReplicated, types.StatusReplicated, true, ""},
		{"pending failed", pending(), types.SignalReplicationFailed, types.StatusFailed, true, types.ReasonFailed},
		{"pending created replay", pending(), types.SignalObjectCreated, types.StatusPending, false, ""},
		{"replicated then failed", terminal(types.StatusReplicated), types.SignalReplicationFailed, types.StatusReplicated, false, ""},
		{"failed then replicated", terminal(types.StatusFailed), types.SignalObjectReplicated, types.StatusFailed, false, ""},
		{"timed out then replicated", terminal(types.StatusTimedOut), types.SignalObjectReplicated, types.StatusTimedOut, false, ""},
		{"replicated then created", terminal(types.StatusReplicated), types.SignalObjectCreated, types.StatusReplicated, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := Apply(tt.current, signal(tt.signal, at(100)), testRule, at(101))
			require.NoError(t, err)
			assert.Equal(t, tt.wantChange, tr.Changed())

			status := tt.current.Status
			if tr.Changed() {
				status = tr.Next.Status
			}
			assert.Equal(t, tt.wantStatus, status)

			if tt.wantAlarm == "" {
				assert.Nil(t, tr.Alarm)
			} else {
				require.NotNil(t, tr.Alarm)
				assert.Equal(t, tt.wantAlarm, tr.Alarm.Reason)
				assert.Equal(t, types.AlarmIdempotencyKey(testKey, tt.wantStatus), tr.Alarm.IdempotencyKey)
			}
		})
	}
}

func TestApplyDoesNotMutateCurrent(t *testing.T) {
	current := pending()
	_, err := Apply(current, signal(types.SignalObjectReplicated, at(100)), testRule, at(100))
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, current.Status)
}

func TestApplyReplicatedComputesRate(t *testing.T) {
	tr, err := Apply(pending(), signal(types.SignalObjectReplicated, at(100)), testRule, at(100))
	require.NoError(t, err)

	assert.Equal(t, at(100), tr.Next.TerminalAt)
	assert.Equal(t, int64(100), tr.Next.ElapsedSeconds)
	assert.InDelta(t, 2048.0*8/101, tr.Next.RateBitsPerSecond, 1e-9)
}

func TestApplyOutOfOrder(t *testing.T) {
	tr, err := Apply(nil, signal(types.SignalObjectReplicated, at(100)), testRule, at(100))
	require.NoError(t, err)
	assert.Equal(t, types.StatusReplicated, tr.Next.Status)
	assert.Nil(t, tr.Alarm)

	tr, err = Apply(nil, signal(types.SignalReplicationFailed, at(50)), testRule, at(50))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, tr.Next.Status)
	require.NotNil(t, tr.Alarm)
	assert.Equal(t, types.ReasonFailed, tr.Alarm.Reason)
}

func TestApplyUnknownRule(t *testing.T) {
	_, err := Apply(nil, signal(types.SignalObjectCreated, t0), nil, t0)
	assert.ErrorIs(t, err, ErrUnknownRule)

	disabled := *testRule
	disabled.Enabled = false
	_, err = Apply(nil, signal(types.SignalObjectCreated, t0), &disabled, t0)
	assert.ErrorIs(t, err, ErrUnknownRule)

	// existing records still progress without a rule
	tr, err := Apply(pending(), signal(types.SignalObjectReplicated, at(5)), nil, at(5))
	require.NoError(t, err)
	assert.True(t, tr.Changed())
}

func TestApplyUnknownSignal(t *testing.T) {
	_, err := Apply(pending(), signal("object-deleted", t0), testRule, t0)
	assert.ErrorIs(t, err, ErrUnknownSignal)
}

func TestTimeout(t *testing.T) {
	assert.False(t, Timeout(pending(), at(3599)).Changed())
	assert.False(t, Timeout(pending(), at(3600)).Changed(), "deadline itself is not expired")
	assert.False(t, Timeout(nil, at(4000)).Changed())

	tr := Timeout(pending(), at(3601))
	require.True(t, tr.Changed())
	assert.Equal(t, types.StatusTimedOut, tr.Next.Status)
	assert.Equal(t, at(3601), tr.Next.TerminalAt)
	require.NotNil(t, tr.Alarm)
	assert.Equal(t, types.ReasonTimeout, tr.Alarm.Reason)

	replicated := pending()
	replicated.Status = types.StatusReplicated
	assert.False(t, Timeout(replicated, at(4000)).Changed())
}
