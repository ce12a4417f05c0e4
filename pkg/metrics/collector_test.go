package metrics

import (
	"errors"
	"testing"

	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	counts map[types.RecordStatus]int
	alarms int
	dls    int
	err    error
}

func (f *fakeSource) CountRecords() (map[types.RecordStatus]int, error) {
	return f.counts, f.err
}

func (f *fakeSource) ListPendingAlarms() ([]*types.AlarmEvent, error) {
	return make([]*types.AlarmEvent, f.alarms), f.err
}

func (f *fakeSource) ListDeadLetters() ([]*types.DeadLetter, error) {
	return make([]*types.DeadLetter, f.dls), f.err
}

type fixedRules int

func (n fixedRules) Len() int { return int(n) }

func TestCollectorCollect(t *testing.T) {
	source := &fakeSource{
		counts: map[types.RecordStatus]int{types.StatusPending: 3, types.StatusFailed: 1},
		alarms: 2,
		dls:    4,
	}
	c := NewCollector(source, func() RuleCounter { return fixedRules(5) }, zerolog.Nop())
	c.Collect()

	assert.Equal(t, 3.0, testutil.ToFloat64(RecordsByStatus.WithLabelValues("PENDING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(RecordsByStatus.WithLabelValues("FAILED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(AlarmBacklog))
	assert.Equal(t, 4.0, testutil.ToFloat64(DeadLetterBacklog))
	assert.Equal(t, 5.0, testutil.ToFloat64(RulesTotal))
}

func TestCollectorToleratesErrors(t *testing.T) {
	AlarmBacklog.Set(7)
	c := NewCollector(&fakeSource{err: errors.New("database closed")}, nil, zerolog.Nop())
	c.Collect()

	// gauges keep their last value
	assert.Equal(t, 7.0, testutil.ToFloat64(AlarmBacklog))
}
