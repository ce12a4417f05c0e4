package metrics

import (
	"time"

	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
	"github.com/rs/zerolog"
)

// StateSource is the read side of the store the collector samples
type StateSource interface {
	CountRecords() (map[types.RecordStatus]int, error)
	ListPendingAlarms() ([]*types.AlarmEvent, error)
	ListDeadLetters() ([]*types.DeadLetter, error)
}

// RuleCounter reports the number of registered rules
type RuleCounter interface {
	Len() int
}

// Collector periodically samples store gauges
type Collector struct {
	source   StateSource
	rules    func() RuleCounter
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. rules may be nil.
func NewCollector(source StateSource, rules func() RuleCounter, logger zerolog.Logger) *Collector {
	return &Collector{
		source:   source,
		rules:    rules,
		interval: 15 * time.Second,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples every gauge once
func (c *Collector) Collect() {
	if counts, err := c.source.CountRecords(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to count records")
	} else {
		for status, n := range counts {
			RecordsByStatus.WithLabelValues(string(status)).Set(float64(n))
		}
	}

	if alarms, err := c.source.ListPendingAlarms(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to list pending alarms")
	} else {
		AlarmBacklog.Set(float64(len(alarms)))
	}

	if dls, err := c.source.ListDeadLetters(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to list dead letters")
	} else {
		DeadLetterBacklog.Set(float64(len(dls)))
	}

	if c.rules != nil {
		RulesTotal.Set(float64(c.rules().Len()))
	}
}
