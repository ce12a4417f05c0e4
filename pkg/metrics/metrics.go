package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest metrics
	SignalsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crrmon_signals_processed_total",
			Help: "Signals applied by the reconciler by signal type and result",
		},
		[]string{"type", "result"},
	)

	SignalsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crrmon_signals_discarded_total",
			Help: "Raw events discarded during normalization by reason",
		},
		[]string{"reason"},
	)

	// Record metrics
	RecordsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crrmon_records_created_total",
			Help: "Total number of replication records created",
		},
	)

	RecordsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crrmon_records_terminated_total",
			Help: "Records that reached a terminal status",
		},
		[]string{"status"},
	)

	RecordsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crrmon_records",
			Help: "Stored replication records by status",
		},
		[]string{"status"},
	)

	StoreConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crrmon_store_conflicts_total",
			Help: "Optimistic write conflicts absorbed by retrying",
		},
	)

	StoreRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crrmon_store_retries_total",
			Help: "Transient store errors retried with backoff",
		},
	)

	DeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crrmon_dead_lettered_total",
			Help: "Signals moved to the dead-letter store",
		},
	)

	DeadLetterBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crrmon_dead_letters",
			Help: "Signals currently held in the dead-letter store",
		},
	)

	// Rule metrics
	RulesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crrmon_rules",
			Help: "Registered replication rules",
		},
	)

	RuleRegistrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crrmon_rule_registrations_total",
			Help: "Rule registration requests by result",
		},
		[]string{"result"},
	)

	// Sweeper metrics
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crrmon_sweep_duration_seconds",
			Help:    "Time taken by one housekeeping pass",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)

	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crrmon_sweep_runs_total",
			Help: "Housekeeping passes by result",
		},
		[]string{"result"},
	)

	SweepTransitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crrmon_sweep_timeouts_total",
			Help: "Records moved to TIMED_OUT by the sweeper",
		},
	)

	SweepDeletions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crrmon_sweep_deletions_total",
			Help: "Terminal records deleted after the retention window",
		},
	)

	// Alarm metrics
	AlarmsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crrmon_alarms_dispatched_total",
			Help: "Alarm delivery attempts by result",
		},
		[]string{"result"},
	)

	AlarmBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crrmon_alarm_backlog",
			Help: "Alarms waiting in the outbox for delivery",
		},
	)

	AlarmDeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crrmon_alarm_delivery_duration_seconds",
			Help:    "Time taken to deliver one alarm including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Replication statistics, flushed from closed stat windows
	ReplicationObjects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crrmon_replication_objects_total",
			Help: "Objects replicated per bucket pair",
		},
		[]string{"source", "destination"},
	)

	ReplicationBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crrmon_replication_bytes_total",
			Help: "Bytes replicated per bucket pair",
		},
		[]string{"source", "destination"},
	)

	ReplicationSpeed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crrmon_replication_speed_bits_per_second",
			Help: "Average replication rate of the last closed window per bucket pair",
		},
		[]string{"source", "destination"},
	)

	FailedReplications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crrmon_failed_replications_total",
			Help: "Failed replications per source bucket",
		},
		[]string{"source"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crrmon_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crrmon_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	APIRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crrmon_api_rate_limited_total",
			Help: "Total number of write requests rejected by the rate limiter",
		},
	)
)

func init() {
	prometheus.MustRegister(SignalsProcessed)
	prometheus.MustRegister(SignalsDiscarded)
	prometheus.MustRegister(RecordsCreated)
	prometheus.MustRegister(RecordsTerminated)
	prometheus.MustRegister(RecordsByStatus)
	prometheus.MustRegister(StoreConflicts)
	prometheus.MustRegister(StoreRetries)
	prometheus.MustRegister(DeadLettered)
	prometheus.MustRegister(DeadLetterBacklog)
	prometheus.MustRegister(RulesTotal)
	prometheus.MustRegister(RuleRegistrations)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(SweepRuns)
	prometheus.MustRegister(SweepTransitions)
	prometheus.MustRegister(SweepDeletions)
	prometheus.MustRegister(AlarmsDispatched)
	prometheus.MustRegister(AlarmBacklog)
	prometheus.MustRegister(AlarmDeliveryDuration)
	prometheus.MustRegister(ReplicationObjects)
	prometheus.MustRegister(ReplicationBytes)
	prometheus.MustRegister(ReplicationSpeed)
	prometheus.MustRegister(FailedReplications)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(APIRateLimited)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
