/*
Package metrics exposes crrmon's Prometheus metrics and health endpoints.

Metrics are package-level collectors registered with the default registry in
init, so any package can increment them directly:

	metrics.SignalsProcessed.WithLabelValues("object-replicated", "applied").Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SweepDuration)

Gauges that mirror stored state (records by status, alarm backlog,
dead-letter backlog, rule count) are sampled by Collector every 15 seconds
rather than updated inline.

# Replication Statistics

ReplicationObjects, ReplicationBytes, ReplicationSpeed and
FailedReplications carry per bucket-pair statistics. They are not updated
per event. The reconciler accumulates five-minute windows in the store and
the sweeper flushes each closed window into these collectors once.
FailedReplications is seeded at zero for every source bucket when its rule
is registered, so alerting rules see a series before the first failure.

# Health

UpdateComponent records component health. /health reports unhealthy if any
component is unhealthy; /ready additionally requires the critical
components (store, reconciler and api by default) to be registered.
*/
package metrics
