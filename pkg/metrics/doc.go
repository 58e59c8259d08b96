/*
Package metrics provides Prometheus metrics and health endpoints for paddock.

All metrics are package-level variables registered against the default
registry at init, following standard Prometheus client usage. Counters track
scheduler and reconciler activity (launches, terminations by reason, loader
VMs, reconcile cycles); gauges reflect fleet state and are refreshed from
the store by the Collector every 15 seconds; histograms capture reconcile
and API request latency.

Exposition and health share the metrics listener:

	/metrics  Prometheus exposition (promhttp)
	/healthz  process health, 503 when any registered component is unhealthy
	/readyz   readiness, 503 until store, reconciler and api report healthy

The Timer helper wraps the measure-then-observe pattern:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)
*/
package metrics
