// Package observability exports kernel metrics to Prometheus.
//
// PrometheusCollector implements kcore.MetricsCollector; pass it to Boot
// with kcore.WithMetricsCollector and serve the registry with promhttp.
package observability
