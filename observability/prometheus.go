package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/kcore"
)

var _ kcore.MetricsCollector = (*PrometheusCollector)(nil)

// PrometheusCollector records cache and allocator events as Prometheus
// metrics under the "kcore" namespace.
type PrometheusCollector struct {
	lookups    *prometheus.CounterVec
	evictions  prometheus.Counter
	ioLatency  *prometheus.HistogramVec
	allocs     *prometheus.CounterVec
	stolen     *prometheus.CounterVec
	frees      *prometheus.CounterVec
	collectors []prometheus.Collector
}

// NewPrometheusCollector creates the metrics and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &PrometheusCollector{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kcore",
			Subsystem: "bcache",
			Name:      "lookups_total",
			Help:      "Buffer cache lookups by result",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kcore",
			Subsystem: "bcache",
			Name:      "evictions_total",
			Help:      "Valid blocks displaced by a miss",
		}),
		ioLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kcore",
			Subsystem: "bcache",
			Name:      "block_io_seconds",
			Help:      "Latency of device block transfers",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"op", "status"}),
		allocs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kcore",
			Subsystem: "kalloc",
			Name:      "allocs_total",
			Help:      "Frame allocation attempts by core and status",
		}, []string{"cpu", "status"}),
		stolen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kcore",
			Subsystem: "kalloc",
			Name:      "stolen_frames_total",
			Help:      "Frames moved to a core by stealing",
		}, []string{"cpu"}),
		frees: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kcore",
			Subsystem: "kalloc",
			Name:      "frees_total",
			Help:      "Frames freed by core",
		}, []string{"cpu"}),
	}
	p.collectors = []prometheus.Collector{p.lookups, p.evictions, p.ioLatency, p.allocs, p.stolen, p.frees}

	for _, c := range p.collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Unregister removes the metrics from reg.
func (p *PrometheusCollector) Unregister(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range p.collectors {
		reg.Unregister(c)
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordCacheLookup implements kcore.MetricsCollector.
func (p *PrometheusCollector) RecordCacheLookup(hit, evicted bool) {
	if hit {
		p.lookups.WithLabelValues("hit").Inc()
		return
	}
	p.lookups.WithLabelValues("miss").Inc()
	if evicted {
		p.evictions.Inc()
	}
}

// RecordBlockIO implements kcore.MetricsCollector.
func (p *PrometheusCollector) RecordBlockIO(write bool, d time.Duration, err error) {
	op := "read"
	if write {
		op = "write"
	}
	p.ioLatency.WithLabelValues(op, status(err)).Observe(d.Seconds())
}

// RecordAlloc implements kcore.MetricsCollector.
func (p *PrometheusCollector) RecordAlloc(core, stolen int, err error) {
	cpu := strconv.Itoa(core)
	p.allocs.WithLabelValues(cpu, status(err)).Inc()
	if stolen > 0 {
		p.stolen.WithLabelValues(cpu).Add(float64(stolen))
	}
}

// RecordFree implements kcore.MetricsCollector.
func (p *PrometheusCollector) RecordFree(core int) {
	p.frees.WithLabelValues(strconv.Itoa(core)).Inc()
}
