package housekeeping

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records, in the same shape as Gitaly's housekeeping metrics
// (internal/git/housekeeping/metrics.go), the outcome and latency of this
// program's five actions and the pack files it preserves/prunes along the
// way.
// Since this program is a short-lived CLI invocation rather than a scraped
// server, internal/cli constructs one per invocation and, when
// --metrics-pushgateway-url is set, pushes it to a Prometheus Pushgateway
// after the action completes (prometheus/client_golang/prometheus/push) —
// the standard client_golang idiom for batch/cron jobs that cannot be
// scraped directly. It does not flow into the per-invocation result JSON,
// which carries only the two fields spec §6 defines (internal/stats).
type Metrics struct {
	TasksTotal          *prometheus.CounterVec
	TasksLatency        *prometheus.HistogramVec
	PreservedPacksTotal prometheus.Counter
	PrunedPacksTotal    prometheus.Counter
}

// NewMetrics returns a fresh, process-local metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghs_bitmap_tasks_total",
				Help: "Total number of bitmap lifecycle actions performed, by outcome.",
			},
			[]string{"action", "status"},
		),
		TasksLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ghs_bitmap_tasks_latency_seconds",
				Help:    "Latency of bitmap lifecycle actions.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		PreservedPacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ghs_preserved_packs_total",
			Help: "Total number of pack files (.pack/.idx/.bitmap) moved into preserved/ by the Preserver.",
		}),
		PrunedPacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ghs_pruned_packs_total",
			Help: "Total number of pack files (.pack/.idx/.bitmap) moved into preserved/ or deleted by the prune action.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, descs)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(metrics chan<- prometheus.Metric) {
	m.TasksTotal.Collect(metrics)
	m.TasksLatency.Collect(metrics)
	m.PreservedPacksTotal.Collect(metrics)
	m.PrunedPacksTotal.Collect(metrics)
}
