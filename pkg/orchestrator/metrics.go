package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "kioskbench_"

// Metrics are the campaign's Prometheus series.
type Metrics struct {
	jobs       *prometheus.GaugeVec
	retries    prometheus.Counter
	ticks      prometheus.Counter
	uploads    prometheus.Counter
	elapsed    prometheus.Gauge
	finalized  prometheus.Gauge
	costTotal  prometheus.Gauge
	uploadSecs prometheus.Histogram
}

// NewMetrics registers the series with reg. A nil reg leaves them
// unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricsPrefix + "jobs",
			Help: "Jobs in the current campaign by state (total, created, summarized, expired, failed)",
		}, []string{"state"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "job_retries_total",
			Help: "Restarts issued for failed jobs",
		}),
		ticks: f.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "poll_ticks_total",
			Help: "Convergence loop ticks",
		}),
		uploads: f.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "uploads_total",
			Help: "Input files uploaded",
		}),
		elapsed: f.NewGauge(prometheus.GaugeOpts{
			Name: metricsPrefix + "campaign_elapsed_seconds",
			Help: "Wall time since the campaign was created",
		}),
		finalized: f.NewGauge(prometheus.GaugeOpts{
			Name: metricsPrefix + "campaign_finalized",
			Help: "1 once the report has been produced",
		}),
		costTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: metricsPrefix + "campaign_cost_dollars",
			Help: "Estimated node and networking cost of the campaign",
		}),
		uploadSecs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    metricsPrefix + "upload_duration_seconds",
			Help:    "Time to upload one input file",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

func (m *Metrics) observe(p Progress) {
	m.jobs.WithLabelValues("total").Set(float64(p.Total))
	m.jobs.WithLabelValues("created").Set(float64(p.Created))
	m.jobs.WithLabelValues("summarized").Set(float64(p.Summarized))
	m.jobs.WithLabelValues("expired").Set(float64(p.Expired))
	m.jobs.WithLabelValues("failed").Set(float64(p.Failed))
	m.elapsed.Set(p.Elapsed.Seconds())
}
