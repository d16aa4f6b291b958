// Package metrics exposes Prometheus collectors for crawldb jobs.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobCounterTotal      *prometheus.CounterVec
	cycleDurationSeconds *prometheus.HistogramVec
	cyclesTotal          *prometheus.CounterVec
	recordsByStatus      *prometheus.GaugeVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobCounterTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawldb_job_counter_total",
				Help: "Named job counters, labeled by job, counter group and counter name.",
			},
			[]string{"job", "group", "name"},
		)

		cycleDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawldb_cycle_duration_seconds",
				Help:    "Wall time of crawldb jobs, labeled by job.",
				Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"job"},
		)

		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawldb_cycles_total",
				Help: "Total number of jobs run, labeled by job and outcome.",
			},
			[]string{"job", "status"},
		)

		recordsByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawldb_records",
				Help: "Records in the installed crawl database, labeled by status.",
			},
			[]string{"status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AddJobCounter adds delta to a job counter.
func AddJobCounter(job, group, name string, delta int64) {
	Init()
	if delta <= 0 {
		return
	}
	jobCounterTotal.WithLabelValues(job, group, name).Add(float64(delta))
}

// ObserveCycle records the duration and outcome of one job run.
func ObserveCycle(job string, d time.Duration, err error) {
	Init()
	status := "success"
	if err != nil {
		status = "failure"
	}
	cycleDurationSeconds.WithLabelValues(job).Observe(d.Seconds())
	cyclesTotal.WithLabelValues(job, status).Inc()
}

// SetRecordCounts replaces the per-status record gauges.
func SetRecordCounts(counts map[string]int64) {
	Init()
	recordsByStatus.Reset()
	for status, n := range counts {
		recordsByStatus.WithLabelValues(status).Set(float64(n))
	}
}
