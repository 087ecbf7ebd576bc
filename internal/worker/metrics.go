package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry       *prometheus.Registry
	jobsTotal      *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	activeJobs     prometheus.Gauge
	cacheHitsTotal prometheus.Counter
	facesDetected  prometheus.Histogram
	outputBytes    prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hatrack_worker_jobs_total",
			Help: "Total worker jobs by final status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hatrack_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hatrack_worker_active_jobs",
			Help: "Current number of active overlay jobs in the worker.",
		}),
		cacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hatrack_worker_cache_hits_total",
			Help: "Total jobs answered from the result cache.",
		}),
		facesDetected: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hatrack_worker_faces_detected",
			Help:    "Faces detected per successful job.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hatrack_worker_output_bytes_total",
			Help: "Total bytes of rendered output written to storage.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.cacheHitsTotal,
		m.facesDetected,
		m.outputBytes,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
