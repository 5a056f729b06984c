// Package metrics exposes Prometheus instrumentation for the control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DiscoveryTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plog_discovery_ticks_total",
		Help: "Completed discovery reconciliation passes.",
	})

	DiscoveryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plog_discovery_errors_total",
		Help: "Discovery passes that failed before commit.",
	})

	SpecProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plog_spec_probes_total",
		Help: "OpenAPI documentation probe attempts by outcome.",
	}, []string{"outcome"})

	JobTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plog_job_ticks_total",
		Help: "Completed load-test job reconciliation passes.",
	})

	JobErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plog_job_errors_total",
		Help: "Job reconciliation failures.",
	})

	JobsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plog_jobs_finalized_total",
		Help: "Finished load-test jobs ingested and marked complete.",
	})

	BucketsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plog_buckets_ingested_total",
		Help: "Time-series buckets written to storage by kind.",
	}, []string{"kind"})

	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plog_llm_requests_total",
		Help: "LLM analysis requests by outcome.",
	}, []string{"outcome"})

	SSEClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plog_sse_clients",
		Help: "Connected realtime stream clients.",
	})

	CleanupRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plog_cleanup_runs_total",
		Help: "Completed resident-state cleanup passes.",
	})

	BufferJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plog_buffer_jobs",
		Help: "Jobs currently tracked in the resource metrics buffer.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plog_http_requests_total",
		Help: "HTTP requests by route and status class.",
	}, []string{"route", "status"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
