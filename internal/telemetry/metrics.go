package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across every route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "findexcloud",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// IndexesCreatedTotal counts successful index creations.
var IndexesCreatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "findexcloud",
		Subsystem: "catalog",
		Name:      "indexes_created_total",
		Help:      "Total number of indexes created.",
	},
)

// IndexesDeletedTotal counts successful (soft-)deletions.
var IndexesDeletedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "findexcloud",
		Subsystem: "catalog",
		Name:      "indexes_deleted_total",
		Help:      "Total number of indexes soft-deleted.",
	},
)

// UpsertRowsTotal counts CAS upsert rows by outcome ("accepted" or "rejected").
var UpsertRowsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "findexcloud",
		Subsystem: "storage",
		Name:      "upsert_rows_total",
		Help:      "Total number of upsert_entries rows processed, by outcome.",
	},
	[]string{"outcome"},
)

// SignatureFailuresTotal counts signature-verification failures by reason.
var SignatureFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "findexcloud",
		Subsystem: "signing",
		Name:      "verify_failures_total",
		Help:      "Total number of signed-request verification failures, by reason.",
	},
	[]string{"reason"},
)

// All returns the findex-cloud-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		IndexesCreatedTotal,
		IndexesDeletedTotal,
		UpsertRowsTotal,
		SignatureFailuresTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
