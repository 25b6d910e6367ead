// Package metrics exposes prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesFetched counts API pages fetched per endpoint table.
	PagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cisync",
		Name:      "pages_fetched_total",
		Help:      "Number of API pages fetched",
	}, []string{"table"})

	// RowsLoaded counts rows loaded into the sink per table.
	RowsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cisync",
		Name:      "rows_loaded_total",
		Help:      "Number of rows loaded into the relational sink",
	}, []string{"table"})

	// Retries counts transient-fault retries per operation.
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cisync",
		Name:      "retries_total",
		Help:      "Number of transient-fault retries",
	}, []string{"operation"})

	// TokenAcquisitions counts token endpoint calls.
	TokenAcquisitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cisync",
		Name:      "token_acquisitions_total",
		Help:      "Number of token acquisitions",
	})

	// TransferredFiles counts files moved by the handshake protocol.
	TransferredFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cisync",
		Name:      "transferred_files_total",
		Help:      "Number of files transferred by the handshake protocol",
	}, []string{"direction"})

	// EndpointDuration observes per-endpoint fetch-load duration.
	EndpointDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cisync",
		Name:      "endpoint_duration_seconds",
		Help:      "Duration of one endpoint's fetch-transform-load loop",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"table", "outcome"})
)
