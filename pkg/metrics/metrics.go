package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intake Metrics
	IntakeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatload_intake_requests_total",
		Help: "Intake submissions by response status",
	}, []string{"status"})
	IntakeNamesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatload_intake_names_received_total",
		Help: "Non-empty character names received by the intake endpoint",
	})
	IntakeNamesInsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatload_intake_names_inserted_total",
		Help: "Character names that created a new row",
	})

	// Enricher Metrics
	EnricherRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatload_enricher_runs_total",
		Help: "Enrichment runs by outcome",
	}, []string{"outcome"})
	EnricherChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatload_enricher_chunks_total",
		Help: "Processed chunks by outcome",
	}, []string{"outcome"})
	EnricherCharactersResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatload_enricher_characters_resolved_total",
		Help: "Characters written back with id and affiliation",
	})
	EnricherCharactersDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatload_enricher_characters_deleted_total",
		Help: "Characters removed because their name did not resolve",
	})
	EnricherRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatload_enricher_run_duration_seconds",
		Help:    "Wall time of a complete enrichment run",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// EVE API Metrics
	EVEAPIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatload_eveapi_request_duration_seconds",
		Help:    "Latency of EVE XML API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "outcome"})
)
