package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/compliance-ledger/backend/pkg/circuitbreaker"
)

var (
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_ledger_events_ingested_total",
			Help: "Ingest attempts by outcome",
		},
		[]string{"outcome"},
	)

	IngestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compliance_ledger_ingest_duration_seconds",
			Help:    "Ingest latency including rollup recompute",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"encoding"},
	)

	RollupRecomputes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_ledger_rollup_recomputes_total",
			Help: "Daily rollup recomputations by status",
		},
		[]string{"status"},
	)

	ComplianceScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compliance_ledger_compliance_score",
			Help: "Latest daily compliance score per project",
		},
		[]string{"project_id"},
	)

	AuditRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_ledger_audit_runs_total",
			Help: "Audit chain builder runs by status",
		},
		[]string{"status"},
	)

	AuditRecordsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compliance_ledger_audit_records_written_total",
			Help: "Audit records appended to the chain",
		},
	)

	ChainVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_ledger_chain_verifications_total",
			Help: "Chain verification runs by result",
		},
		[]string{"result"},
	)

	PredictionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "compliance_ledger_prediction_duration_seconds",
			Help:    "Risk prediction latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	PredictionsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_ledger_predictions_emitted_total",
			Help: "Emitted predictions by category and severity",
		},
		[]string{"category", "severity"},
	)

	AlertsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_ledger_alerts_dispatched_total",
			Help: "Alert deliveries by sink and status",
		},
		[]string{"sink", "status"},
	)

	ExtractionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_ledger_extraction_requests_total",
			Help: "Extraction service calls by backend and status",
		},
		[]string{"backend", "status"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_ledger_llm_tokens_used",
			Help: "Total LLM tokens used by the extraction client",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_ledger_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_ledger_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	ScheduledJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_ledger_scheduled_jobs_total",
			Help: "Total scheduled job executions",
		},
		[]string{"job", "status"},
	)

	DependencyGuardState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compliance_ledger_dependency_guard_state",
			Help: "Circuit breaker state per remote dependency (0 closed, 1 half-open, 2 open)",
		},
		[]string{"dependency"},
	)

	DependencyGuardTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_ledger_dependency_guard_transitions_total",
			Help: "Total circuit breaker state changes per remote dependency",
		},
		[]string{"dependency", "to"},
	)
)

// ObserveGuard records a breaker state change. It fits
// circuitbreaker.Config.OnStateChange.
func ObserveGuard(dependency string, _ circuitbreaker.State, to circuitbreaker.State) {
	DependencyGuardState.WithLabelValues(dependency).Set(float64(to))
	DependencyGuardTransitions.WithLabelValues(dependency, to.String()).Inc()
}

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(EventsIngested)
		prometheus.MustRegister(IngestDuration)
		prometheus.MustRegister(RollupRecomputes)
		prometheus.MustRegister(ComplianceScore)
		prometheus.MustRegister(AuditRuns)
		prometheus.MustRegister(AuditRecordsWritten)
		prometheus.MustRegister(ChainVerifications)
		prometheus.MustRegister(PredictionDuration)
		prometheus.MustRegister(PredictionsEmitted)
		prometheus.MustRegister(AlertsDispatched)
		prometheus.MustRegister(ExtractionRequests)
		prometheus.MustRegister(LLMTokensUsed)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(ScheduledJobs)
		prometheus.MustRegister(DependencyGuardState)
		prometheus.MustRegister(DependencyGuardTransitions)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
