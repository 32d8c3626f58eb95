package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cdd_sessions_created_total",
			Help: "Total mapping sessions created from uploads",
		},
	)

	SessionsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cdd_sessions_deleted_total",
			Help: "Total mapping sessions deleted by clients",
		},
	)

	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdd_session_transitions_total",
			Help: "Session status transitions",
		},
		[]string{"to"},
	)

	DecisionsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdd_decisions_recorded_total",
			Help: "Field decisions recorded, by kind",
		},
		[]string{"kind"},
	)

	DecisionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdd_decision_rejections_total",
			Help: "Rejected decision submissions, by reason",
		},
		[]string{"reason"},
	)

	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cdd_batch_duration_seconds",
			Help:    "Wall time of one bulk scoring window",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		},
	)

	FieldsScored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdd_fields_scored_total",
			Help: "Fields scored by the batch scheduler, by outcome",
		},
		[]string{"outcome"},
	)

	GatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdd_gateway_calls_total",
			Help: "Matcher gateway invocations",
		},
		[]string{"op", "status"},
	)

	CandidatesReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cdd_candidates_returned",
			Help:    "Match candidates returned per find_matches call",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 10},
		},
	)

	TopConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cdd_top_confidence_score",
			Help:    "Confidence of the best candidate per find_matches call",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdd_llm_requests_total",
			Help: "Upstream LLM requests",
		},
		[]string{"model", "type", "status"},
	)

	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdd_llm_request_duration_seconds",
			Help:    "Upstream LLM request latency including retries",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"model", "type"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdd_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdd_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	ShortlistSource = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdd_shortlist_source_total",
			Help: "How the attribute shortlist for a prompt was produced",
		},
		[]string{"source"},
	)

	CatalogAttributes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cdd_catalog_attributes",
			Help: "Attributes in the CDD catalog after the last populate",
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SessionsCreated,
			SessionsDeleted,
			SessionTransitions,
			DecisionsRecorded,
			DecisionRejections,
			BatchDuration,
			FieldsScored,
			GatewayCalls,
			CandidatesReturned,
			TopConfidence,
			LLMRequestsTotal,
			LLMRequestDuration,
			LLMTokensUsed,
			CircuitBreakerState,
			ShortlistSource,
			CatalogAttributes,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
