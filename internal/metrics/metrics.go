package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AssessmentsTotal counts completed assessments by action.
	AssessmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrisk",
		Name:      "assessments_total",
		Help:      "Completed risk assessments by resulting action",
	}, []string{"action"})

	// AssessmentDuration tracks end-to-end assessment latency.
	AssessmentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "payrisk",
		Name:      "assessment_duration_seconds",
		Help:      "End-to-end assessment latency",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MLFallbacks counts assessments scored by the heuristic instead of
	// the model.
	MLFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payrisk",
		Name:      "ml_fallbacks_total",
		Help:      "Assessments that fell back to the heuristic scorer",
	})

	// DegradedAssessments counts assessments that ran without full context.
	DegradedAssessments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payrisk",
		Name:      "degraded_assessments_total",
		Help:      "Assessments completed in degraded mode",
	})

	// DeferredPersists counts assessments queued to the retry stream.
	DeferredPersists = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payrisk",
		Name:      "deferred_persists_total",
		Help:      "Assessments whose persist was deferred to the retry stream",
	})

	// IdempotentReplays counts assessments answered from the idempotency
	// ledger.
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payrisk",
		Name:      "idempotent_replays_total",
		Help:      "Assessment requests answered by replaying a prior result",
	})

	// RuleTriggers counts individual rule hits.
	RuleTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrisk",
		Name:      "rule_triggers_total",
		Help:      "Rule catalog hits by flag",
	}, []string{"flag"})

	// CacheHits and CacheMisses track context cache effectiveness by key
	// class (payer:ctx, recv:ctx, ...).
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrisk",
		Name:      "cache_hits_total",
		Help:      "Context cache hits by key class",
	}, []string{"class"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrisk",
		Name:      "cache_misses_total",
		Help:      "Context cache misses by key class",
	}, []string{"class"})

	// TrustUpdates counts applied trust score updates by outcome.
	TrustUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrisk",
		Name:      "trust_updates_total",
		Help:      "Applied trust updates by payment outcome",
	}, []string{"outcome"})
)
