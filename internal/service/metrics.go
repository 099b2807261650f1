package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Settlement outcomes used as the "outcome" label.
const (
	outcomeFree                = "free"
	outcomeCharged             = "charged"
	outcomeReplayed            = "replayed"
	outcomeInvalid             = "invalid"
	outcomeNotFound            = "not_found"
	outcomePlanRequired        = "plan_required"
	outcomeInsufficientBalance = "insufficient_balance"
	outcomeIdempotencyMismatch = "idempotency_mismatch"
	outcomePersistence         = "persistence_failure"
	outcomeError               = "error"
)

var (
	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meterbill_settlements_total",
		Help: "Settlement attempts, labeled by outcome",
	}, []string{"outcome"})

	settlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meterbill_settlement_duration_seconds",
		Help:    "Latency of settlement including transaction retries",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	settlementRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meterbill_settlement_retries_total",
		Help: "Settlement transactions re-run after a retryable storage failure",
	})

	settledAmountTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meterbill_settled_amount_total",
		Help: "Sum of settled cost in minor currency units",
	})
)
