// Package metrics holds the prometheus collectors of the ledger engine.
// Collectors register on the default registry; cmd/server exposes them on
// /metrics through promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Recomputes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "balance_recomputes_total",
		Help:      "Balance recomputations by account type and result.",
	}, []string{"account_type", "result"})

	StaleAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledger",
		Name:      "stale_accounts",
		Help:      "Accounts whose cached balance was still stale at the last check.",
	})

	Validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "balance_validations_total",
		Help:      "Cached balance validations by verdict.",
	}, []string{"verdict"})

	Fusions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "fusions_total",
		Help:      "Fusion and reversal attempts by operation, account type and outcome.",
	}, []string{"operation", "account_type", "outcome"})

	AggregateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledger",
		Name:      "aggregate_balances_seconds",
		Help:      "Time spent computing every balance of an account type.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"account_type"})
)

// Result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)
