package payroll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_payroll_cycles_total",
		Help: "Settlement cycle triggers, labeled by result (ran, skipped, error)",
	}, []string{"result"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_payroll_cycle_duration_seconds",
		Help:    "Wall time of settlement cycles that acquired the lock",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	payoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_payroll_payouts_total",
		Help: "Per-beneficiary settlement outcomes (created, skipped, failed)",
	}, []string{"result"})

	relayTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_payout_relay_total",
		Help: "Payout relay outcomes (sent, failed, error)",
	}, []string{"result"})
)
