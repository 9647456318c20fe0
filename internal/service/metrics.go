package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankops_transfers_total",
		Help: "Transfer outcomes by result",
	}, []string{"result"})

	lockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bankops_lock_wait_seconds",
		Help:    "Time spent acquiring both account locks",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	entriesPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankops_ledger_entries_total",
		Help: "Ledger entries posted by type",
	}, []string{"entry_type"})
)
