package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_messages_total",
			Help: "Messages processed per account, by outcome.",
		},
		// Outcome is fetched, inserted, skipped or failed.
		[]string{"account", "outcome"},
	)
	metricAccountFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_account_failures_total",
			Help: "Accounts that did not complete a run.",
		},
		[]string{"account"},
	)
	metricConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_merge_conflicts_total",
			Help: "Reference-chain conflicts found by the repair pass.",
		},
		[]string{"account"},
	)
	metricRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sync_runs_total",
			Help: "Finished sync runs, by status.",
		},
		[]string{"status"},
	)
	metricRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailsync_sync_run_duration_seconds",
			Help:    "Wall time of sync runs.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
)

func observeCounters(account string, fetched, inserted, skipped, failed int) {
	metricMessages.WithLabelValues(account, "fetched").Add(float64(fetched))
	metricMessages.WithLabelValues(account, "inserted").Add(float64(inserted))
	metricMessages.WithLabelValues(account, "skipped").Add(float64(skipped))
	metricMessages.WithLabelValues(account, "failed").Add(float64(failed))
}
