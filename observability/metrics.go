package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Commit outcomes used as the "outcome" label of CommitsTotal.
const (
	OutcomeCommitted  = "committed"
	OutcomeFailed     = "failed"
	OutcomeIncomplete = "incomplete"
	OutcomeRejected   = "rejected"
)

// Metrics holds the collectors emitted by commit operations.
type Metrics struct {
	// CommitsTotal counts commit attempts by outcome and write mode.
	CommitsTotal *prometheus.CounterVec

	// CommitDuration tracks commit latency in seconds.
	CommitDuration prometheus.Histogram

	// PagesWritten counts pages written into committed documents.
	PagesWritten prometheus.Counter

	// PagesDropped counts pages excluded by the deletion set.
	PagesDropped prometheus.Counter
}

// NewMetrics registers the commit collectors on reg. A nil reg leaves them
// unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CommitsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagekit_commits_total",
				Help: "Commit attempts by outcome and write mode",
			},
			[]string{"outcome", "mode"},
		),
		CommitDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pagekit_commit_duration_seconds",
				Help:    "Commit duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		PagesWritten: f.NewCounter(
			prometheus.CounterOpts{
				Name: "pagekit_pages_written_total",
				Help: "Pages written into committed documents",
			},
		),
		PagesDropped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "pagekit_pages_dropped_total",
				Help: "Pages excluded from committed documents",
			},
		),
	}
}
