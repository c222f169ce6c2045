// Package metrics exposes ledger counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classattend/internal/apperr"
	"classattend/internal/attendance"
)

const namespace = "classattend"

// Recorder implements attendance.Recorder on a Prometheus registry.
type Recorder struct {
	tokensIssued   *prometheus.CounterVec
	issueFailures  *prometheus.CounterVec
	redemptions    *prometheus.CounterVec
	redeemSeconds  prometheus.Histogram
	tokensPurged   prometheus.Counter
	reconcileDrift *prometheus.GaugeVec
	reconcileRuns  prometheus.Counter
}

var _ attendance.Recorder = (*Recorder)(nil)

// New registers the ledger metrics on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		tokensIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Tokens issued, by course.",
		}, []string{"course"}),
		issueFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_issue_failures_total",
			Help:      "Rejected or failed batch issuances, by error kind.",
		}, []string{"kind"}),
		redemptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Redemption attempts, by outcome.",
		}, []string{"outcome"}),
		redeemSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "redeem_duration_seconds",
			Help:      "Time spent handling a redemption.",
			Buckets:   prometheus.DefBuckets,
		}),
		tokensPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_purged_total",
			Help:      "Tokens removed by purge.",
		}),
		reconcileDrift: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_missing_records",
			Help:      "Used tokens without a matching attendance record at the last reconcile, by course.",
		}, []string{"course"}),
		reconcileRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Completed reconciliations.",
		}),
	}
}

func (r *Recorder) TokensIssued(course string, n int) {
	r.tokensIssued.WithLabelValues(course).Add(float64(n))
}

func (r *Recorder) IssueFailed(kind apperr.Kind) {
	r.issueFailures.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) Redemption(kind apperr.Kind, d time.Duration) {
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	r.redemptions.WithLabelValues(outcome).Inc()
	r.redeemSeconds.Observe(d.Seconds())
}

func (r *Recorder) TokensPurged(n int64) {
	r.tokensPurged.Add(float64(n))
}

func (r *Recorder) Reconciled(rc attendance.Reconciliation) {
	r.reconcileRuns.Inc()
	missing := rc.UsedTokens - rc.Records
	if missing < 0 {
		missing = 0
	}
	r.reconcileDrift.WithLabelValues(rc.CourseCode).Set(float64(missing))
}

// NewRegistry returns a registry preloaded with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
