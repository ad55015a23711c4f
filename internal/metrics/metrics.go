// Package metrics exposes Prometheus instruments for reconciliation passes.
//
//	ledger_passes_total{mode,result}         passes by mode (snapshot|import|replay) and result
//	ledger_records_total{outcome}            created|updated|closed|renamed|stale|pending|skipped
//	ledger_violations_total{kind}            violations raised by the evaluator
//	ledger_transitions_total{from,to}        phase transitions
//	ledger_pass_duration_seconds{mode}       end-to-end pass latency
//	ledger_lock_wait_seconds                 time spent acquiring the account lock
//	ledger_account_balance{account}          balance after the last pass
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// Pass results.
const (
	ResultOK          = "ok"
	ResultError       = "error"
	ResultLockTimeout = "lock_timeout"
)

// Metrics holds the collectors registered for one process.
type Metrics struct {
	passes       *prometheus.CounterVec
	records      *prometheus.CounterVec
	violations   *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	lockWait     prometheus.Histogram
	balance      *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_passes_total",
				Help: "Reconciliation passes by mode and result.",
			},
			[]string{"mode", "result"},
		),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_records_total",
				Help: "Ledger records touched by outcome.",
			},
			[]string{"outcome"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_violations_total",
				Help: "Rule violations raised, by kind.",
			},
			[]string{"kind"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transitions_total",
				Help: "Phase transitions.",
			},
			[]string{"from", "to"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_pass_duration_seconds",
				Help:    "Reconciliation pass latency.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"mode"},
		),
		lockWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_lock_wait_seconds",
				Help:    "Time spent acquiring the per-account lock.",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		balance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledger_account_balance",
				Help: "Account balance after the last pass.",
			},
			[]string{"account"},
		),
		gatherer: reg,
	}
	reg.MustRegister(m.passes, m.records, m.violations, m.transitions, m.passDuration, m.lockWait, m.balance)
	return m
}

// ObservePass records one finished pass. res may be nil when the pass
// failed before producing a result.
func (m *Metrics) ObservePass(mode string, res *domain.PassResult, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.passes.WithLabelValues(mode, result).Inc()
	m.passDuration.WithLabelValues(mode).Observe(took.Seconds())
	if res == nil {
		return
	}

	for outcome, n := range map[string]int{
		"created": res.Created,
		"updated": res.Updated,
		"closed":  res.Closed,
		"renamed": res.Renamed,
		"stale":   res.Stale,
		"pending": res.Pending,
		"skipped": len(res.Skipped),
	} {
		if n > 0 {
			m.records.WithLabelValues(outcome).Add(float64(n))
		}
	}
	for _, v := range res.Violations {
		m.violations.WithLabelValues(string(v.Kind)).Inc()
	}
	if res.Transition != nil {
		m.transitions.WithLabelValues(string(res.Transition.From), string(res.Transition.To)).Inc()
	}
	m.balance.WithLabelValues(res.AccountID).Set(res.PhaseState.CurrentBalance.InexactFloat64())
}

// ObserveLockTimeout counts a pass abandoned because the lock stayed held.
func (m *Metrics) ObserveLockTimeout(mode string) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(mode, ResultLockTimeout).Inc()
}

// ObserveLockWait records how long acquiring the account lock took.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
