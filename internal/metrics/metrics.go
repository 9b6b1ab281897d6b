// Package metrics содержит Prometheus-метрики сервиса.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "paywallet"

// Metrics объединяет счётчики кошельков, блокировок и сверки.
// Методы допускают nil-получатель, чтобы метрики можно было не подключать.
type Metrics struct {
	walletMutations     *prometheus.CounterVec
	ledgerWriteFailures prometheus.Counter
	lockConflicts       *prometheus.CounterVec
	settlements         *prometheus.CounterVec
	reconcileTicks      *prometheus.CounterVec
	reconcileDuration   prometheus.Histogram
	providerErrors      *prometheus.CounterVec
}

// New регистрирует метрики в reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		walletMutations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wallet",
				Name:      "mutations_total",
				Help:      "Wallet balance mutations by operation and result.",
			},
			[]string{"op", "result"},
		),
		ledgerWriteFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_write_failures_total",
				Help:      "Balance mutations whose ledger entry could not be written.",
			},
		),
		lockConflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "conflicts_total",
				Help:      "Lock acquisitions rejected because the key was already held.",
			},
			[]string{"scope"},
		),
		settlements: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transaction",
				Name:      "settlements_total",
				Help:      "Transaction state changes by resulting status and origin.",
			},
			[]string{"status", "origin"},
		),
		reconcileTicks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "ticks_total",
				Help:      "Reconciliation ticks by result.",
			},
			[]string{"result"},
		),
		reconcileDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "tick_duration_seconds",
				Help:      "Duration of completed reconciliation ticks.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		providerErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "errors_total",
				Help:      "Failed provider status queries.",
			},
			[]string{"provider"},
		),
	}
}

func (m *Metrics) ObserveWalletMutation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.walletMutations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveLedgerWriteFailure() {
	if m == nil {
		return
	}
	m.ledgerWriteFailures.Inc()
}

func (m *Metrics) ObserveLockConflict(scope string) {
	if m == nil {
		return
	}
	m.lockConflicts.WithLabelValues(scope).Inc()
}

func (m *Metrics) ObserveSettlement(status, origin string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(status, origin).Inc()
}

// ObserveReconcileTick учитывает тик сверки. Длительность пишется только для выполненных тиков.
func (m *Metrics) ObserveReconcileTick(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.reconcileTicks.WithLabelValues(result).Inc()
	if result == "done" {
		m.reconcileDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveProviderError(provider string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider).Inc()
}
