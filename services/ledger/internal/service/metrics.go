package service

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/fee"
	"github.com/jibrelnetwork/jibrel-com-backend-sub001/services/ledger/internal/ledger"
)

type Metrics struct {
	OperationsTotal    *prometheus.CounterVec
	TransitionsTotal   *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	BalanceLookups     *prometheus.CounterVec
	FeeLookups         *prometheus.CounterVec
	EventErrors        *prometheus.CounterVec
	FeeCacheRefreshDur prometheus.Histogram
	FeeCacheSize       prometheus.Gauge
	FeeCacheErrors     prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Total operations created by type and result.",
			},
			[]string{"type", "result"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transitions_total",
				Help: "Total operation status transitions by target status and result.",
			},
			[]string{"status", "result"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Ledger call duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		BalanceLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_balance_lookups_total",
				Help: "Total balance lookups.",
			},
			[]string{"status"},
		),
		FeeLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_fee_lookups_total",
				Help: "Total fee rule lookups.",
			},
			[]string{"source"},
		),
		EventErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_event_errors_total",
				Help: "Total operation events that could not be delivered.",
			},
			[]string{"event_type"},
		),
		FeeCacheRefreshDur: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_fee_cache_refresh_duration_seconds",
				Help:    "Fee rule cache refresh duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		FeeCacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledger_fee_cache_size",
				Help: "Number of fee rules cached.",
			},
		),
		FeeCacheErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_fee_cache_refresh_errors_total",
				Help: "Total fee rule cache refresh failures.",
			},
		),
	}

	registry.MustRegister(
		m.OperationsTotal,
		m.TransitionsTotal,
		m.OperationDuration,
		m.BalanceLookups,
		m.FeeLookups,
		m.EventErrors,
		m.FeeCacheRefreshDur,
		m.FeeCacheSize,
		m.FeeCacheErrors,
	)
	return m
}

func (m *Metrics) IncOperation(opType ledger.OperationType, result string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(string(opType), result).Inc()
}

func (m *Metrics) IncTransition(status ledger.OperationStatus, result string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(string(status), result).Inc()
}

func (m *Metrics) ObserveDuration(method string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncBalanceLookup(status string) {
	if m == nil {
		return
	}
	m.BalanceLookups.WithLabelValues(status).Inc()
}

func (m *Metrics) IncFeeLookup(source string) {
	if m == nil {
		return
	}
	m.FeeLookups.WithLabelValues(source).Inc()
}

func (m *Metrics) IncEventError(eventType EventType) {
	if m == nil {
		return
	}
	m.EventErrors.WithLabelValues(string(eventType)).Inc()
}

func (m *Metrics) ObserveRefresh(duration time.Duration) {
	if m == nil {
		return
	}
	m.FeeCacheRefreshDur.Observe(duration.Seconds())
}

func (m *Metrics) SetCacheSize(size int) {
	if m == nil {
		return
	}
	m.FeeCacheSize.Set(float64(size))
}

func (m *Metrics) IncRefreshError() {
	if m == nil {
		return
	}
	m.FeeCacheErrors.Inc()
}

var _ fee.RefreshMetrics = (*Metrics)(nil)

// resultLabel buckets an error into a low-cardinality metric label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrUnbalanced):
		return "unbalanced"
	case errors.Is(err, ledger.ErrInvariant):
		return "invariant"
	case errors.Is(err, ledger.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ledger.ErrDuplicateOperation):
		return "duplicate"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, fee.ErrRuleNotFound):
		return "fee_rule_missing"
	}
	return "error"
}
