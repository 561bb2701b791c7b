package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "games"

// Metrics groups the Prometheus collectors of the service. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	stockAdjustments *prometheus.CounterVec
	saleOutcomes     *prometheus.CounterVec
	messages         *prometheus.CounterVec
	processing       *prometheus.HistogramVec
	inflight         prometheus.Gauge
}

// New registers the service collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		stockAdjustments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_adjustments_total",
			Help:      "Stock add/sub operations by result.",
		}, []string{"operation", "result"}),
		saleOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sale_outcomes_total",
			Help:      "Sale reconciliation outcomes by status and failure class.",
		}, []string{"status", "class"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_messages_total",
			Help:      "Sale messages settled by the intake loop, by outcome and acknowledgment action.",
		}, []string{"status", "action"}),
		processing: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sales_processing_duration_seconds",
			Help:      "Time from receipt to settlement of a sale message.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sales_inflight_messages",
			Help:      "Sale messages currently being processed.",
		}),
	}
}

// StockAdjusted counts a stock operation. result is "ok" or a notification code.
func (m *Metrics) StockAdjusted(operation, result string) {
	if m == nil {
		return
	}
	m.stockAdjustments.WithLabelValues(operation, result).Inc()
}

// SaleOutcome counts a reconciliation outcome.
func (m *Metrics) SaleOutcome(status, class string) {
	if m == nil {
		return
	}
	m.saleOutcomes.WithLabelValues(status, class).Inc()
}

// MessageSettled counts a settled message and observes its processing time.
func (m *Metrics) MessageSettled(status, action string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(status, action).Inc()
	m.processing.WithLabelValues(action).Observe(elapsed.Seconds())
}

// MessageStarted increments the in-flight gauge.
func (m *Metrics) MessageStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// MessageFinished decrements the in-flight gauge.
func (m *Metrics) MessageFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}
