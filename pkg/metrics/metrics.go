// Package metrics holds the Prometheus collectors of the payment core.
package metrics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokopay"

// Metrics is the collector set. A nil *Metrics is valid and records nothing.
type Metrics struct {
	CallbacksTotal        *prometheus.CounterVec
	GatewayCallsTotal     *prometheus.CounterVec
	GatewayCallDuration   *prometheus.HistogramVec
	ReconciliationFlagged *prometheus.CounterVec
	SweepRunsTotal        prometheus.Counter
	SweepActionsTotal     *prometheus.CounterVec
	StockReserveFailures  prometheus.Counter
	OrdersFinalized       *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		CallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Payment callbacks handled, by gateway and outcome.",
		}, []string{"gateway", "outcome"}),
		GatewayCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Calls made to payment gateways, by gateway, operation and result.",
		}, []string{"gateway", "operation", "result"}),
		GatewayCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Latency of payment gateway calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"gateway", "operation"}),
		ReconciliationFlagged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_flagged_total",
			Help:      "Transactions flagged for operator reconciliation, by reason.",
		}, []string{"reason"}),
		SweepRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Reconciliation sweep runs.",
		}),
		SweepActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_actions_total",
			Help:      "Actions taken by the reconciliation sweep.",
		}, []string{"action"}),
		StockReserveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_reserve_failures_total",
			Help:      "Finalize attempts rejected for insufficient stock.",
		}),
		OrdersFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_finalized_total",
			Help:      "Carts finalized into orders, by gateway.",
		}, []string{"gateway"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.CallbacksTotal,
		m.GatewayCallsTotal,
		m.GatewayCallDuration,
		m.ReconciliationFlagged,
		m.SweepRunsTotal,
		m.SweepActionsTotal,
		m.StockReserveFailures,
		m.OrdersFinalized,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format as a Fiber handler.
func (m *Metrics) Handler() fiber.Handler {
	if m == nil {
		return func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNotFound) }
	}
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}

// ObserveCallback counts a handled callback.
func (m *Metrics) ObserveCallback(gateway, outcome string) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(gateway, outcome).Inc()
}

// ObserveGatewayCall records the result and latency of a gateway call.
func (m *Metrics) ObserveGatewayCall(gateway, operation, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.GatewayCallsTotal.WithLabelValues(gateway, operation, result).Inc()
	m.GatewayCallDuration.WithLabelValues(gateway, operation).Observe(elapsed.Seconds())
}

// Flagged counts a transaction handed over to operators.
func (m *Metrics) Flagged(reason string) {
	if m == nil {
		return
	}
	m.ReconciliationFlagged.WithLabelValues(reason).Inc()
}

// SweepRun counts one sweep pass.
func (m *Metrics) SweepRun() {
	if m == nil {
		return
	}
	m.SweepRunsTotal.Inc()
}

// SweepAction counts one sweep action.
func (m *Metrics) SweepAction(action string) {
	if m == nil {
		return
	}
	m.SweepActionsTotal.WithLabelValues(action).Inc()
}

// StockReserveFailed counts a rejected reservation.
func (m *Metrics) StockReserveFailed() {
	if m == nil {
		return
	}
	m.StockReserveFailures.Inc()
}

// OrderFinalized counts a finalized cart.
func (m *Metrics) OrderFinalized(gateway string) {
	if m == nil {
		return
	}
	m.OrdersFinalized.WithLabelValues(gateway).Inc()
}
