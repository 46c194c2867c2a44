package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the pre-order service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ordersPlaced     prometheus.Counter
	transitions      *prometheus.CounterVec
	activeOrders     prometheus.Gauge
	signals          *prometheus.CounterVec
	activityAttempts *prometheus.CounterVec
	activityLatency  *prometheus.HistogramVec
	compensations    *prometheus.CounterVec
	compFailed       prometheus.Counter
	timersFired      *prometheus.CounterVec
	timerLag         *prometheus.HistogramVec
	notifyErrors     *prometheus.CounterVec

	streamPending *prometheus.GaugeVec
	streamErrors  *prometheus.CounterVec
	streamDLQ     *prometheus.CounterVec
}

// New creates a metrics registry and registers pre-order metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "preorder_orders_placed_total",
			Help: "Total number of placed pre-orders.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preorder_transitions_total",
			Help: "Order status transitions.",
		}, []string{"from", "to"}),
		activeOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "preorder_active_orders",
			Help: "Orders with a running actor.",
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preorder_signals_total",
			Help: "Signals delivered to orders by result (applied, ignored).",
		}, []string{"kind", "result"}),
		activityAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preorder_activity_attempts_total",
			Help: "External call attempts by outcome (success, retry, terminal).",
		}, []string{"operation", "outcome"}),
		activityLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "preorder_activity_duration_seconds",
			Help:    "Wall time of an external call including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preorder_compensations_total",
			Help: "Compensation steps by kind and outcome.",
		}, []string{"kind", "outcome"}),
		compFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "preorder_compensation_failed_total",
			Help: "Orders that entered CompensationFailed.",
		}),
		timersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preorder_timers_fired_total",
			Help: "Timer firings delivered by purpose.",
		}, []string{"purpose"}),
		timerLag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "preorder_timer_lag_seconds",
			Help:    "Delay between a timer's fires_at and its delivery.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 3600},
		}, []string{"purpose"}),
		notifyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preorder_notification_errors_total",
			Help: "Customer notifications that could not be delivered.",
		}, []string{"kind"}),
		streamPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redis_stream_pending",
			Help: "Number of pending messages in Redis Streams consumer groups.",
		}, []string{"stream", "group"}),
		streamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_stream_handler_errors_total",
			Help: "Total number of stream handler errors.",
		}, []string{"stream", "group"}),
		streamDLQ: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_stream_dlq_total",
			Help: "Total number of messages moved to Redis Stream DLQ.",
		}, []string{"stream", "group"}),
	}

	registry.MustRegister(
		m.ordersPlaced, m.transitions, m.activeOrders, m.signals,
		m.activityAttempts, m.activityLatency, m.compensations, m.compFailed,
		m.timersFired, m.timerLag, m.notifyErrors,
		m.streamPending, m.streamErrors, m.streamDLQ,
	)
	return m
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncOrdersPlaced() {
	if m == nil {
		return
	}
	m.ordersPlaced.Inc()
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncActiveOrders() {
	if m == nil {
		return
	}
	m.activeOrders.Inc()
}

func (m *Metrics) DecActiveOrders() {
	if m == nil {
		return
	}
	m.activeOrders.Dec()
}

func (m *Metrics) IncSignal(kind, result string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(kind, result).Inc()
}

// ObserveAttempt counts one call attempt.
func (m *Metrics) ObserveAttempt(operation, outcome string) {
	if m == nil {
		return
	}
	m.activityAttempts.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveActivity(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.activityLatency.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) IncCompensation(kind, outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) IncCompensationFailed() {
	if m == nil {
		return
	}
	m.compFailed.Inc()
}

// ObserveTimerFired records a delivered firing and how late it was.
func (m *Metrics) ObserveTimerFired(purpose string, lag time.Duration) {
	if m == nil {
		return
	}
	m.timersFired.WithLabelValues(purpose).Inc()
	if lag < 0 {
		lag = 0
	}
	m.timerLag.WithLabelValues(purpose).Observe(lag.Seconds())
}

func (m *Metrics) IncNotificationError(kind string) {
	if m == nil {
		return
	}
	m.notifyErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetStreamPending(stream, group string, pending int64) {
	if m == nil {
		return
	}
	m.streamPending.WithLabelValues(stream, group).Set(float64(pending))
}

func (m *Metrics) IncStreamError(stream, group string) {
	if m == nil {
		return
	}
	m.streamErrors.WithLabelValues(stream, group).Inc()
}

func (m *Metrics) IncStreamDLQ(stream, group string) {
	if m == nil {
		return
	}
	m.streamDLQ.WithLabelValues(stream, group).Inc()
}
