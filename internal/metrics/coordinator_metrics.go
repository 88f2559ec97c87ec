package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CoordinatorMetrics содержит метрики жизненного цикла заказов и платежей.
type CoordinatorMetrics struct {
	// Счётчики операций
	ordersCreated   prometheus.Counter
	ordersCancelled prometheus.Counter
	paymentsCreated prometheus.Counter
	paymentsSettled *prometheus.CounterVec
	refundsResolved *prometheus.CounterVec

	// Гистограммы времени выполнения
	settlementDuration prometheus.Histogram
	refundDuration     prometheus.Histogram

	// Счётчик событий outbox
	outboxEvents prometheus.Counter

	// Gauge для платежей, ожидающих расчёта
	activeSettlements prometheus.Gauge
}

// NewCoordinatorMetrics создаёт новый экземпляр метрик координатора.
func NewCoordinatorMetrics() *CoordinatorMetrics {
	return newCoordinatorMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newCoordinatorMetricsWithRegisterer(registerer prometheus.Registerer) *CoordinatorMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CoordinatorMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "opc_orders_created_total",
			Help: "Total number of orders created",
		}),
		ordersCancelled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "opc_orders_cancelled_total",
			Help: "Total number of orders cancelled",
		}),
		paymentsCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "opc_payments_created_total",
			Help: "Total number of payments created",
		}),
		paymentsSettled: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "opc_payments_settled_total",
			Help: "Total number of payments settled, by terminal status",
		}, []string{"status"}),
		refundsResolved: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "opc_refunds_resolved_total",
			Help: "Total number of refunds resolved, by terminal status",
		}, []string{"status"}),
		settlementDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "opc_settlement_duration_seconds",
			Help:    "Duration of payment settlement in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		refundDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "opc_refund_duration_seconds",
			Help:    "Duration of refund processing in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 1.5, 2.5, 5.0, 10.0},
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "opc_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		activeSettlements: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "opc_active_settlements",
			Help: "Number of payments currently awaiting settlement",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *CoordinatorMetrics) RecordOrderCreated() {
	m.ordersCreated.Inc()
}

// RecordOrderCancelled увеличивает счётчик отменённых заказов.
func (m *CoordinatorMetrics) RecordOrderCancelled() {
	m.ordersCancelled.Inc()
}

// RecordPaymentCreated увеличивает счётчик созданных платежей
// и количество платежей, ожидающих расчёта.
func (m *CoordinatorMetrics) RecordPaymentCreated() {
	m.paymentsCreated.Inc()
	m.activeSettlements.Inc()
}

// RecordPaymentSettled увеличивает счётчик рассчитанных платежей
// и уменьшает количество ожидающих.
func (m *CoordinatorMetrics) RecordPaymentSettled(status string) {
	m.paymentsSettled.WithLabelValues(status).Inc()
	m.activeSettlements.Dec()
}

// RecordRefundResolved увеличивает счётчик завершённых возвратов.
func (m *CoordinatorMetrics) RecordRefundResolved(status string) {
	m.refundsResolved.WithLabelValues(status).Inc()
}

// RecordSettlementDuration записывает время расчёта платежа.
func (m *CoordinatorMetrics) RecordSettlementDuration(duration time.Duration) {
	m.settlementDuration.Observe(duration.Seconds())
}

// RecordRefundDuration записывает время обработки возврата.
func (m *CoordinatorMetrics) RecordRefundDuration(duration time.Duration) {
	m.refundDuration.Observe(duration.Seconds())
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *CoordinatorMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
