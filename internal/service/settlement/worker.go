package settlement

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/opc/internal/domain"
	"github.com/vladislavdragonenkov/opc/internal/messaging/kafka"
)

const (
	defaultWorkers     = 4
	defaultDelay       = 1 * time.Second
	defaultQueueSize   = 256
	defaultSuccessRate = 0.8
)

var (
	settlementProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opc_settlement_processed_total",
		Help: "Total number of payments processed by the settlement pool, by terminal status.",
	}, []string{"status"})
	settlementQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opc_settlement_queue_depth",
		Help: "Current number of payments waiting in the settlement queue.",
	})
	settlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "opc_settlement_processing_seconds",
		Help:    "Time between enqueue and terminal settlement of a payment.",
		Buckets: prometheus.DefBuckets,
	})
)

// Outcome определяет терминальный статус платежа при расчёте.
type Outcome func(payment domain.Payment) domain.PaymentStatus

// ResultHook вызывается после каждого обработанного платежа.
// Используется в тестах для синхронизации с пулом.
type ResultHook func(payment domain.Payment, applied bool)

// WorkerOptions задаёт параметры пула расчёта платежей.
type WorkerOptions struct {
	Logger     *log.Entry
	Workers    int
	Delay      time.Duration
	QueueSize  int
	Outcome    Outcome
	ResultHook ResultHook
	Outbox     domain.OutboxRepository
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для пула.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithWorkers задаёт число горутин пула.
func WithWorkers(workers int) Option {
	return func(opts *WorkerOptions) {
		opts.Workers = workers
	}
}

// WithDelay задаёт имитируемую задержку платёжного шлюза.
func WithDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.Delay = delay
	}
}

// WithQueueSize задаёт ёмкость очереди расчёта.
func WithQueueSize(size int) Option {
	return func(opts *WorkerOptions) {
		opts.QueueSize = size
	}
}

// WithOutcome заменяет генератор исхода расчёта.
func WithOutcome(outcome Outcome) Option {
	return func(opts *WorkerOptions) {
		opts.Outcome = outcome
	}
}

// WithResultHook задаёт hook, вызываемый после обработки платежа.
func WithResultHook(hook ResultHook) Option {
	return func(opts *WorkerOptions) {
		opts.ResultHook = hook
	}
}

// WithOutbox задаёт outbox для публикации событий payment.settled.
func WithOutbox(outbox domain.OutboxRepository) Option {
	return func(opts *WorkerOptions) {
		opts.Outbox = outbox
	}
}

// DefaultOutcome воспроизводит поведение платёжного шлюза:
// расчёт успешен с вероятностью 0.8.
func DefaultOutcome(domain.Payment) domain.PaymentStatus {
	if rand.Float64() < defaultSuccessRate {
		return domain.PaymentStatusSuccess
	}
	return domain.PaymentStatusFailed
}

type task struct {
	paymentID string
	orderID   string
	enqueued  time.Time
}

// Worker — пул горутин, асинхронно рассчитывающий платежи.
// Каждая задача после задержки получает терминальный статус через
// PaymentStore.MarkSettled; успешный расчёт переводит заказ в PAID.
type Worker struct {
	payments domain.PaymentStore
	orders   domain.OrderStore
	outbox   domain.OutboxRepository
	logger   *log.Entry
	workers  int
	delay    time.Duration
	outcome  Outcome
	hook     ResultHook
	queue    chan task
	wg       sync.WaitGroup
}

// NewWorker создаёт пул расчёта платежей.
func NewWorker(payments domain.PaymentStore, orders domain.OrderStore, options ...Option) *Worker {
	opts := WorkerOptions{
		Workers:   defaultWorkers,
		Delay:     defaultDelay,
		QueueSize: defaultQueueSize,
		Outcome:   DefaultOutcome,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "settlement-worker")
	}

	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Outcome == nil {
		opts.Outcome = DefaultOutcome
	}

	return &Worker{
		payments: payments,
		orders:   orders,
		outbox:   opts.Outbox,
		logger:   logger,
		workers:  opts.Workers,
		delay:    opts.Delay,
		outcome:  opts.Outcome,
		hook:     opts.ResultHook,
		queue:    make(chan task, opts.QueueSize),
	}
}

// Enqueue ставит платёж в очередь расчёта.
// Возвращает false, если очередь переполнена.
func (w *Worker) Enqueue(paymentID, orderID string) bool {
	select {
	case w.queue <- task{paymentID: paymentID, orderID: orderID, enqueued: time.Now()}:
		settlementQueueDepth.Inc()
		return true
	default:
		w.logger.WithField("payment_id", paymentID).Warn("settlement queue is full")
		return false
	}
}

// Run запускает пул и блокируется до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-w.queue:
					settlementQueueDepth.Dec()
					w.process(ctx, t)
				}
			}
		}()
	}

	w.logger.WithFields(log.Fields{
		"workers": w.workers,
		"delay":   w.delay,
	}).Info("settlement pool started")

	w.wg.Wait()
	w.drainQueue()
	w.logger.Info("settlement pool stopped")
}

// drainQueue освобождает очередь после остановки пула.
// Невыполненные задачи отбрасываются, их платежи остаются в PENDING.
func (w *Worker) drainQueue() {
	dropped := 0
	for {
		select {
		case t := <-w.queue:
			settlementQueueDepth.Dec()
			dropped++
			w.logger.WithField("payment_id", t.paymentID).Debug("settlement task dropped on shutdown")
		default:
			if dropped > 0 {
				w.logger.WithField("dropped", dropped).Warn("settlement queue drained, payments stay PENDING")
			}
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, t task) {
	// Имитация времени ответа платёжного шлюза.
	if w.delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.delay):
		}
	}

	current, err := w.payments.Get(t.paymentID)
	if err != nil {
		w.logger.WithError(err).WithField("payment_id", t.paymentID).Error("settlement skipped: payment lookup failed")
		return
	}

	status := w.outcome(current)
	payment, applied, err := w.payments.MarkSettled(t.paymentID, status, nil)
	if err != nil {
		w.logger.WithError(err).WithFields(log.Fields{
			"payment_id": t.paymentID,
			"status":     status,
		}).Error("failed to settle payment")
		return
	}

	if applied {
		settlementProcessed.WithLabelValues(string(payment.Status)).Inc()
		settlementDuration.Observe(time.Since(t.enqueued).Seconds())

		if payment.Status == domain.PaymentStatusSuccess {
			if _, err := w.orders.TransitionStatus(t.orderID, domain.OrderStatusPaid); err != nil {
				// Заказ мог быть отменён до завершения расчёта.
				w.logger.WithError(err).WithFields(log.Fields{
					"order_id":   t.orderID,
					"payment_id": payment.ID,
				}).Warn("settled payment but order transition failed")
			}
		}

		w.emitSettledEvent(payment)

		w.logger.WithFields(log.Fields{
			"payment_id": payment.ID,
			"order_id":   t.orderID,
			"status":     payment.Status,
		}).Info("payment settled")
	} else {
		w.logger.WithFields(log.Fields{
			"payment_id": payment.ID,
			"status":     payment.Status,
		}).Debug("payment already settled, skipping")
	}

	if w.hook != nil {
		w.hook(payment, applied)
	}
}

func (w *Worker) emitSettledEvent(payment domain.Payment) {
	if w.outbox == nil {
		return
	}

	payload, err := json.Marshal(kafka.NewPaymentEvent(
		kafka.EventTypePaymentSettled,
		payment.ID,
		payment.OrderID,
		payment.UserID,
		string(payment.Status),
		payment.Amount,
		nil,
	))
	if err != nil {
		w.logger.WithError(err).WithField("payment_id", payment.ID).Warn("failed to marshal settlement event")
		return
	}

	if _, err := w.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: "payment",
		AggregateID:   payment.ID,
		EventType:     string(kafka.EventTypePaymentSettled),
		Payload:       payload,
	}); err != nil {
		w.logger.WithError(err).WithField("payment_id", payment.ID).Warn("failed to enqueue settlement event")
	}
}
