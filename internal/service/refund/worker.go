package refund

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
	defaultWorkers     = 2
	defaultDelay       = 1500 * time.Millisecond
	defaultQueueSize   = 128
	defaultSuccessRate = 0.9
)

var (
	refundProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opc_refund_processed_total",
		Help: "Total number of refunds processed by the refund pool, by terminal status.",
	}, []string{"status"})
	refundQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opc_refund_queue_depth",
		Help: "Current number of refunds waiting in the refund queue.",
	})
)

// Outcome определяет терминальный статус возврата.
type Outcome func(refund domain.Refund) domain.RefundStatus

// ResultHook вызывается после каждого обработанного возврата.
// Используется в тестах для синхронизации с пулом.
type ResultHook func(refund domain.Refund, applied bool)

// WorkerOptions задаёт параметры пула возвратов.
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

// WithDelay задаёт имитируемую задержку обработки возврата.
func WithDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.Delay = delay
	}
}

// WithQueueSize задаёт ёмкость очереди возвратов.
func WithQueueSize(size int) Option {
	return func(opts *WorkerOptions) {
		opts.QueueSize = size
	}
}

// WithOutcome заменяет генератор исхода возврата.
func WithOutcome(outcome Outcome) Option {
	return func(opts *WorkerOptions) {
		opts.Outcome = outcome
	}
}

// WithResultHook задаёт hook, вызываемый после обработки возврата.
func WithResultHook(hook ResultHook) Option {
	return func(opts *WorkerOptions) {
		opts.ResultHook = hook
	}
}

// WithOutbox задаёт outbox для публикации событий refund.resolved.
func WithOutbox(outbox domain.OutboxRepository) Option {
	return func(opts *WorkerOptions) {
		opts.Outbox = outbox
	}
}

// DefaultOutcome воспроизводит поведение платёжного шлюза:
// возврат успешен с вероятностью 0.9.
func DefaultOutcome(domain.Refund) domain.RefundStatus {
	if rand.Float64() < defaultSuccessRate {
		return domain.RefundStatusCompleted
	}
	return domain.RefundStatusFailed
}

type task struct {
	refundID string
	orderID  string
}

// Worker — пул горутин, асинхронно обрабатывающий возвраты.
// Успешный возврат переводит заказ REFUNDING → REFUNDED; при неудаче
// заказ остаётся в REFUNDING для ручного разбора.
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

// NewWorker создаёт пул обработки возвратов.
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
		logger = log.WithField("component", "refund-worker")
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

// Enqueue ставит возврат в очередь обработки.
// Возвращает false, если очередь переполнена.
func (w *Worker) Enqueue(refundID, orderID string) bool {
	select {
	case w.queue <- task{refundID: refundID, orderID: orderID}:
		refundQueueDepth.Inc()
		return true
	default:
		w.logger.WithField("refund_id", refundID).Warn("refund queue is full")
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
					refundQueueDepth.Dec()
					w.process(ctx, t)
				}
			}
		}()
	}

	w.logger.WithFields(log.Fields{
		"workers": w.workers,
		"delay":   w.delay,
	}).Info("refund pool started")

	w.wg.Wait()
	w.drainQueue()
	w.logger.Info("refund pool stopped")
}

// drainQueue освобождает очередь после остановки пула.
// Невыполненные задачи отбрасываются, их возвраты остаются в PROCESSING.
func (w *Worker) drainQueue() {
	dropped := 0
	for {
		select {
		case t := <-w.queue:
			refundQueueDepth.Dec()
			dropped++
			w.logger.WithField("refund_id", t.refundID).Debug("refund task dropped on shutdown")
		default:
			if dropped > 0 {
				w.logger.WithField("dropped", dropped).Warn("refund queue drained, refunds stay PROCESSING")
			}
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, t task) {
	// Имитация времени обработки возврата шлюзом.
	if w.delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.delay):
		}
	}

	current, err := w.payments.GetRefund(t.refundID)
	if err != nil {
		w.logger.WithError(err).WithField("refund_id", t.refundID).Error("refund skipped: lookup failed")
		return
	}

	status := w.outcome(current)
	refund, applied, err := w.payments.ResolveRefund(t.refundID, status)
	if err != nil {
		w.logger.WithError(err).WithFields(log.Fields{
			"refund_id": t.refundID,
			"status":    status,
		}).Error("failed to resolve refund")
		return
	}

	if applied {
		refundProcessed.WithLabelValues(string(refund.Status)).Inc()

		if refund.Status == domain.RefundStatusCompleted {
			if _, err := w.orders.TransitionStatus(t.orderID, domain.OrderStatusRefunded); err != nil {
				w.logger.WithError(err).WithFields(log.Fields{
					"order_id":  t.orderID,
					"refund_id": refund.ID,
				}).Warn("refund completed but order transition failed")
			}
		} else {
			// Заказ остаётся в REFUNDING: повторная попытка выполняется вручную.
			w.logger.WithFields(log.Fields{
				"order_id":  t.orderID,
				"refund_id": refund.ID,
			}).Warn("refund failed, order left in REFUNDING")
		}

		w.emitResolvedEvent(refund)

		w.logger.WithFields(log.Fields{
			"refund_id": refund.ID,
			"order_id":  t.orderID,
			"status":    refund.Status,
		}).Info("refund resolved")
	} else {
		w.logger.WithFields(log.Fields{
			"refund_id": refund.ID,
			"status":    refund.Status,
		}).Debug("refund already resolved, skipping")
	}

	if w.hook != nil {
		w.hook(refund, applied)
	}
}

func (w *Worker) emitResolvedEvent(refund domain.Refund) {
	if w.outbox == nil {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"event_type": kafka.EventTypeRefundResolved,
		"refund_id":  refund.ID,
		"payment_id": refund.PaymentID,
		"order_id":   refund.OrderID,
		"status":     refund.Status,
		"amount":     refund.Amount,
		"timestamp":  time.Now().UTC(),
	})
	if err != nil {
		w.logger.WithError(err).WithField("refund_id", refund.ID).Warn("failed to marshal refund event")
		return
	}

	if _, err := w.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: "refund",
		AggregateID:   refund.ID,
		EventType:     string(kafka.EventTypeRefundResolved),
		Payload:       payload,
	}); err != nil {
		w.logger.WithError(err).WithField("refund_id", refund.ID).Warn("failed to enqueue refund event")
	}
}
