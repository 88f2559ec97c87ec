package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/opc/internal/domain"
	"github.com/vladislavdragonenkov/opc/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/opc/internal/metrics"
)

// Options задаёт необязательные зависимости координатора.
type Options struct {
	Logger  *log.Entry
	Outbox  domain.OutboxRepository
	Metrics *metrics.CoordinatorMetrics
}

// Option настраивает Coordinator.
type Option func(*Options)

// WithLogger задаёт logger координатора.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithOutbox задаёт outbox для публикации lifecycle-событий.
func WithOutbox(outbox domain.OutboxRepository) Option {
	return func(opts *Options) {
		opts.Outbox = outbox
	}
}

// WithMetrics задаёт метрики координатора.
func WithMetrics(m *metrics.CoordinatorMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// Coordinator связывает жизненные циклы заказов и платежей: заказ
// оплачивается не более чем одним платежом, расчёт и возврат выполняются
// асинхронно через очереди пулов.
type Coordinator struct {
	orders      domain.OrderStore
	payments    domain.PaymentStore
	settlements domain.SettlementQueue
	refunds     domain.RefundQueue
	outbox      domain.OutboxRepository
	metrics     *metrics.CoordinatorMetrics
	logger      *log.Entry
}

// New создаёт координатор поверх хранилищ и очередей пулов.
func New(orders domain.OrderStore, payments domain.PaymentStore, settlements domain.SettlementQueue, refunds domain.RefundQueue, options ...Option) *Coordinator {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "coordinator")
	}

	return &Coordinator{
		orders:      orders,
		payments:    payments,
		settlements: settlements,
		refunds:     refunds,
		outbox:      opts.Outbox,
		metrics:     opts.Metrics,
		logger:      logger,
	}
}

// CreateOrder создаёт заказ в статусе PENDING_PAYMENT.
// Сумма заказа вычисляется по позициям.
func (c *Coordinator) CreateOrder(ctx context.Context, userID string, items []domain.OrderItem) (domain.Order, error) {
	now := time.Now().UTC()
	order := domain.Order{
		ID:          domain.NewOrderID(),
		UserID:      userID,
		Items:       items,
		TotalAmount: domain.ItemsTotal(items),
		Status:      domain.OrderStatusPendingPayment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errors.Join(errs...)
	}

	if err := c.orders.Create(order); err != nil {
		return domain.Order{}, err
	}

	if c.metrics != nil {
		c.metrics.RecordOrderCreated()
	}
	c.emit("order", order.ID, kafka.EventTypeOrderCreated, kafka.NewOrderEvent(
		kafka.EventTypeOrderCreated, order.ID, order.UserID, string(order.Status), nil))

	c.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"user_id":  order.UserID,
		"amount":   order.TotalAmount,
	}).Info("order created")

	return order, nil
}

// GetOrder возвращает заказ, обогащённый деталями доставки и оплаты.
// Повторные чтения дают идентичный результат.
func (c *Coordinator) GetOrder(ctx context.Context, id string) (domain.OrderDetails, error) {
	order, err := c.orders.Get(id)
	if err != nil {
		return domain.OrderDetails{}, err
	}
	return domain.NewOrderDetails(order), nil
}

// ListUserOrders возвращает заказы пользователя от свежих к старым.
// limit <= 0 означает без ограничения.
func (c *Coordinator) ListUserOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if userID == "" {
		return nil, domain.ErrUserRequired
	}
	return c.orders.ListByUser(userID, limit)
}

// CancelOrder отменяет заказ, ещё не перешедший к оплате.
func (c *Coordinator) CancelOrder(ctx context.Context, id string) (domain.Order, error) {
	order, err := c.orders.TransitionStatus(id, domain.OrderStatusCancelled)
	if err != nil {
		return domain.Order{}, err
	}

	if c.metrics != nil {
		c.metrics.RecordOrderCancelled()
	}
	c.emit("order", order.ID, kafka.EventTypeOrderCancelled, kafka.NewOrderEvent(
		kafka.EventTypeOrderCancelled, order.ID, order.UserID, string(order.Status), nil))

	c.logger.WithField("order_id", order.ID).Info("order cancelled")
	return order, nil
}

// TransitionOrder переводит заказ в указанный статус, если ребро допустимо.
func (c *Coordinator) TransitionOrder(ctx context.Context, id string, status domain.OrderStatus) (domain.Order, error) {
	if !status.Valid() {
		return domain.Order{}, domain.ErrInvalidTransition
	}
	return c.orders.TransitionStatus(id, status)
}

// GetOrderStatistics агрегирует заказы пользователя.
func (c *Coordinator) GetOrderStatistics(ctx context.Context, userID string) (domain.OrderStatistics, error) {
	if userID == "" {
		return domain.OrderStatistics{}, domain.ErrUserRequired
	}
	return c.orders.Statistics(userID)
}

// CreatePayment создаёт платёж по заказу и ставит его в очередь расчёта.
// На заказ допускается ровно один платёж: повторный вызов возвращает
// существующий платёж без второго расчёта.
func (c *Coordinator) CreatePayment(ctx context.Context, orderID, userID string, amount float64, method string) (domain.Payment, error) {
	switch {
	case orderID == "":
		return domain.Payment{}, domain.ErrOrderIDRequired
	case userID == "":
		return domain.Payment{}, domain.ErrUserRequired
	case amount <= 0:
		return domain.Payment{}, domain.ErrAmountInvalid
	case method == "":
		return domain.Payment{}, domain.ErrMethodRequired
	}

	if _, err := c.orders.Get(orderID); err != nil {
		return domain.Payment{}, err
	}

	payment := domain.Payment{
		ID:        domain.NewPaymentID(),
		OrderID:   orderID,
		UserID:    userID,
		Amount:    amount,
		Method:    method,
		Status:    domain.PaymentStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	created, applied, err := c.payments.CreateIdempotent(payment)
	if err != nil {
		return domain.Payment{}, err
	}

	if !applied {
		// Платёж по заказу уже есть: возвращаем его как есть,
		// включая FAILED — повторного расчёта не запускаем.
		c.logger.WithFields(log.Fields{
			"order_id":   orderID,
			"payment_id": created.ID,
			"status":     created.Status,
		}).Info("payment already exists for order")
		return created, nil
	}

	if c.metrics != nil {
		c.metrics.RecordPaymentCreated()
	}
	c.emit("payment", created.ID, kafka.EventTypePaymentCreated, kafka.NewPaymentEvent(
		kafka.EventTypePaymentCreated, created.ID, created.OrderID, created.UserID,
		string(created.Status), created.Amount, nil))

	if c.settlements != nil {
		if !c.settlements.Enqueue(created.ID, created.OrderID) {
			c.logger.WithField("payment_id", created.ID).Warn("settlement queue rejected payment")
		}
	}

	c.logger.WithFields(log.Fields{
		"payment_id": created.ID,
		"order_id":   created.OrderID,
		"amount":     created.Amount,
		"method":     created.Method,
	}).Info("payment created")

	return created, nil
}

// GetPaymentStatus возвращает платёж с деталями транзакции.
func (c *Coordinator) GetPaymentStatus(ctx context.Context, id string) (domain.PaymentDetails, error) {
	payment, err := c.payments.Get(id)
	if err != nil {
		return domain.PaymentDetails{}, err
	}
	return domain.NewPaymentDetails(payment), nil
}

// HandleCallback применяет уведомление платёжного шлюза о результате
// расчёта. Побеждает первая терминальная запись: проигравший callback
// возвращает false без ошибки. Неизвестный платёж тоже false.
func (c *Coordinator) HandleCallback(ctx context.Context, paymentID string, status domain.PaymentStatus, data map[string]any) (bool, error) {
	if !status.Terminal() {
		return false, domain.ErrCallbackStatusInvalid
	}

	payment, applied, err := c.payments.MarkSettled(paymentID, status, data)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			c.logger.WithField("payment_id", paymentID).Warn("callback for unknown payment")
			return false, nil
		}
		return false, err
	}

	if !applied {
		c.logger.WithFields(log.Fields{
			"payment_id": paymentID,
			"status":     payment.Status,
		}).Debug("callback lost the settlement race")
		return false, nil
	}

	if c.metrics != nil {
		c.metrics.RecordPaymentSettled(string(payment.Status))
	}
	c.emit("payment", payment.ID, kafka.EventTypePaymentSettled, kafka.NewPaymentEvent(
		kafka.EventTypePaymentSettled, payment.ID, payment.OrderID, payment.UserID,
		string(payment.Status), payment.Amount, data))

	if payment.Status == domain.PaymentStatusSuccess {
		if _, err := c.orders.TransitionStatus(payment.OrderID, domain.OrderStatusPaid); err != nil {
			c.logger.WithError(err).WithFields(log.Fields{
				"order_id":   payment.OrderID,
				"payment_id": payment.ID,
			}).Warn("callback settled payment but order transition failed")
		}
	}

	c.logger.WithFields(log.Fields{
		"payment_id": payment.ID,
		"order_id":   payment.OrderID,
		"status":     payment.Status,
	}).Info("payment callback applied")

	return true, nil
}

// Refund запускает возврат по успешно рассчитанному платежу.
// Заказ переводится в REFUNDING до постановки возврата в очередь.
func (c *Coordinator) Refund(ctx context.Context, paymentID string, amount float64, reason string) (domain.Refund, error) {
	if paymentID == "" {
		return domain.Refund{}, domain.ErrPaymentIDRequired
	}

	payment, err := c.payments.Get(paymentID)
	if err != nil {
		return domain.Refund{}, err
	}
	if payment.Status != domain.PaymentStatusSuccess {
		return domain.Refund{}, domain.ErrRefundInvalidState
	}

	// Некорректная сумма приводится к полной сумме платежа.
	if amount <= 0 || amount > payment.Amount {
		amount = payment.Amount
	}

	if _, err := c.orders.TransitionStatus(payment.OrderID, domain.OrderStatusRefunding); err != nil {
		return domain.Refund{}, err
	}

	refund := domain.Refund{
		ID:        domain.NewRefundID(),
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		Amount:    amount,
		Reason:    reason,
		Status:    domain.RefundStatusProcessing,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.payments.CreateRefund(refund); err != nil {
		return domain.Refund{}, err
	}

	c.emit("refund", refund.ID, kafka.EventTypeRefundRequested, map[string]any{
		"event_type": kafka.EventTypeRefundRequested,
		"refund_id":  refund.ID,
		"payment_id": refund.PaymentID,
		"order_id":   refund.OrderID,
		"amount":     refund.Amount,
		"reason":     refund.Reason,
		"timestamp":  refund.CreatedAt,
	})

	if c.refunds != nil {
		if !c.refunds.Enqueue(refund.ID, refund.OrderID) {
			c.logger.WithField("refund_id", refund.ID).Warn("refund queue rejected refund")
		}
	}

	c.logger.WithFields(log.Fields{
		"refund_id":  refund.ID,
		"payment_id": refund.PaymentID,
		"order_id":   refund.OrderID,
		"amount":     refund.Amount,
	}).Info("refund requested")

	return refund, nil
}

// GetRefund возвращает возврат по идентификатору.
func (c *Coordinator) GetRefund(ctx context.Context, id string) (domain.Refund, error) {
	return c.payments.GetRefund(id)
}

// ListUserPayments возвращает платежи пользователя в порядке создания.
func (c *Coordinator) ListUserPayments(ctx context.Context, userID string) ([]domain.Payment, error) {
	if userID == "" {
		return nil, domain.ErrUserRequired
	}
	return c.payments.ListByUser(userID)
}

// ValidatePayment сообщает, есть ли по заказу платёж данного пользователя.
func (c *Coordinator) ValidatePayment(ctx context.Context, orderID, userID string) (bool, error) {
	if orderID == "" {
		return false, domain.ErrOrderIDRequired
	}
	return c.payments.Validate(orderID, userID)
}

// emit кладёт lifecycle-событие в outbox. Ошибка публикации не
// прерывает операцию: события доставляются best effort.
func (c *Coordinator) emit(aggregateType, aggregateID string, eventType kafka.EventType, payload any) {
	if c.outbox == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.WithError(err).WithField("event_type", eventType).Warn("failed to marshal outbox event")
		return
	}

	if _, err := c.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     string(eventType),
		Payload:       data,
	}); err != nil {
		c.logger.WithError(err).WithField("event_type", eventType).Warn("failed to enqueue outbox event")
		return
	}

	if c.metrics != nil {
		c.metrics.RecordOutboxEvent()
	}
}

var _ kafka.CallbackHandler = (*Coordinator)(nil)
