package domain

import "time"

// OrderStore описывает требования к хранилищу заказов.
// Это единственная точка мутации заказа: статус меняется только через
// TransitionStatus, проверка допустимости ребра и запись атомарны.
type OrderStore interface {
	// Create сохраняет новый заказ. Возвращает ErrOrderExists, если ID уже занят.
	Create(order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(id string) (Order, error)
	// ListByUser возвращает заказы пользователя от свежих к старым,
	// с опциональным ограничением на количество (limit > 0).
	ListByUser(userID string, limit int) ([]Order, error)
	// TransitionStatus переводит заказ по ребру статусной машины и возвращает
	// обновлённую запись. Недопустимое ребро — ErrInvalidTransition.
	TransitionStatus(id string, next OrderStatus) (Order, error)
	// Statistics агрегирует заказы пользователя без побочных эффектов.
	Statistics(userID string) (OrderStatistics, error)
}

// PaymentStore описывает требования к хранилищу платежей и возвратов.
type PaymentStore interface {
	// CreateIdempotent атомарно проверяет индекс orderID → paymentID и вставляет
	// платёж. Если платёж по заказу уже есть, возвращает существующую запись
	// и created=false — новая запись не создаётся.
	CreateIdempotent(payment Payment) (stored Payment, created bool, err error)
	// Get возвращает платёж по идентификатору или ErrPaymentNotFound.
	Get(id string) (Payment, error)
	// ByOrder возвращает платёж заказа через идемпотентный индекс.
	ByOrder(orderID string) (Payment, error)
	// ListByUser возвращает платежи пользователя в порядке создания.
	ListByUser(userID string) ([]Payment, error)
	// MarkSettled записывает терминальный статус платежа. Побеждает первая
	// терминальная запись: для уже разрешённого платежа возвращается
	// applied=false без ошибки. Нетерминальный статус отклоняется.
	MarkSettled(id string, status PaymentStatus, callbackData map[string]any) (payment Payment, applied bool, err error)
	// Validate сообщает, существует ли по заказу платёж с данным пользователем.
	Validate(orderID, userID string) (bool, error)

	// CreateRefund сохраняет возврат в статусе PROCESSING.
	CreateRefund(refund Refund) error
	// GetRefund возвращает возврат по идентификатору или ErrRefundNotFound.
	GetRefund(id string) (Refund, error)
	// ResolveRefund записывает терминальный статус возврата по тем же правилам,
	// что и MarkSettled.
	ResolveRefund(id string, status RefundStatus) (refund Refund, applied bool, err error)
}

// SettlementQueue принимает платежи на асинхронное разрешение.
// Enqueue не блокируется: false означает, что задача не принята
// и платёж остаётся в PENDING.
type SettlementQueue interface {
	Enqueue(paymentID, orderID string) bool
}

// RefundQueue принимает возвраты на асинхронное разрешение.
type RefundQueue interface {
	Enqueue(refundID, orderID string) bool
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
