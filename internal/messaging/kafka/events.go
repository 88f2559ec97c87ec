package kafka

import "time"

// EventType определяет тип события
type EventType string

const (
	// Order события
	EventTypeOrderCreated   EventType = "order.created"
	EventTypeOrderPaid      EventType = "order.paid"
	EventTypeOrderCancelled EventType = "order.cancelled"
	EventTypeOrderRefunding EventType = "order.refunding"
	EventTypeOrderRefunded  EventType = "order.refunded"

	// Payment события
	EventTypePaymentCreated EventType = "payment.created"
	EventTypePaymentSettled EventType = "payment.settled"

	// Refund события
	EventTypeRefundRequested EventType = "refund.requested"
	EventTypeRefundResolved  EventType = "refund.resolved"
)

// Topics для Kafka
const (
	TopicOrderEvents      = "opc.order.events"
	TopicPaymentEvents    = "opc.payment.events"
	TopicPaymentCallbacks = "opc.payment.callbacks"
	TopicDeadLetterQueue  = "opc.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// OrderEvent представляет событие жизненного цикла заказа
type OrderEvent struct {
	EventType EventType              `json:"event_type"`
	OrderID   string                 `json:"order_id"`
	UserID    string                 `json:"user_id"`
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PaymentEvent представляет событие жизненного цикла платежа
type PaymentEvent struct {
	EventType EventType              `json:"event_type"`
	PaymentID string                 `json:"payment_id"`
	OrderID   string                 `json:"order_id"`
	UserID    string                 `json:"user_id"`
	Status    string                 `json:"status"`
	Amount    float64                `json:"amount"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PaymentCallbackEvent — внешнее уведомление платёжного шлюза о
// результате расчёта. Status обязан быть терминальным.
type PaymentCallbackEvent struct {
	PaymentID string                 `json:"payment_id"`
	Status    string                 `json:"status"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewOrderEvent создает новое событие заказа
func NewOrderEvent(eventType EventType, orderID, userID, status string, metadata map[string]interface{}) *OrderEvent {
	return &OrderEvent{
		EventType: eventType,
		OrderID:   orderID,
		UserID:    userID,
		Status:    status,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
}

// NewPaymentEvent создает новое событие платежа
func NewPaymentEvent(eventType EventType, paymentID, orderID, userID, status string, amount float64, metadata map[string]interface{}) *PaymentEvent {
	return &PaymentEvent{
		EventType: eventType,
		PaymentID: paymentID,
		OrderID:   orderID,
		UserID:    userID,
		Status:    status,
		Amount:    amount,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
}
