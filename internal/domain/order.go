package domain

import (
	"fmt"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPendingPayment — заказ создан и ожидает оплату.
	OrderStatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	// OrderStatusPaid — оплата подтверждена settlement-воркером или внешним callback.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusCancelled — заказ отменён до оплаты; терминальный статус.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusRefunding — по успешному платежу создан возврат, ждём его разрешения.
	OrderStatusRefunding OrderStatus = "REFUNDING"
	// OrderStatusRefunded — возврат завершён; терминальный статус.
	OrderStatusRefunded OrderStatus = "REFUNDED"
)

// orderTransitions задаёт допустимые рёбра статусной машины заказа.
// Любой переход вне этой таблицы отклоняется с ErrInvalidTransition.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingPayment: {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:           {OrderStatusRefunding},
	OrderStatusRefunding:      {OrderStatusRefunded},
}

// CanTransition сообщает, допустим ли переход from → to.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPendingPayment, OrderStatusPaid, OrderStatusCancelled,
		OrderStatusRefunding, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	// ProductID — внешний идентификатор товара.
	ProductID string
	// UnitPrice — цена за единицу.
	UnitPrice float64
	// Quantity — количество единиц товара.
	Quantity int32
}

// Order агрегирует состояние заказа и его позиции.
// Поле Status меняется только через OrderStore.TransitionStatus.
type Order struct {
	ID          string
	UserID      string
	Items       []OrderItem
	TotalAmount float64
	Status      OrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ItemsTotal возвращает сумму позиций: unitPrice * quantity.
func ItemsTotal(items []OrderItem) float64 {
	var total float64
	for _, item := range items {
		total += item.UnitPrice * float64(item.Quantity)
	}
	return total
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPrice <= 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}
	// Сумма заказа фиксируется при создании и обязана совпадать с суммой позиций.
	if len(o.Items) > 0 && o.TotalAmount != ItemsTotal(o.Items) {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// OrderDetails — обогащённое представление заказа для чтения.
// Display-поля вычисляются при каждом чтении и нигде не сохраняются,
// поэтому повторные чтения идемпотентны и не расходятся со Status.
type OrderDetails struct {
	Order

	PaymentStatus  string
	ShippingStatus string
	OrderNumber    string
}

// NewOrderDetails строит read-представление заказа с display-плейсхолдерами.
// Номер заказа детерминирован: выводится из CreatedAt, а не из текущего времени.
func NewOrderDetails(order Order) OrderDetails {
	suffix := order.ID
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return OrderDetails{
		Order:          order,
		PaymentStatus:  "UNPAID",
		ShippingStatus: "NOT_SHIPPED",
		OrderNumber:    fmt.Sprintf("ORD-%d-%s", order.CreatedAt.UnixMilli(), suffix),
	}
}

// OrderStatistics — агрегат по заказам одного пользователя.
type OrderStatistics struct {
	TotalOrders        int
	StatusDistribution map[OrderStatus]int
	TotalSpent         float64
	// LastOrderTime — время создания самого свежего заказа; nil, если заказов нет.
	LastOrderTime *time.Time
}
