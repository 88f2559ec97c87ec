package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка при некорректной цене позиции (<= 0).
	ErrItemPriceInvalid = errors.New("item unit price must be greater than zero")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order total does not match items sum")
	// Ошибка некорректной суммы платежа или возврата.
	ErrAmountInvalid = errors.New("amount must be greater than zero")
	// Ошибка отсутствующего способа оплаты.
	ErrMethodRequired = errors.New("payment method is required")
	// Ошибка отсутствующего идентификатора заказа в платеже/возврате.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка отсутствующего идентификатора платежа в возврате.
	ErrPaymentIDRequired = errors.New("payment_id is required")

	// ErrOrderNotFound возвращается, если заказ не найден в хранилище.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists сигнализирует о повторном создании заказа с тем же ID.
	ErrOrderExists = errors.New("order already exists")
	// ErrPaymentNotFound возвращается, если платёж не найден в хранилище.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrRefundNotFound возвращается, если возврат не найден в хранилище.
	ErrRefundNotFound = errors.New("refund not found")

	// ErrInvalidTransition — недопустимое ребро статусной машины заказа.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrRefundInvalidState — возврат возможен только по платежу в статусе SUCCESS.
	ErrRefundInvalidState = errors.New("refund requires a successful payment")
	// ErrCallbackStatusInvalid — внешний callback обязан нести терминальный статус.
	ErrCallbackStatusInvalid = errors.New("callback status must be terminal")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsNotFound проверяет, относится ли ошибка к классу "запись отсутствует".
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrRefundNotFound)
}
