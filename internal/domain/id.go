package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Идентификаторы наследуют формат внешнего протокола: префикс сущности
// плюс первые восемь символов uuid.
const idLength = 8

func newID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + raw[:idLength]
}

// NewOrderID генерирует идентификатор заказа вида ORDER_a1b2c3d4.
func NewOrderID() string { return newID("ORDER") }

// NewPaymentID генерирует идентификатор платежа вида PAY_a1b2c3d4.
func NewPaymentID() string { return newID("PAY") }

// NewRefundID генерирует идентификатор возврата вида REFUND_a1b2c3d4.
func NewRefundID() string { return newID("REFUND") }
