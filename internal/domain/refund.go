package domain

import "time"

// RefundStatus описывает состояние возврата средств.
type RefundStatus string

const (
	// RefundStatusProcessing — возврат создан и ожидает разрешения.
	RefundStatusProcessing RefundStatus = "PROCESSING"
	// RefundStatusCompleted — возврат проведён; терминальный статус.
	RefundStatusCompleted RefundStatus = "COMPLETED"
	// RefundStatusFailed — возврат отклонён шлюзом; терминальный статус.
	RefundStatusFailed RefundStatus = "FAILED"
)

// Terminal сообщает, является ли статус конечным.
// Как и для платежей, побеждает первая терминальная запись.
func (s RefundStatus) Terminal() bool {
	return s == RefundStatusCompleted || s == RefundStatusFailed
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s RefundStatus) Valid() bool {
	switch s {
	case RefundStatusProcessing, RefundStatusCompleted, RefundStatusFailed:
		return true
	default:
		return false
	}
}

// Refund описывает возврат средств по платежу.
// Сумма возврата не превышает сумму платежа: некорректные значения
// приводятся к полной сумме при создании.
type Refund struct {
	ID        string
	PaymentID string
	OrderID   string
	Amount    float64
	Reason    string
	Status    RefundStatus
	CreatedAt time.Time
	// ResolvedAt заполняется первой терминальной записью.
	ResolvedAt *time.Time
}

// Validate проверяет корректность полей возврата.
func (r *Refund) Validate() []error {
	var errs []error

	if r.PaymentID == "" {
		errs = append(errs, ErrPaymentIDRequired)
	}
	if r.Amount <= 0 {
		errs = append(errs, ErrAmountInvalid)
	}

	return errs
}
