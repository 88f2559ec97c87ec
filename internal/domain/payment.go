package domain

import "time"

// PaymentStatus описывает состояние платежа.
type PaymentStatus string

const (
	// PaymentStatusPending — платёж создан, settlement ещё не разрешился.
	PaymentStatusPending PaymentStatus = "PENDING"
	// PaymentStatusSuccess — платёж успешно проведён; терминальный статус.
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
	// PaymentStatusFailed — платёж отклонён; терминальный статус.
	PaymentStatusFailed PaymentStatus = "FAILED"
)

// Terminal сообщает, является ли статус конечным.
// Терминальный статус неизменяем: побеждает первая терминальная запись.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusSuccess || s == PaymentStatusFailed
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusSuccess, PaymentStatusFailed:
		return true
	default:
		return false
	}
}

// Payment описывает платёж, связанный ровно с одним заказом.
// Индекс orderID → paymentID в PaymentStore гарантирует не более одного
// платежа на заказ.
type Payment struct {
	ID        string
	OrderID   string
	UserID    string
	Amount    float64
	Method    string
	Status    PaymentStatus
	CreatedAt time.Time
	// SettledAt заполняется первой терминальной записью.
	SettledAt *time.Time
	// CallbackData — непрозрачные данные внешнего уведомления, если оно пришло.
	CallbackData map[string]any
}

// Validate проверяет корректность полей платежа и возвращает ошибки, если они есть.
func (p *Payment) Validate() []error {
	var errs []error

	if p.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if p.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if p.Method == "" {
		errs = append(errs, ErrMethodRequired)
	}
	if p.Amount <= 0 {
		errs = append(errs, ErrAmountInvalid)
	}

	return errs
}

// PaymentDetails — обогащённое представление платежа для чтения.
// TransactionTime вычисляется при чтении: время settlement, если оно было,
// иначе время создания.
type PaymentDetails struct {
	Payment

	OrderRef        string
	TransactionTime time.Time
}

// NewPaymentDetails строит read-представление платежа.
func NewPaymentDetails(payment Payment) PaymentDetails {
	tx := payment.CreatedAt
	if payment.SettledAt != nil {
		tx = *payment.SettledAt
	}
	return PaymentDetails{
		Payment:         payment,
		OrderRef:        payment.OrderID,
		TransactionTime: tx,
	}
}
