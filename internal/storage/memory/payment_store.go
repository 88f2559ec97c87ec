package memory

import (
	"sync"
	"time"

	"github.com/vladislavdragonenkov/opc/internal/domain"
)

// paymentStoreInMemory — in-memory реализация PaymentStore.
// Индекс byOrder — якорь идемпотентности: проверка и вставка выполняются
// под одним мьютексом, поэтому конкурентные CreateIdempotent по одному
// заказу дают ровно одну запись.
type paymentStoreInMemory struct {
	mu      sync.RWMutex
	items   map[string]domain.Payment
	refunds map[string]domain.Refund
	byOrder map[string]string   // orderID → paymentID
	byUser  map[string][]string // порядок вставки сохраняется
}

// NewPaymentStore возвращает in-memory хранилище платежей и возвратов.
func NewPaymentStore() domain.PaymentStore {
	return &paymentStoreInMemory{
		items:   make(map[string]domain.Payment),
		refunds: make(map[string]domain.Refund),
		byOrder: make(map[string]string),
		byUser:  make(map[string][]string),
	}
}

// CreateIdempotent атомарно проверяет индекс заказа и вставляет платёж.
func (s *paymentStoreInMemory) CreateIdempotent(payment domain.Payment) (domain.Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byOrder[payment.OrderID]; ok {
		return clonePayment(s.items[existingID]), false, nil
	}

	s.items[payment.ID] = clonePayment(payment)
	s.byOrder[payment.OrderID] = payment.ID
	s.byUser[payment.UserID] = append(s.byUser[payment.UserID], payment.ID)
	return clonePayment(payment), true, nil
}

// Get возвращает платёж или ErrPaymentNotFound, если его нет.
func (s *paymentStoreInMemory) Get(id string) (domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payment, ok := s.items[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return clonePayment(payment), nil
}

// ByOrder возвращает платёж заказа через идемпотентный индекс.
func (s *paymentStoreInMemory) ByOrder(orderID string) (domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byOrder[orderID]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return clonePayment(s.items[id]), nil
}

// ListByUser возвращает платежи пользователя в порядке создания.
func (s *paymentStoreInMemory) ListByUser(userID string) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	result := make([]domain.Payment, 0, len(ids))
	for _, id := range ids {
		if payment, ok := s.items[id]; ok {
			result = append(result, clonePayment(payment))
		}
	}
	return result, nil
}

// MarkSettled записывает терминальный статус платежа.
// Побеждает первая терминальная запись: повторная попытка возвращает
// applied=false без ошибки, состояние не меняется.
func (s *paymentStoreInMemory) MarkSettled(id string, status domain.PaymentStatus, callbackData map[string]any) (domain.Payment, bool, error) {
	if !status.Terminal() {
		return domain.Payment{}, false, domain.ErrCallbackStatusInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	payment, ok := s.items[id]
	if !ok {
		return domain.Payment{}, false, domain.ErrPaymentNotFound
	}
	if payment.Status.Terminal() {
		return clonePayment(payment), false, nil
	}

	now := time.Now().UTC()
	payment.Status = status
	payment.SettledAt = &now
	if callbackData != nil {
		payment.CallbackData = cloneCallbackData(callbackData)
	}
	s.items[id] = payment
	return clonePayment(payment), true, nil
}

// Validate сообщает, есть ли по заказу платёж данного пользователя.
func (s *paymentStoreInMemory) Validate(orderID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byOrder[orderID]
	if !ok {
		return false, nil
	}
	payment, ok := s.items[id]
	return ok && payment.UserID == userID, nil
}

// CreateRefund сохраняет возврат в статусе PROCESSING.
func (s *paymentStoreInMemory) CreateRefund(refund domain.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refunds[refund.ID] = refund
	return nil
}

// GetRefund возвращает возврат или ErrRefundNotFound, если его нет.
func (s *paymentStoreInMemory) GetRefund(id string) (domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refund, ok := s.refunds[id]
	if !ok {
		return domain.Refund{}, domain.ErrRefundNotFound
	}
	return refund, nil
}

// ResolveRefund записывает терминальный статус возврата по правилу
// первой терминальной записи.
func (s *paymentStoreInMemory) ResolveRefund(id string, status domain.RefundStatus) (domain.Refund, bool, error) {
	if !status.Terminal() {
		return domain.Refund{}, false, domain.ErrCallbackStatusInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	refund, ok := s.refunds[id]
	if !ok {
		return domain.Refund{}, false, domain.ErrRefundNotFound
	}
	if refund.Status.Terminal() {
		return refund, false, nil
	}

	now := time.Now().UTC()
	refund.Status = status
	refund.ResolvedAt = &now
	s.refunds[id] = refund
	return refund, true, nil
}

func clonePayment(src domain.Payment) domain.Payment {
	dst := src
	if src.SettledAt != nil {
		settled := *src.SettledAt
		dst.SettledAt = &settled
	}
	if src.CallbackData != nil {
		dst.CallbackData = cloneCallbackData(src.CallbackData)
	}
	return dst
}

func cloneCallbackData(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

var _ domain.PaymentStore = (*paymentStoreInMemory)(nil)
