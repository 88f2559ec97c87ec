package memory

import (
	"sync"
	"time"

	"github.com/vladislavdragonenkov/opc/internal/domain"
)

// orderStoreInMemory — in-memory реализация OrderStore.
// Карта заказов наружу не отдаётся: все мутации проходят через методы,
// поэтому проверка ребра и запись статуса атомарны под одним мьютексом.
type orderStoreInMemory struct {
	mu     sync.RWMutex
	items  map[string]domain.Order
	byUser map[string][]string // порядок вставки сохраняется
}

// NewOrderStore возвращает in-memory хранилище заказов.
func NewOrderStore() domain.OrderStore {
	return &orderStoreInMemory{
		items:  make(map[string]domain.Order),
		byUser: make(map[string][]string),
	}
}

// Create сохраняет новый заказ и добавляет его в индекс пользователя.
func (s *orderStoreInMemory) Create(order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[order.ID]; exists {
		return domain.ErrOrderExists
	}
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	s.items[order.ID] = cloneOrder(order)
	s.byUser[order.UserID] = append(s.byUser[order.UserID], order.ID)
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (s *orderStoreInMemory) Get(id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// ListByUser возвращает заказы пользователя от свежих к старым.
// Индекс хранит порядок вставки, поэтому достаточно обратного обхода.
func (s *orderStoreInMemory) ListByUser(userID string, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	result := make([]domain.Order, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		order, ok := s.items[ids[i]]
		if !ok {
			continue
		}
		result = append(result, cloneOrder(order))
		if limit > 0 && len(result) >= limit {
			break
		}
	}

	return result, nil
}

// TransitionStatus атомарно проверяет допустимость ребра и записывает статус.
func (s *orderStoreInMemory) TransitionStatus(id string, next domain.OrderStatus) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if !domain.CanTransition(order.Status, next) {
		return domain.Order{}, domain.ErrInvalidTransition
	}

	order.Status = next
	order.UpdatedAt = time.Now().UTC()
	s.items[id] = order
	return cloneOrder(order), nil
}

// Statistics агрегирует заказы пользователя за один проход по его индексу.
func (s *orderStoreInMemory) Statistics(userID string) (domain.OrderStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.OrderStatistics{
		StatusDistribution: make(map[domain.OrderStatus]int),
	}

	var last time.Time
	for _, id := range s.byUser[userID] {
		order, ok := s.items[id]
		if !ok {
			continue
		}
		stats.TotalOrders++
		stats.StatusDistribution[order.Status]++
		stats.TotalSpent += order.TotalAmount
		if order.CreatedAt.After(last) {
			last = order.CreatedAt
		}
	}
	if stats.TotalOrders > 0 {
		stats.LastOrderTime = &last
	}

	return stats, nil
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = append([]domain.OrderItem(nil), src.Items...)
	return dst
}

var _ domain.OrderStore = (*orderStoreInMemory)(nil)
