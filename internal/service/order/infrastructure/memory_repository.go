// internal/service/order/infrastructure/memory_repository.go
package infrastructure

import (
	"context"
	"sync"

	"bastion/internal/service/order/domain"
)

// MemoryOrderRepository 是 OrderRepository 的内存实现，供测试和单进程运行。
type MemoryOrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{orders: make(map[string]domain.Order)}
}

func (r *MemoryOrderRepository) Save(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = *order
	return nil
}

func (r *MemoryOrderRepository) FindByID(_ context.Context, id string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	copied := order
	return &copied, nil
}

// FindQueued 返回最多 limit 个仍处于 QUEUED 的订单。
func (r *MemoryOrderRepository) FindQueued(_ context.Context, limit int) ([]*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var orders []*domain.Order
	for _, order := range r.orders {
		if order.State != domain.StateQueued {
			continue
		}
		copied := order
		orders = append(orders, &copied)
		if len(orders) >= limit {
			break
		}
	}
	return orders, nil
}
