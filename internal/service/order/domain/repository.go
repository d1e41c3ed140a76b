// internal/service/order/domain/repository.go
package domain

import "context"

// OrderRepository 定义了订单聚合的持久化接口。
// 它位于领域层，由基础设施层实现。
type OrderRepository interface {
	// Save 保存一个订单聚合（创建或更新）。
	Save(ctx context.Context, order *Order) error

	// FindByID 根据 ID 查找一个订单聚合，不存在时返回 ErrOrderNotFound。
	FindByID(ctx context.Context, id string) (*Order, error)
}

// QueuedOrderProducer 把转入异步重试的订单发布到重试队列。
type QueuedOrderProducer interface {
	Publish(ctx context.Context, event *OrderQueuedEvent) error
}
