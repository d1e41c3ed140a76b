// internal/service/order/domain/event.go
package domain

import "time"

// OrderQueuedEvent 在熔断开路、订单转入异步重试时发布到重试 topic。
// 消息只携带订单 ID 与追踪信息，重试 worker 以仓储中的订单为准。
type OrderQueuedEvent struct {
	OrderID  string    `json:"orderId"`
	HolderID string    `json:"holderId"`
	Attempts int       `json:"attempts"`
	QueuedAt time.Time `json:"queuedAt"`
}
