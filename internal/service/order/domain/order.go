// internal/service/order/domain/order.go
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// OrderItem 是订单的一个行项目。FlashSale 的行项目走预约通道，
// 库存带 TTL 暂扣；普通行项目直接走台账。
type OrderItem struct {
	ProductID string
	Quantity  int
	UnitPrice int64 // 以分为单位
	FlashSale bool
}

// Order 是订单聚合的根实体。
type Order struct {
	ID            string
	HolderID      string
	Items         []OrderItem
	PaymentMethod string
	State         State
	Attempts      int    // 已经历的支付尝试次数（含异步重试）
	PaymentRef    string // 支付成功后网关返回的流水号
	FailReason    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOrder 创建一个处于 RECEIVED 状态的订单实体。
func NewOrder(holderID, paymentMethod string, items []OrderItem, now time.Time) (*Order, error) {
	if holderID == "" || len(items) == 0 {
		return nil, errors.New("cannot create order with empty holder or items")
	}
	for _, item := range items {
		if item.ProductID == "" || item.Quantity <= 0 {
			return nil, errors.Errorf("invalid order item %q quantity %d", item.ProductID, item.Quantity)
		}
	}
	return &Order{
		ID:            uuid.New().String(),
		HolderID:      holderID,
		Items:         items,
		PaymentMethod: paymentMethod,
		State:         StateReceived,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Amount 返回订单总金额（分）。
func (o *Order) Amount() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.UnitPrice * int64(item.Quantity)
	}
	return total
}

func (o *Order) transition(to State, now time.Time) error {
	if o.State.Terminal() {
		return errors.Errorf("order %s is already terminal in state %s", o.ID, o.State)
	}
	o.State = to
	o.UpdatedAt = now
	return nil
}

// MarkAdmitted 记录限流闸门放行。
func (o *Order) MarkAdmitted(now time.Time) error { return o.transition(StateAdmitted, now) }

// MarkStockHeld 记录所有行项目库存暂扣完成。
func (o *Order) MarkStockHeld(now time.Time) error { return o.transition(StateStockHeld, now) }

// MarkPaymentPending 记录支付调用开始。
func (o *Order) MarkPaymentPending(now time.Time) error {
	return o.transition(StatePaymentPending, now)
}

// Complete 记录支付成功与库存提交，进入终态。
func (o *Order) Complete(paymentRef string, now time.Time) error {
	if err := o.transition(StateCompleted, now); err != nil {
		return err
	}
	o.PaymentRef = paymentRef
	return nil
}

// FailPayment 记录支付终局失败，进入终态。
func (o *Order) FailPayment(reason string, now time.Time) error {
	if err := o.transition(StatePaymentFailed, now); err != nil {
		return err
	}
	o.FailReason = reason
	return nil
}

// Queue 记录订单因熔断开路转入异步重试队列。
func (o *Order) Queue(now time.Time) error { return o.transition(StateQueued, now) }

// Reject 记录订单在准入或库存阶段被拒。
func (o *Order) Reject(reason string, now time.Time) error {
	if err := o.transition(StateRejected, now); err != nil {
		return err
	}
	o.FailReason = reason
	return nil
}

// Requeue 把一个 QUEUED 订单拉回 RECEIVED，供异步重试重新推进状态机。
func (o *Order) Requeue(now time.Time) error {
	if o.State != StateQueued {
		return errors.Errorf("only queued orders can be retried, order %s is %s", o.ID, o.State)
	}
	o.State = StateReceived
	o.UpdatedAt = now
	return nil
}
