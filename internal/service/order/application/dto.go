// internal/service/order/application/dto.go
package application

import "bastion/internal/service/order/domain"

// SubmitOrderItem 是提交请求里的一个行项目。
type SubmitOrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	FlashSale bool   `json:"flashSale,omitempty"`
}

// SubmitOrderRequest 是下单用例的输入。
type SubmitOrderRequest struct {
	HolderID      string            `json:"holderId"`
	PaymentMethod string            `json:"paymentMethod"`
	Items         []SubmitOrderItem `json:"items"`
}

// OrderOutcome 是返回给调用方的结构化判定。
// Available 只在库存不足时携带，供调用方决定降量或放弃。
type OrderOutcome struct {
	OrderID   string         `json:"orderId"`
	State     domain.State   `json:"state"`
	Outcome   domain.Outcome `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
	QueuedID  string         `json:"queuedId,omitempty"`
	Available int            `json:"available,omitempty"`
}

func (req *SubmitOrderRequest) toDomainItems() []domain.OrderItem {
	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			FlashSale: item.FlashSale,
		})
	}
	return items
}
