// internal/service/order/infrastructure/mapper.go
package infrastructure

import "bastion/internal/service/order/domain"

// ToDomainOrder 将数据库模型转换为领域模型。
func ToDomainOrder(model *OrderModel) *domain.Order {
	if model == nil {
		return nil
	}
	items := make([]domain.OrderItem, 0, len(model.Items))
	for _, item := range model.Items {
		items = append(items, domain.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			FlashSale: item.FlashSale,
		})
	}
	return &domain.Order{
		ID:            model.OrderID,
		HolderID:      model.HolderID,
		Items:         items,
		PaymentMethod: model.PaymentMethod,
		State:         domain.State(model.State),
		Attempts:      model.Attempts,
		PaymentRef:    model.PaymentRef,
		FailReason:    model.FailReason,
		CreatedAt:     model.SubmittedAt,
		UpdatedAt:     model.UpdatedAt,
	}
}

// FromDomainOrder 将领域模型转换为数据库模型。
func FromDomainOrder(order *domain.Order) *OrderModel {
	if order == nil {
		return nil
	}
	items := make([]OrderItemModel, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderItemModel{
			OrderRef:  order.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			FlashSale: item.FlashSale,
		})
	}
	return &OrderModel{
		OrderID:       order.ID,
		HolderID:      order.HolderID,
		PaymentMethod: order.PaymentMethod,
		State:         string(order.State),
		Attempts:      order.Attempts,
		PaymentRef:    order.PaymentRef,
		FailReason:    order.FailReason,
		SubmittedAt:   order.CreatedAt,
		Items:         items,
	}
}
