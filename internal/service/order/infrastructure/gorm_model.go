// internal/service/order/infrastructure/gorm_model.go
package infrastructure

import (
	"time"

	"gorm.io/gorm"
)

// OrderModel 对应数据库中的 orders 表。
type OrderModel struct {
	gorm.Model
	OrderID       string `gorm:"uniqueIndex;size:36"`
	HolderID      string `gorm:"index;size:64"`
	PaymentMethod string `gorm:"size:32"`
	State         string `gorm:"index;size:20"`
	Attempts      int
	PaymentRef    string `gorm:"size:64"`
	FailReason    string `gorm:"type:text"`
	SubmittedAt   time.Time

	Items []OrderItemModel `gorm:"foreignKey:OrderRef;references:OrderID"`
}

func (OrderModel) TableName() string { return "orders" }

// OrderItemModel 对应数据库中的 order_items 表。
type OrderItemModel struct {
	gorm.Model
	OrderRef  string `gorm:"index;size:36"`
	ProductID string `gorm:"size:64"`
	Quantity  int
	UnitPrice int64
	FlashSale bool
}

func (OrderItemModel) TableName() string { return "order_items" }
