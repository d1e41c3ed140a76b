// internal/service/inventory/infrastructure/gorm_model.go
package infrastructure

import (
	"time"

	"gorm.io/gorm"
)

// StockModel 对应数据库中的 stock_records 表。
type StockModel struct {
	gorm.Model
	ProductID string `gorm:"uniqueIndex;size:64"`
	OnHand    int
	Version   int64
}

func (StockModel) TableName() string { return "stock_records" }

// HoldModel 对应数据库中的 stock_holds 表。
type HoldModel struct {
	gorm.Model
	HoldID    string `gorm:"uniqueIndex;size:36"`
	ProductID string `gorm:"index;size:64"`
	Quantity  int
	Status    string `gorm:"size:20"`
	HeldAt    time.Time
}

func (HoldModel) TableName() string { return "stock_holds" }

// ReservationModel 对应数据库中的 reservations 表。
type ReservationModel struct {
	gorm.Model
	ReservationID string `gorm:"uniqueIndex;size:36"`
	ProductID     string `gorm:"index;size:64"`
	HolderID      string `gorm:"index;size:64"`
	Quantity      int
	HoldID        string `gorm:"size:36"`
	Status        string `gorm:"index;size:20"`
	ReservedAt    time.Time
	ExpiresAt     time.Time `gorm:"index"`
}

func (ReservationModel) TableName() string { return "reservations" }
