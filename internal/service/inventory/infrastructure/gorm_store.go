// internal/service/inventory/infrastructure/gorm_store.go
package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bastion/internal/service/inventory"
)

// GormStore 是 inventory.Store 的 GORM/MySQL 实现。
// 按键互斥由台账的 KeyLocker 保证，这里只负责读写；
// PutStock 的 WHERE version 条件是绕过台账直写的最后一道防线。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 建表，供服务启动时调用。
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&StockModel{}, &HoldModel{}, &ReservationModel{})
}

func (s *GormStore) GetStock(ctx context.Context, productID string) (inventory.StockRecord, error) {
	var model StockModel
	err := s.db.WithContext(ctx).Where("product_id = ?", productID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return inventory.StockRecord{}, errors.Wrap(inventory.ErrProductNotFound, productID)
		}
		return inventory.StockRecord{}, err
	}
	return toDomainStock(&model), nil
}

func (s *GormStore) PutStock(ctx context.Context, record inventory.StockRecord, expectVersion int64) error {
	if expectVersion == 0 {
		// 首次写入该商品
		result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "product_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"on_hand": record.OnHand,
				"version": record.Version,
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Eq{Column: clause.Column{Table: "stock_records", Name: "version"}, Value: expectVersion},
			}},
		}).Create(&StockModel{
			ProductID: record.ProductID,
			OnHand:    record.OnHand,
			Version:   record.Version,
		})
		return result.Error
	}

	result := s.db.WithContext(ctx).Model(&StockModel{}).
		Where("product_id = ? AND version = ?", record.ProductID, expectVersion).
		Updates(map[string]interface{}{
			"on_hand": record.OnHand,
			"version": record.Version,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(inventory.ErrVersionConflict, "product %s want v%d", record.ProductID, expectVersion)
	}
	return nil
}

func (s *GormStore) GetHold(ctx context.Context, holdID string) (inventory.Hold, error) {
	var model HoldModel
	err := s.db.WithContext(ctx).Where("hold_id = ?", holdID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return inventory.Hold{}, errors.Wrap(inventory.ErrHoldNotFound, holdID)
		}
		return inventory.Hold{}, err
	}
	return toDomainHold(&model), nil
}

func (s *GormStore) PutHold(ctx context.Context, hold inventory.Hold) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hold_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status"}),
	}).Create(fromDomainHold(hold)).Error
}

func (s *GormStore) GetReservation(ctx context.Context, reservationID string) (inventory.Reservation, error) {
	var model ReservationModel
	err := s.db.WithContext(ctx).Where("reservation_id = ?", reservationID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return inventory.Reservation{}, errors.Wrap(inventory.ErrReservationNotFound, reservationID)
		}
		return inventory.Reservation{}, err
	}
	return toDomainReservation(&model), nil
}

func (s *GormStore) PutReservation(ctx context.Context, reservation inventory.Reservation) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "reservation_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status"}),
	}).Create(fromDomainReservation(reservation)).Error
}

func (s *GormStore) ExpiredReservations(ctx context.Context, now time.Time) ([]inventory.Reservation, error) {
	var models []ReservationModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", string(inventory.ReservationHeld), now).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]inventory.Reservation, 0, len(models))
	for i := range models {
		out = append(out, toDomainReservation(&models[i]))
	}
	return out, nil
}
