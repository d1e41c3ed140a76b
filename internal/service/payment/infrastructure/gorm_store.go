// internal/service/payment/infrastructure/gorm_store.go
package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bastion/internal/service/payment"
)

// CircuitModel 对应数据库中的 circuit_states 表。
type CircuitModel struct {
	gorm.Model
	ServiceName   string `gorm:"uniqueIndex;size:64"`
	State         string `gorm:"size:16"`
	FailureCount  int
	LastFailureAt time.Time
	NextAttemptAt time.Time
}

func (CircuitModel) TableName() string { return "circuit_states" }

// GormStateStore 是 payment.StateStore 的 GORM/MySQL 实现，
// 让多个 worker 进程共享同一份熔断视图。
type GormStateStore struct {
	db *gorm.DB
}

func NewGormStateStore(db *gorm.DB) *GormStateStore {
	return &GormStateStore{db: db}
}

// AutoMigrate 建表，供服务启动时调用。
func (s *GormStateStore) AutoMigrate() error {
	return s.db.AutoMigrate(&CircuitModel{})
}

func (s *GormStateStore) Load(ctx context.Context, serviceName string) (payment.CircuitRecord, error) {
	var model CircuitModel
	err := s.db.WithContext(ctx).Where("service_name = ?", serviceName).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return payment.CircuitRecord{ServiceName: serviceName, State: payment.StateClosed}, nil
		}
		return payment.CircuitRecord{}, err
	}
	return payment.CircuitRecord{
		ServiceName:   model.ServiceName,
		State:         payment.CircuitState(model.State),
		FailureCount:  model.FailureCount,
		LastFailureAt: model.LastFailureAt,
		NextAttemptAt: model.NextAttemptAt,
	}, nil
}

func (s *GormStateStore) Save(ctx context.Context, record payment.CircuitRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "service_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"state", "failure_count", "last_failure_at", "next_attempt_at",
		}),
	}).Create(&CircuitModel{
		ServiceName:   record.ServiceName,
		State:         string(record.State),
		FailureCount:  record.FailureCount,
		LastFailureAt: record.LastFailureAt,
		NextAttemptAt: record.NextAttemptAt,
	}).Error
}
