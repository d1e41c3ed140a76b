// internal/service/inventory/reservation.go
package inventory

import (
	"context"
	"sync"
	"time"

	"bastion/internal/pkg/logger"
	"bastion/internal/service/telemetry"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrDuplicateReservation 同一个持有者对同一商品已有未结束的预约。
	ErrDuplicateReservation = errors.New("holder already has a live reservation for this product")
	// ErrTTLTooShort 预约时长低于允许下限。
	ErrTTLTooShort = errors.New("reservation ttl below the allowed minimum")
)

// HolderGuard 防止同一持有者对同一商品重复预约（闪购公平性规则）。
// Register 失败说明已有在途预约；Remove 在预约进入终态后调用。
type HolderGuard interface {
	Register(ctx context.Context, productID, holderID string) error
	Remove(ctx context.Context, productID, holderID string) error
}

// MemoryHolderGuard 是 HolderGuard 的进程内实现。
type MemoryHolderGuard struct {
	mu      sync.Mutex
	holders map[string]struct{}
}

func NewMemoryHolderGuard() *MemoryHolderGuard {
	return &MemoryHolderGuard{holders: make(map[string]struct{})}
}

func guardKey(productID, holderID string) string {
	return productID + "/" + holderID
}

func (g *MemoryHolderGuard) Register(_ context.Context, productID, holderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := guardKey(productID, holderID)
	if _, ok := g.holders[key]; ok {
		return ErrDuplicateReservation
	}
	g.holders[key] = struct{}{}
	return nil
}

func (g *MemoryHolderGuard) Remove(_ context.Context, productID, holderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.holders, guardKey(productID, holderID))
	return nil
}

// Manager 在台账之上提供限时占用：闪购商品在持有者完成支付前
// 不会被放回公开库存。
type Manager struct {
	ledger    *Ledger
	store     Store
	guard     HolderGuard
	publisher telemetry.Publisher

	minTTL     time.Duration
	defaultTTL time.Duration

	now func() time.Time
}

func NewManager(ledger *Ledger, store Store, guard HolderGuard, publisher telemetry.Publisher, minTTL, defaultTTL time.Duration) *Manager {
	if minTTL <= 0 {
		minTTL = time.Second
	}
	if defaultTTL < minTTL {
		defaultTTL = 15 * time.Minute
	}
	return &Manager{
		ledger:     ledger,
		store:      store,
		guard:      guard,
		publisher:  publisher,
		minTTL:     minTTL,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// MinTTL 返回允许的最小预约时长，清扫周期按它推导。
func (m *Manager) MinTTL() time.Duration {
	return m.minTTL
}

// Reserve 暂扣库存并包装为限时预约。ttl<=0 时取默认值。
func (m *Manager) Reserve(ctx context.Context, productID, holderID string, quantity int, ttl time.Duration) (*Reservation, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl < m.minTTL {
		return nil, errors.Wrapf(ErrTTLTooShort, "ttl %v < min %v", ttl, m.minTTL)
	}

	if err := m.guard.Register(ctx, productID, holderID); err != nil {
		return nil, err
	}

	token, err := m.ledger.Acquire(ctx, productID, quantity)
	if err != nil {
		// 预扣失败，撤销重复购买标记
		if rmErr := m.guard.Remove(ctx, productID, holderID); rmErr != nil {
			logger.Ctx(ctx).Warn().Err(rmErr).Str("product_id", productID).Msg("failed to roll back holder guard")
		}
		return nil, err
	}

	now := m.now()
	res := Reservation{
		ID:        uuid.New().String(),
		ProductID: productID,
		HolderID:  holderID,
		Quantity:  quantity,
		HoldID:    token.ID,
		Status:    ReservationHeld,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.store.PutReservation(ctx, res); err != nil {
		// 预约没存上，暂扣也要一并撤销
		_ = m.ledger.Release(ctx, token)
		_ = m.guard.Remove(ctx, productID, holderID)
		return nil, err
	}
	return &res, nil
}

// Confirm 把 HELD 预约转为 CONFIRMED，并提交底下的暂扣。
// 与针对同一预约的取消/过期清扫互斥：以拿到商品锁的一方为准。
func (m *Manager) Confirm(ctx context.Context, reservationID string) (*Reservation, error) {
	res, err := m.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	var confirmed Reservation
	err = m.ledger.withProductLock(ctx, res.ProductID, func(ctx context.Context) error {
		// 锁内重读：并发的 cancel/sweep 可能已经赢了
		res, err = m.store.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if res.Terminal() {
			return errors.Wrapf(ErrAlreadyTerminal, "reservation %s is %s", reservationID, res.Status)
		}
		if err := m.ledger.commitHoldLocked(ctx, res.HoldID); err != nil {
			return err
		}
		res.Status = ReservationConfirmed
		if err := m.store.PutReservation(ctx, res); err != nil {
			return err
		}
		confirmed = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	_ = m.guard.Remove(ctx, confirmed.ProductID, confirmed.HolderID)
	return &confirmed, nil
}

// Cancel 释放 HELD 预约。对已终态的预约是无害的 no-op。
func (m *Manager) Cancel(ctx context.Context, reservationID string) error {
	res, err := m.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	var cancelled bool
	err = m.ledger.withProductLock(ctx, res.ProductID, func(ctx context.Context) error {
		res, err = m.store.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if res.Terminal() {
			return nil // 幂等
		}
		if err := m.ledger.releaseHoldLocked(ctx, res.HoldID); err != nil {
			return err
		}
		res.Status = ReservationReleased
		if err := m.store.PutReservation(ctx, res); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return err
	}
	if cancelled {
		_ = m.guard.Remove(ctx, res.ProductID, res.HolderID)
		logger.Ctx(ctx).Info().Str("reservation_id", reservationID).Msg("reservation cancelled")
	}
	return nil
}

// expireOne 在商品锁内把一条到期预约置为 EXPIRED 并释放库存。
// 返回是否真的发生了过期（并发 confirm 赢了的话返回 false）。
func (m *Manager) expireOne(ctx context.Context, reservationID string) (bool, error) {
	res, err := m.store.GetReservation(ctx, reservationID)
	if err != nil {
		return false, err
	}

	expired := false
	err = m.ledger.withProductLock(ctx, res.ProductID, func(ctx context.Context) error {
		res, err = m.store.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if res.Terminal() || res.ExpiresAt.After(m.now()) {
			return nil
		}
		if err := m.ledger.releaseHoldLocked(ctx, res.HoldID); err != nil {
			return err
		}
		res.Status = ReservationExpired
		if err := m.store.PutReservation(ctx, res); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if expired {
		_ = m.guard.Remove(ctx, res.ProductID, res.HolderID)
		m.publisher.Publish(ctx, telemetry.Event{
			Type: telemetry.EventReservationExpired,
			Key:  res.ProductID,
			Detail: map[string]string{
				"reservation_id": res.ID,
				"holder_id":      res.HolderID,
			},
			At: m.now(),
		})
	}
	return expired, nil
}
