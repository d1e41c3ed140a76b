// internal/service/inventory/ledger.go
package inventory

import (
	"context"
	"fmt"
	"time"

	"bastion/internal/pkg/logger"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// InsufficientStockError 表示请求数量超过了当前可用量。
// 台账自己从不重试，由编排方决定降量还是拒绝。
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// ErrAlreadyTerminal 表示对已终态的暂扣/预约做了冲突操作
//（比如 commit 一个已 release 的暂扣）。
var ErrAlreadyTerminal = errors.New("already in a terminal state")

// HoldToken 是一次成功 Acquire 的凭证，后续 Commit/Release 都凭它进行。
type HoldToken struct {
	ID        string
	ProductID string
	Quantity  int
}

// Ledger 串行化单个商品的并发库存变更，保证不超卖。
// 同一商品的所有变更由按键锁全序化；不同商品互不影响。
type Ledger struct {
	store    Store
	locks    KeyLocker
	lockWait time.Duration

	now func() time.Time
}

// NewLedger 创建库存台账。lockWait 限定等锁时间，超时返回可重试错误而不是死等。
func NewLedger(store Store, locks KeyLocker, lockWait time.Duration) *Ledger {
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	return &Ledger{
		store:    store,
		locks:    locks,
		lockWait: lockWait,
		now:      time.Now,
	}
}

func stockKey(productID string) string {
	return "stock:" + productID
}

// withProductLock 在商品锁内执行 fn，等锁时间受 lockWait 限制。
// 预约管理器复用它来保证 confirm/cancel 与清扫互斥。
func (l *Ledger) withProductLock(ctx context.Context, productID string, fn func(ctx context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, l.lockWait)
	defer cancel()
	unlock, err := l.locks.Lock(lockCtx, stockKey(productID))
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Acquire 在商品锁内重读库存并暂扣 quantity。
// 扣减对后续同商品的 Acquire 立即可见，从根上消除"先读后写"竞态。
func (l *Ledger) Acquire(ctx context.Context, productID string, quantity int) (*HoldToken, error) {
	if quantity <= 0 {
		return nil, errors.Errorf("invalid quantity %d for product %s", quantity, productID)
	}

	var token *HoldToken
	err := l.withProductLock(ctx, productID, func(ctx context.Context) error {
		rec, err := l.store.GetStock(ctx, productID)
		if err != nil {
			return err
		}
		if quantity > rec.OnHand {
			return &InsufficientStockError{ProductID: productID, Requested: quantity, Available: rec.OnHand}
		}

		expect := rec.Version
		rec.OnHand -= quantity
		rec.Version++
		if err := l.store.PutStock(ctx, rec, expect); err != nil {
			return err
		}

		hold := Hold{
			ID:        uuid.New().String(),
			ProductID: productID,
			Quantity:  quantity,
			Status:    HoldHeld,
			CreatedAt: l.now(),
		}
		if err := l.store.PutHold(ctx, hold); err != nil {
			return err
		}
		token = &HoldToken{ID: hold.ID, ProductID: productID, Quantity: quantity}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Ctx(ctx).Debug().Str("product_id", productID).Int("quantity", quantity).Str("hold_id", token.ID).Msg("stock held")
	return token, nil
}

// Commit 将暂扣转为永久扣减。重复 Commit 是无害的。
func (l *Ledger) Commit(ctx context.Context, token *HoldToken) error {
	return l.withProductLock(ctx, token.ProductID, func(ctx context.Context) error {
		return l.commitHoldLocked(ctx, token.ID)
	})
}

// Release 撤销暂扣，把数量还回 OnHand。重复 Release 是无害的。
func (l *Ledger) Release(ctx context.Context, token *HoldToken) error {
	return l.withProductLock(ctx, token.ProductID, func(ctx context.Context) error {
		return l.releaseHoldLocked(ctx, token.ID)
	})
}

// commitHoldLocked 必须在对应商品锁内调用。
func (l *Ledger) commitHoldLocked(ctx context.Context, holdID string) error {
	hold, err := l.store.GetHold(ctx, holdID)
	if err != nil {
		return err
	}
	switch hold.Status {
	case HoldCommitted:
		return nil // 幂等
	case HoldReleased:
		return errors.Wrapf(ErrAlreadyTerminal, "cannot commit released hold %s", holdID)
	}
	hold.Status = HoldCommitted
	return l.store.PutHold(ctx, hold)
}

// releaseHoldLocked 必须在对应商品锁内调用。
func (l *Ledger) releaseHoldLocked(ctx context.Context, holdID string) error {
	hold, err := l.store.GetHold(ctx, holdID)
	if err != nil {
		return err
	}
	switch hold.Status {
	case HoldReleased:
		return nil // 幂等
	case HoldCommitted:
		return errors.Wrapf(ErrAlreadyTerminal, "cannot release committed hold %s", holdID)
	}

	rec, err := l.store.GetStock(ctx, hold.ProductID)
	if err != nil {
		return err
	}
	expect := rec.Version
	rec.OnHand += hold.Quantity
	rec.Version++
	if err := l.store.PutStock(ctx, rec, expect); err != nil {
		return err
	}

	hold.Status = HoldReleased
	return l.store.PutHold(ctx, hold)
}

// Available 返回当前可用量，只读。
func (l *Ledger) Available(ctx context.Context, productID string) (int, error) {
	rec, err := l.store.GetStock(ctx, productID)
	if err != nil {
		return 0, err
	}
	return rec.OnHand, nil
}
