// internal/service/inventory/sweeper.go
package inventory

import (
	"context"
	"time"

	"bastion/internal/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// Sweeper 周期性扫描到期未确认的预约，释放其占用的库存。
// 过期判定与 confirm/cancel 使用同一把商品锁，不存在第二套锁规则。
type Sweeper struct {
	manager  *Manager
	interval time.Duration
}

// NewSweeper 创建清扫器。interval<=0 时取最小 TTL 的 1/10（不低于 100ms）：
// 扫得太勤浪费周期，扫得太疏库存被扣押太久。
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = manager.MinTTL() / 10
		if interval < 100*time.Millisecond {
			interval = 100 * time.Millisecond
		}
	}
	return &Sweeper{manager: manager, interval: interval}
}

// Run 阻塞运行清扫循环直到 ctx 结束。交给 errgroup 托管生命周期。
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	logger.Ctx(ctx).Info().Dur("interval", s.interval).Msg("reservation sweeper started")

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("reservation sweep failed")
			}
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("reservation sweeper stopped")
			return ctx.Err()
		}
	}
}

// Sweep 执行一轮清扫，返回本轮过期的预约数。
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	candidates, err := s.manager.store.ExpiredReservations(ctx, s.manager.now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, res := range candidates {
		ok, err := s.manager.expireOne(ctx, res.ID)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("reservation_id", res.ID).Msg("failed to expire reservation")
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		logger.Ctx(ctx).Info().Int("count", expired).Msg("expired reservations released")
	}
	return expired, nil
}

// Start 在后台启动清扫循环，返回用于等待退出的 errgroup。
func (s *Sweeper) Start(ctx context.Context) *errgroup.Group {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(ctx) })
	return g
}
