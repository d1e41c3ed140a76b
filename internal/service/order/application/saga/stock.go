// internal/service/order/application/saga/stock.go
package saga

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"bastion/internal/pkg/logger"
	"bastion/internal/service/inventory"
)

// StockService 是库存台账在流程侧需要的最小接口。
type StockService interface {
	Acquire(ctx context.Context, productID string, quantity int) (*inventory.HoldToken, error)
	Commit(ctx context.Context, token *inventory.HoldToken) error
	Release(ctx context.Context, token *inventory.HoldToken) error
}

// ReservationService 是秒杀预约通道在流程侧需要的最小接口。
type ReservationService interface {
	Reserve(ctx context.Context, productID, holderID string, quantity int, ttl time.Duration) (*inventory.Reservation, error)
	Confirm(ctx context.Context, reservationID string) (*inventory.Reservation, error)
	Cancel(ctx context.Context, reservationID string) error
}

// StockHoldHandler 逐个行项目暂扣库存。秒杀行项目走带 TTL 的预约通道，
// 普通行项目直接走台账。任何一行失败，已注册的补偿会把先拿到的行放回去。
type StockHoldHandler struct {
	NextHandler
	stock          StockService
	reservations   ReservationService
	reservationTTL time.Duration
	now            func() time.Time
}

func NewStockHoldHandler(stock StockService, reservations ReservationService, reservationTTL time.Duration, now func() time.Time) *StockHoldHandler {
	return &StockHoldHandler{
		stock:          stock,
		reservations:   reservations,
		reservationTTL: reservationTTL,
		now:            now,
	}
}

func (h *StockHoldHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.StockHold")
	defer span.End()

	order := orderCtx.Order
	for _, item := range order.Items {
		span.SetAttributes(
			attribute.String("product.id", item.ProductID),
			attribute.Int("quantity", item.Quantity),
		)

		if item.FlashSale {
			res, err := h.reservations.Reserve(ctx, item.ProductID, order.HolderID, item.Quantity, h.reservationTTL)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "flash-sale reservation failed")
				return err
			}
			orderCtx.Reservations = append(orderCtx.Reservations, res)
			reservationID := res.ID
			orderCtx.AddCompensation(func(compCtx context.Context) {
				if err := h.reservations.Cancel(compCtx, reservationID); err != nil {
					logger.Ctx(compCtx).Error().Err(err).
						Str("reservation_id", reservationID).
						Msg("compensation failed to cancel reservation")
				}
			})
			continue
		}

		token, err := h.stock.Acquire(ctx, item.ProductID, item.Quantity)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stock acquire failed")
			return err
		}
		orderCtx.Holds = append(orderCtx.Holds, token)
		hold := token
		orderCtx.AddCompensation(func(compCtx context.Context) {
			if err := h.stock.Release(compCtx, hold); err != nil {
				logger.Ctx(compCtx).Error().Err(err).
					Str("hold_id", hold.ID).
					Msg("compensation failed to release stock hold")
			}
		})
	}

	span.AddEvent("all line items held")
	if err := order.MarkStockHeld(h.now()); err != nil {
		return err
	}
	return h.executeNext(orderCtx)
}
