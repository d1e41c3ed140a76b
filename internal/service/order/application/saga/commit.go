// internal/service/order/application/saga/commit.go
package saga

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/codes"

	"bastion/internal/pkg/logger"
	"bastion/internal/service/payment"
)

// CommitHandler 把支付成功的订单落定：确认全部预约、提交全部暂扣。
// 走到这里支付已经扣款，落定失败时先退款再交还编排方处理。
type CommitHandler struct {
	NextHandler
	stock        StockService
	reservations ReservationService
	breaker      PaymentExecutor
	gateway      payment.Gateway
	now          func() time.Time
}

func NewCommitHandler(stock StockService, reservations ReservationService, breaker PaymentExecutor, gateway payment.Gateway, now func() time.Time) *CommitHandler {
	return &CommitHandler{
		stock:        stock,
		reservations: reservations,
		breaker:      breaker,
		gateway:      gateway,
		now:          now,
	}
}

func (h *CommitHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Commit")
	defer span.End()

	order := orderCtx.Order

	for _, res := range orderCtx.Reservations {
		if _, err := h.reservations.Confirm(ctx, res.ID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reservation confirm failed after charge")
			h.refund(ctx, orderCtx)
			return errors.Wrapf(err, "confirm reservation %s", res.ID)
		}
	}
	for _, hold := range orderCtx.Holds {
		if err := h.stock.Commit(ctx, hold); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stock commit failed after charge")
			h.refund(ctx, orderCtx)
			return errors.Wrapf(err, "commit hold %s", hold.ID)
		}
	}

	if err := order.Complete(orderCtx.PaymentRef, h.now()); err != nil {
		return err
	}
	span.AddEvent("order completed")
	return h.executeNext(orderCtx)
}

// refund 在扣款后落定失败时把钱退回去。退款同样受熔断保护；
// 失败只能记日志留给对账，不能让订单悬在已扣款状态。
func (h *CommitHandler) refund(ctx context.Context, orderCtx *OrderContext) {
	if orderCtx.PaymentRef == "" {
		return
	}
	err := h.breaker.Execute(ctx, func(callCtx context.Context) error {
		return h.gateway.Refund(callCtx, orderCtx.PaymentRef, orderCtx.Order.Amount())
	})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("order_id", orderCtx.Order.ID).
			Str("payment_ref", orderCtx.PaymentRef).
			Msg("refund after failed commit did not go through, needs reconciliation")
	}
}
