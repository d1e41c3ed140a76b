// internal/service/order/application/saga/payment.go
package saga

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"bastion/internal/pkg/logger"
	"bastion/internal/service/order/domain"
	"bastion/internal/service/payment"
)

// PaymentExecutor 是熔断器在流程侧需要的最小接口。
type PaymentExecutor interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// PaymentHandler 通过熔断器调用支付网关。
// 瞬时失败带着已暂扣的库存原地重试，最多 maxAttempts 次；
// 终局失败立即放弃；熔断开路的错误原样上抛，由编排方决定入队。
type PaymentHandler struct {
	NextHandler
	breaker        PaymentExecutor
	gateway        payment.Gateway
	maxAttempts    int
	paymentTimeout time.Duration
	now            func() time.Time
}

func NewPaymentHandler(breaker PaymentExecutor, gateway payment.Gateway, maxAttempts int, paymentTimeout time.Duration, now func() time.Time) *PaymentHandler {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &PaymentHandler{
		breaker:        breaker,
		gateway:        gateway,
		maxAttempts:    maxAttempts,
		paymentTimeout: paymentTimeout,
		now:            now,
	}
}

func (h *PaymentHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Payment")
	defer span.End()

	order := orderCtx.Order
	if err := order.MarkPaymentPending(h.now()); err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.Int64("amount", order.Amount()),
	)

	var lastErr error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		err := h.breaker.Execute(ctx, func(callCtx context.Context) error {
			chargeCtx, cancel := context.WithTimeout(callCtx, h.paymentTimeout)
			defer cancel()

			result, err := h.gateway.Charge(chargeCtx, payment.ChargeRequest{
				OrderID: order.ID,
				Amount:  order.Amount(),
				Method:  order.PaymentMethod,
			})
			if err != nil {
				return err
			}
			orderCtx.PaymentRef = result.Reference
			return nil
		})
		if err == nil {
			span.AddEvent("payment charged")
			return h.executeNext(orderCtx)
		}

		// 熔断开路不计入重试额度，直接交给编排方入队
		if payment.IsCircuitOpen(err) {
			span.AddEvent("circuit open, handing order to retry queue")
			return err
		}
		if payment.IsPermanent(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "payment permanently declined")
			return &domain.PaymentFailedError{OrderID: order.ID, Attempts: attempt, Reason: err.Error()}
		}

		lastErr = err
		logger.Ctx(ctx).Warn().Err(err).
			Str("order_id", order.ID).
			Int("attempt", attempt).
			Msg("transient payment failure, retrying with held stock")
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "payment retries exhausted")
	return &domain.PaymentFailedError{OrderID: order.ID, Attempts: h.maxAttempts, Reason: lastErr.Error()}
}
