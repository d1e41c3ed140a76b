// internal/service/order/application/saga/admission.go
package saga

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"

	"bastion/internal/service/order/domain"
)

// EndpointSubmitOrder 是下单入口在限流器中的 key。
const EndpointSubmitOrder = "submit_order"

// Admitter 是准入闸门在流程侧需要的最小接口。
type Admitter interface {
	Admit(ctx context.Context, endpointKey string) (bool, error)
}

// AdmissionHandler 是流程的第一个、也是最廉价的闸门。
// 被拒绝的请求不会触碰库存或熔断器。
type AdmissionHandler struct {
	NextHandler
	admitter Admitter
	now      func() time.Time
}

func NewAdmissionHandler(admitter Admitter, now func() time.Time) *AdmissionHandler {
	return &AdmissionHandler{admitter: admitter, now: now}
}

func (h *AdmissionHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Admission")
	defer span.End()

	admitted, err := h.admitter.Admit(ctx, EndpointSubmitOrder)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission check failed")
		return err
	}
	if !admitted {
		span.AddEvent("request throttled")
		return domain.ErrRateLimited
	}

	if err := orderCtx.Order.MarkAdmitted(h.now()); err != nil {
		return err
	}
	return h.executeNext(orderCtx)
}
