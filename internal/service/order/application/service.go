// internal/service/order/application/service.go
package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bastion/internal/pkg/logger"
	"bastion/internal/service/inventory"
	"bastion/internal/service/order/application/saga"
	"bastion/internal/service/order/domain"
	"bastion/internal/service/payment"
	"bastion/internal/service/telemetry"
	"bastion/internal/service/throttle"
)

// Options 汇集编排所需的策略参数。
type Options struct {
	MaxAttempts    int           // 单次提交内的瞬时失败重试上限，兼作异步重试轮数上限
	PaymentTimeout time.Duration // 单次支付调用的硬超时
	ReservationTTL time.Duration // 秒杀行项目的暂扣时长
}

// OrderApplicationService 把准入、库存、熔断支付编排成一次下单操作。
type OrderApplicationService struct {
	repo          domain.OrderRepository
	queueProducer domain.QueuedOrderProducer
	admitter      throttle.Admitter
	stock         saga.StockService
	reservations  saga.ReservationService
	breaker       *payment.Breaker
	gateway       payment.Gateway
	publisher     telemetry.Publisher
	tracer        trace.Tracer
	opts          Options

	now func() time.Time
}

func NewOrderApplicationService(
	repo domain.OrderRepository,
	queueProducer domain.QueuedOrderProducer,
	admitter throttle.Admitter,
	stock saga.StockService,
	reservations saga.ReservationService,
	breaker *payment.Breaker,
	gateway payment.Gateway,
	publisher telemetry.Publisher,
	tracer trace.Tracer,
	opts Options,
) *OrderApplicationService {
	if publisher == nil {
		publisher = telemetry.Noop{}
	}
	return &OrderApplicationService{
		repo:          repo,
		queueProducer: queueProducer,
		admitter:      admitter,
		stock:         stock,
		reservations:  reservations,
		breaker:       breaker,
		gateway:       gateway,
		publisher:     publisher,
		tracer:        tracer,
		opts:          opts,
		now:           time.Now,
	}
}

// SubmitOrder 是下单入口：准入 → 暂扣库存 → 熔断支付 → 提交。
// 任何一步失败都会触发补偿并转换成结构化判定返回，不上抛业务错误。
func (s *OrderApplicationService) SubmitOrder(ctx context.Context, req *SubmitOrderRequest) (*OrderOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "app.SubmitOrder")
	defer span.End()

	order, err := domain.NewOrder(req.HolderID, req.PaymentMethod, req.toDomainItems(), s.now())
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "invalid submit request")
	}
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("holder.id", order.HolderID),
	)

	orderCtx := &saga.OrderContext{Ctx: ctx, Order: order, Tracer: s.tracer}
	chain := s.buildChain(true)

	if chainErr := chain.Handle(orderCtx); chainErr != nil {
		orderCtx.TriggerCompensation(ctx)
		return s.settleFailure(ctx, span, order, chainErr)
	}

	if err := s.repo.Save(ctx, order); err != nil {
		// 库存已提交、支付已扣款，保存失败只能记日志，不能回滚订单
		logger.Ctx(ctx).Error().Err(err).Str("order_id", order.ID).
			Msg("failed to persist completed order")
	}
	s.publisher.Publish(ctx, telemetry.Event{
		Type: telemetry.EventOrderCompleted,
		Key:  order.ID,
		At:   s.now(),
	})
	span.AddEvent("order completed")
	return &OrderOutcome{OrderID: order.ID, State: order.State, Outcome: domain.OutcomeAccepted}, nil
}

// settleFailure 把链路错误映射成终态与结构化判定。补偿已经执行完毕。
func (s *OrderApplicationService) settleFailure(ctx context.Context, span trace.Span, order *domain.Order, chainErr error) (*OrderOutcome, error) {
	now := s.now()

	if errors.Is(chainErr, domain.ErrRateLimited) {
		// 最廉价的闸门：不落库，限流事件已由限流器上报
		_ = order.Reject(chainErr.Error(), now)
		span.AddEvent("order throttled")
		return &OrderOutcome{
			OrderID: order.ID,
			State:   order.State,
			Outcome: domain.OutcomeRejectedThrottled,
			Reason:  "rate limited, try again later",
		}, nil
	}

	var insufficient *inventory.InsufficientStockError
	if errors.As(chainErr, &insufficient) {
		_ = order.Reject(chainErr.Error(), now)
		s.saveTerminal(ctx, order)
		s.publisher.Publish(ctx, telemetry.Event{
			Type: telemetry.EventStockRejected,
			Key:  insufficient.ProductID,
			At:   now,
		})
		span.AddEvent("order rejected on stock")
		return &OrderOutcome{
			OrderID:   order.ID,
			State:     order.State,
			Outcome:   domain.OutcomeRejectedStock,
			Reason:    chainErr.Error(),
			Available: insufficient.Available,
		}, nil
	}

	if payment.IsCircuitOpen(chainErr) {
		return s.queueOrder(ctx, span, order)
	}

	var failed *domain.PaymentFailedError
	if errors.As(chainErr, &failed) {
		_ = order.FailPayment(failed.Reason, now)
		s.saveTerminal(ctx, order)
		s.publisher.Publish(ctx, telemetry.Event{
			Type: telemetry.EventPaymentFailed,
			Key:  order.ID,
			At:   now,
		})
		span.AddEvent("payment failed terminally")
		return &OrderOutcome{
			OrderID: order.ID,
			State:   order.State,
			Outcome: domain.OutcomeRejectedPayment,
			Reason:  "payment failed, try an alternative payment method",
		}, nil
	}

	span.RecordError(chainErr)
	span.SetStatus(codes.Error, "order processing failed")
	return nil, chainErr
}

// queueOrder 在熔断开路时优雅降级：先持久化订单，再发布到重试 topic。
// 先落库保证消费端拿到消息时订单一定可见。
func (s *OrderApplicationService) queueOrder(ctx context.Context, span trace.Span, order *domain.Order) (*OrderOutcome, error) {
	now := s.now()
	if err := order.Queue(now); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, order); err != nil {
		return nil, errors.Wrap(err, "persist queued order")
	}
	if err := s.queueProducer.Publish(ctx, &domain.OrderQueuedEvent{
		OrderID:  order.ID,
		HolderID: order.HolderID,
		Attempts: order.Attempts,
		QueuedAt: now,
	}); err != nil {
		// 订单已落库，重试 worker 还能通过扫描兜底，不让发布失败打断降级
		logger.Ctx(ctx).Error().Err(err).Str("order_id", order.ID).
			Msg("failed to publish queued order event")
	}
	s.publisher.Publish(ctx, telemetry.Event{
		Type: telemetry.EventOrderQueued,
		Key:  order.ID,
		At:   now,
	})
	span.AddEvent("order queued for async retry")
	return &OrderOutcome{
		OrderID:  order.ID,
		State:    order.State,
		Outcome:  domain.OutcomeQueued,
		Reason:   "payment service unavailable, order queued",
		QueuedID: order.ID,
	}, nil
}

// RetryQueuedOrder 由重试 worker 驱动：把 QUEUED 订单重新送进状态机。
// 重试绕过准入闸门，限流保护的是外部入口，不是自己的存量订单。
func (s *OrderApplicationService) RetryQueuedOrder(ctx context.Context, event *domain.OrderQueuedEvent) error {
	ctx, span := s.tracer.Start(ctx, "app.RetryQueuedOrder", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("order.id", event.OrderID))

	order, err := s.repo.FindByID(ctx, event.OrderID)
	if err != nil {
		span.RecordError(err)
		return errors.Wrapf(err, "load queued order %s", event.OrderID)
	}
	if order.State != domain.StateQueued {
		// 重复投递或已被其他 worker 处理，直接确认消息
		logger.Ctx(ctx).Info().Str("order_id", order.ID).Str("state", string(order.State)).
			Msg("skipping retry for non-queued order")
		return nil
	}

	order.Attempts++
	if err := order.Requeue(s.now()); err != nil {
		return err
	}

	orderCtx := &saga.OrderContext{Ctx: ctx, Order: order, Tracer: s.tracer}
	chain := s.buildChain(false)

	if chainErr := chain.Handle(orderCtx); chainErr != nil {
		orderCtx.TriggerCompensation(ctx)

		if payment.IsCircuitOpen(chainErr) && order.Attempts < s.opts.MaxAttempts {
			// 熔断还开着，带着计数回到队列等下一轮
			_, err := s.queueOrder(ctx, span, order)
			return err
		}

		now := s.now()
		_ = order.FailPayment(chainErr.Error(), now)
		s.saveTerminal(ctx, order)
		s.publisher.Publish(ctx, telemetry.Event{
			Type: telemetry.EventPaymentFailed,
			Key:  order.ID,
			At:   now,
		})
		span.AddEvent("queued order failed terminally")
		return nil
	}

	if err := s.repo.Save(ctx, order); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", order.ID).
			Msg("failed to persist completed order after retry")
	}
	s.publisher.Publish(ctx, telemetry.Event{
		Type: telemetry.EventOrderCompleted,
		Key:  order.ID,
		At:   s.now(),
	})
	span.AddEvent("queued order completed")
	return nil
}

// CancelReservation 供调用方在支付前主动放弃一个秒杀预约。
func (s *OrderApplicationService) CancelReservation(ctx context.Context, reservationID string) error {
	ctx, span := s.tracer.Start(ctx, "app.CancelReservation")
	defer span.End()
	span.SetAttributes(attribute.String("reservation.id", reservationID))
	return s.reservations.Cancel(ctx, reservationID)
}

// GetCircuitState 是给外部观测方的只读视图。
func (s *OrderApplicationService) GetCircuitState(ctx context.Context, serviceName string) (payment.CircuitRecord, error) {
	rec, err := s.breaker.State(ctx)
	if err != nil {
		return payment.CircuitRecord{}, err
	}
	if rec.ServiceName != serviceName {
		return payment.CircuitRecord{}, errors.Errorf("no circuit breaker for service %q", serviceName)
	}
	return rec, nil
}

// GetThrottleState 是给外部观测方的只读视图。
func (s *OrderApplicationService) GetThrottleState(ctx context.Context, endpointKey string) (throttle.WindowState, error) {
	return s.admitter.State(ctx, endpointKey)
}

func (s *OrderApplicationService) saveTerminal(ctx context.Context, order *domain.Order) {
	if err := s.repo.Save(ctx, order); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", order.ID).
			Msg("failed to persist terminal order state")
	}
}

// buildChain 组装提交链。异步重试不经过准入闸门。
func (s *OrderApplicationService) buildChain(withAdmission bool) saga.Handler {
	stockHold := saga.NewStockHoldHandler(s.stock, s.reservations, s.opts.ReservationTTL, s.now)
	pay := saga.NewPaymentHandler(s.breaker, s.gateway, s.opts.MaxAttempts, s.opts.PaymentTimeout, s.now)
	commit := saga.NewCommitHandler(s.stock, s.reservations, s.breaker, s.gateway, s.now)

	stockHold.SetNext(pay).SetNext(commit)
	if !withAdmission {
		return stockHold
	}

	admission := saga.NewAdmissionHandler(s.admitter, s.now)
	admission.SetNext(stockHold)
	return admission
}
