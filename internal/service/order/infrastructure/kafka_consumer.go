// internal/service/order/infrastructure/kafka_consumer.go
package infrastructure

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"bastion/internal/pkg/logger"
	"bastion/internal/pkg/mq"
	"bastion/internal/service/order/application"
	"bastion/internal/service/order/domain"
)

// RetryConsumerAdapter 监听重试队列并驱动应用服务重新推进 QUEUED 订单。
type RetryConsumerAdapter struct {
	reader  *kafka.Reader
	appSvc  *application.OrderApplicationService
	wg      sync.WaitGroup
	stopped bool
}

func NewRetryConsumerAdapter(reader *kafka.Reader, appSvc *application.OrderApplicationService) *RetryConsumerAdapter {
	return &RetryConsumerAdapter{reader: reader, appSvc: appSvc}
}

// Start 开始消费。长期运行，直到 ctx 取消或 Stop 被调用。
func (a *RetryConsumerAdapter) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Logger.Info().Str("topic", a.reader.Config().Topic).Msg("retry consumer started")
		for {
			if a.stopped {
				return
			}
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Logger.Info().Msg("retry consumer shutting down")
					return
				}
				logger.Logger.Error().Err(err).Msg("could not read retry message, retrying")
				time.Sleep(time.Second)
				continue
			}

			a.processMessage(ctx, msg)

			if err := a.reader.CommitMessages(ctx, msg); err != nil {
				logger.Logger.Error().Err(err).Msg("failed to commit retry message")
			}
		}
	}()
}

// Stop 优雅停止消费者。
func (a *RetryConsumerAdapter) Stop() {
	a.stopped = true
	a.reader.Close()
	a.wg.Wait()
	logger.Logger.Info().Msg("retry consumer stopped")
}

func (a *RetryConsumerAdapter) processMessage(parentCtx context.Context, msg kafka.Message) {
	var event domain.OrderQueuedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		logger.Logger.Error().Err(err).Msg("failed to unmarshal queued order event, skipping")
		return
	}

	propagator := otel.GetTextMapPropagator()
	headerCarrier := mq.KafkaHeaderCarrier(msg.Headers)
	ctx := propagator.Extract(parentCtx, &headerCarrier)

	if err := a.appSvc.RetryQueuedOrder(ctx, &event); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", event.OrderID).
			Msg("failed to retry queued order")
	}
}
