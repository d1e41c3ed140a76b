// internal/service/order/infrastructure/kafka_producer.go
package infrastructure

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"bastion/internal/pkg/mq"
	"bastion/internal/service/order/domain"
)

// TopicOrderQueued 是熔断降级订单的重试队列 topic。
const TopicOrderQueued = "bastion.orders.queued"

// QueuedOrderKafkaProducer 把入队订单事件发布到 Kafka 重试队列。
type QueuedOrderKafkaProducer struct {
	writer *kafka.Writer
}

func NewQueuedOrderKafkaProducer(writer *kafka.Writer) *QueuedOrderKafkaProducer {
	return &QueuedOrderKafkaProducer{writer: writer}
}

func (p *QueuedOrderKafkaProducer) Publish(ctx context.Context, event *domain.OrderQueuedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal queued order event")
	}
	// 以订单 ID 为 key，同一订单的重试消息落在同一分区，保持顺序
	if err := mq.ProduceMessage(ctx, p.writer, []byte(event.OrderID), payload); err != nil {
		return errors.Wrap(err, "produce queued order event")
	}
	return nil
}
