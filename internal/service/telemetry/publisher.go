// internal/service/telemetry/publisher.go
package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"bastion/internal/pkg/logger"
	"bastion/internal/pkg/mq"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// TopicStateTransitions 是状态流转事件的 Kafka 遥测主题。
const TopicStateTransitions = "bastion.state.transitions"

var eventCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bastion_state_transitions_total",
	Help: "State transition events emitted by the order submission core.",
}, []string{"type"})

var droppedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "bastion_telemetry_dropped_total",
	Help: "Telemetry events dropped because the publish buffer was full.",
})

// StreamPublisher 把事件计入 Prometheus 并异步写入 Kafka 遥测主题。
// Publish 永不阻塞：缓冲满时事件被丢弃（只丢遥测，不丢业务）。
type StreamPublisher struct {
	writer *kafka.Writer
	buf    chan Event
	done   chan struct{}
}

// NewStreamPublisher 创建并启动一个流式遥测发布器。
// writer 为 nil 时只上报 Prometheus 指标。
func NewStreamPublisher(writer *kafka.Writer) *StreamPublisher {
	p := &StreamPublisher{
		writer: writer,
		buf:    make(chan Event, 1024),
		done:   make(chan struct{}),
	}
	go p.pump()
	return p
}

func (p *StreamPublisher) Publish(_ context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	eventCounter.WithLabelValues(string(event.Type)).Inc()
	select {
	case p.buf <- event:
	default:
		droppedCounter.Inc()
	}
}

func (p *StreamPublisher) pump() {
	defer close(p.done)
	for event := range p.buf {
		if p.writer == nil {
			continue
		}
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		// 发送失败只记日志：遥测永远不影响核心链路
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := mq.ProduceMessage(ctx, p.writer, []byte(event.Key), payload); err != nil {
			logger.Logger.Warn().Err(err).Str("type", string(event.Type)).Msg("failed to publish telemetry event")
		}
		cancel()
	}
}

// Close 停止发布器并等待缓冲排空。
func (p *StreamPublisher) Close() {
	close(p.buf)
	<-p.done
}
