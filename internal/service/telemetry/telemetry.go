// internal/service/telemetry/telemetry.go
package telemetry

import (
	"context"
	"sync"
	"time"
)

// EventType 标识一次状态变迁事件。
type EventType string

const (
	EventCircuitOpened      EventType = "circuit_opened"
	EventCircuitHalfOpened  EventType = "circuit_half_opened"
	EventCircuitClosed      EventType = "circuit_closed"
	EventThrottleRejected   EventType = "throttle_rejected"
	EventReservationExpired EventType = "reservation_expired"
	EventStockRejected      EventType = "stock_rejected"
	EventOrderQueued        EventType = "order_queued"
	EventOrderCompleted     EventType = "order_completed"
	EventPaymentFailed      EventType = "payment_failed"
)

// Event 是一条发往外部遥测协作方的状态变迁事件。
// Key 标识事件主体（服务名、endpoint key、商品ID、订单ID等）。
type Event struct {
	Type   EventType         `json:"type"`
	Key    string            `json:"key"`
	Detail map[string]string `json:"detail,omitempty"`
	At     time.Time         `json:"at"`
}

// Publisher 是遥测协作方的出站端口。
// 实现必须是 fire-and-forget 的：调用方不关心结果，也绝不能被阻塞。
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Noop 丢弃所有事件。
type Noop struct{}

func (Noop) Publish(context.Context, Event) {}

// Recorder 在内存中记录事件，测试用。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events 返回已记录事件的副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// CountOf 统计某一类型事件的数量。
func (r *Recorder) CountOf(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
