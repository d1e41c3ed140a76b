// internal/service/throttle/throttle.go
package throttle

import (
	"context"
	"strconv"
	"sync"
	"time"

	"bastion/internal/service/telemetry"
)

// WindowState 是某个入口当前限流窗口的只读视图。
type WindowState struct {
	RequestCount int64
	WindowStart  time.Time
}

// Admitter 是下单入口的准入闸门。
// Admit 必须把"自增并比较"做成对单个 key 的原子操作，
// 被拒绝的请求同样计入窗口，防止靠快速重试绕过限流。
type Admitter interface {
	Admit(ctx context.Context, endpointKey string) (bool, error)
	State(ctx context.Context, endpointKey string) (WindowState, error)
}

type window struct {
	start time.Time
	count int64
}

// windowLimit 按窗口时长折算容量，亚秒窗口按比例缩减，最少放行 1 个。
func windowLimit(maxRPS int, windowDur time.Duration) int64 {
	limit := int64(float64(maxRPS) * windowDur.Seconds())
	if limit < 1 {
		limit = 1
	}
	return limit
}

// FixedWindow 是进程内的固定窗口限流器，供单进程部署和测试使用。
// 多 worker 部署用 RedisWindow 共享同一个窗口。
type FixedWindow struct {
	limit     int64
	windowDur time.Duration
	publisher telemetry.Publisher

	mu      sync.Mutex
	windows map[string]*window

	now func() time.Time
}

// NewFixedWindow 创建一个固定窗口限流器。
// 窗口容量为 maxRPS * windowDur 的秒数，窗口到期后计数归零重新开始。
func NewFixedWindow(maxRPS int, windowDur time.Duration, publisher telemetry.Publisher) *FixedWindow {
	if publisher == nil {
		publisher = telemetry.Noop{}
	}
	return &FixedWindow{
		limit:     windowLimit(maxRPS, windowDur),
		windowDur: windowDur,
		publisher: publisher,
		windows:   make(map[string]*window),
		now:       time.Now,
	}
}

// Admit 在当前窗口上自增计数并判定是否放行。
func (f *FixedWindow) Admit(ctx context.Context, endpointKey string) (bool, error) {
	now := f.now()

	f.mu.Lock()
	w, ok := f.windows[endpointKey]
	if !ok {
		w = &window{start: now}
		f.windows[endpointKey] = w
	}
	// 窗口翻转：先归零再评估本次请求
	if now.Sub(w.start) >= f.windowDur {
		w.start = now
		w.count = 0
	}
	w.count++
	admitted := w.count <= f.limit
	count := w.count
	f.mu.Unlock()

	if !admitted {
		f.publisher.Publish(ctx, telemetry.Event{
			Type: telemetry.EventThrottleRejected,
			Key:  endpointKey,
			Detail: map[string]string{
				"request_count": strconv.FormatInt(count, 10),
				"limit":         strconv.FormatInt(f.limit, 10),
			},
			At: now,
		})
	}
	return admitted, nil
}

// State 返回当前窗口的计数和起点。
func (f *FixedWindow) State(_ context.Context, endpointKey string) (WindowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[endpointKey]
	if !ok {
		return WindowState{}, nil
	}
	return WindowState{RequestCount: w.count, WindowStart: w.start}, nil
}
