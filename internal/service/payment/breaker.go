// internal/service/payment/breaker.go
package payment

import (
	"context"
	"strconv"
	"sync"
	"time"

	"bastion/internal/pkg/logger"
	"bastion/internal/service/telemetry"

	"github.com/pkg/errors"
)

// ErrCircuitOpen 表示熔断器处于 OPEN 状态，调用被直接短路。
var ErrCircuitOpen = errors.New("circuit open: payment collaborator presumed unhealthy")

// IsCircuitOpen 报告错误是否来自熔断短路。
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// CircuitState 是熔断器三态。
type CircuitState string

const (
	StateClosed   CircuitState = "CLOSED"
	StateOpen     CircuitState = "OPEN"
	StateHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitRecord 是单个被保护服务的熔断状态，持久化后多个 worker 共享视图。
type CircuitRecord struct {
	ServiceName   string
	State         CircuitState
	FailureCount  int
	LastFailureAt time.Time
	NextAttemptAt time.Time
}

// StateStore 是熔断状态的持久化端口。
// 未知服务返回一条全零的 CLOSED 记录而不是错误。
type StateStore interface {
	Load(ctx context.Context, serviceName string) (CircuitRecord, error)
	Save(ctx context.Context, record CircuitRecord) error
}

// MemoryStateStore 是 StateStore 的进程内实现。
type MemoryStateStore struct {
	mu      sync.RWMutex
	records map[string]CircuitRecord
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{records: make(map[string]CircuitRecord)}
}

func (s *MemoryStateStore) Load(_ context.Context, serviceName string) (CircuitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[serviceName]; ok {
		return rec, nil
	}
	return CircuitRecord{ServiceName: serviceName, State: StateClosed}, nil
}

func (s *MemoryStateStore) Save(_ context.Context, record CircuitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ServiceName] = record
	return nil
}

// Breaker 是失败率驱动的熔断器，挡在外部支付协作方前面。
// 它对被保护的调用内容一无所知——只数失败、掐时间、放探针。
type Breaker struct {
	serviceName string
	threshold   int
	recovery    time.Duration
	store       StateStore
	publisher   telemetry.Publisher

	mu            sync.Mutex
	trialInFlight bool

	now func() time.Time
}

// NewBreaker 创建一个熔断器。threshold 次连续失败进入 OPEN，
// recovery 之后放行一个探针调用。
func NewBreaker(serviceName string, threshold int, recovery time.Duration, store StateStore, publisher telemetry.Publisher) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recovery <= 0 {
		recovery = 60 * time.Second
	}
	return &Breaker{
		serviceName: serviceName,
		threshold:   threshold,
		recovery:    recovery,
		store:       store,
		publisher:   publisher,
		now:         time.Now,
	}
}

// Execute 把对支付协作方的调用包在熔断器里。
// OPEN 状态下 fn 绝不会被调用；HALF_OPEN 只放行一个在途探针，
// 探针在飞时到达的并发调用同样被短路。
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(ctx); err != nil {
		return err
	}

	err := fn(ctx)
	b.settle(ctx, err)
	return err
}

// admit 决定本次调用放行还是短路，并完成 OPEN→HALF_OPEN 的迁移。
func (b *Breaker) admit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.store.Load(ctx, b.serviceName)
	if err != nil {
		return errors.Wrap(err, "load circuit state")
	}

	switch rec.State {
	case StateOpen:
		if b.now().Before(rec.NextAttemptAt) {
			return ErrCircuitOpen
		}
		// 冷却结束：本次调用作为探针放行。
		// NextAttemptAt 同时顺延，避免其他 worker 在探针未定论时也放行。
		rec.State = StateHalfOpen
		rec.NextAttemptAt = b.now().Add(b.recovery)
		if err := b.store.Save(ctx, rec); err != nil {
			return errors.Wrap(err, "save circuit state")
		}
		b.trialInFlight = true
		b.emit(ctx, telemetry.EventCircuitHalfOpened, rec)
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
	}
	return nil
}

// settle 根据调用结果推进状态机。
func (b *Breaker) settle(ctx context.Context, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.store.Load(ctx, b.serviceName)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("failed to load circuit state on settle")
		return
	}
	wasTrial := b.trialInFlight
	b.trialInFlight = false

	if callErr == nil {
		if rec.State != StateClosed {
			rec.State = StateClosed
			rec.FailureCount = 0
			defer b.emit(ctx, telemetry.EventCircuitClosed, rec)
		}
		rec.FailureCount = 0
	} else {
		rec.FailureCount++
		rec.LastFailureAt = b.now()
		tripped := rec.State == StateClosed && rec.FailureCount >= b.threshold
		trialFailed := rec.State == StateHalfOpen && wasTrial
		if tripped || trialFailed {
			rec.State = StateOpen
			rec.NextAttemptAt = b.now().Add(b.recovery)
			defer b.emit(ctx, telemetry.EventCircuitOpened, rec)
		}
	}

	if err := b.store.Save(ctx, rec); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("failed to save circuit state")
	}
}

// State 返回当前熔断状态，只读，供遥测看板使用。
func (b *Breaker) State(ctx context.Context) (CircuitRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.Load(ctx, b.serviceName)
}

func (b *Breaker) emit(ctx context.Context, t telemetry.EventType, rec CircuitRecord) {
	b.publisher.Publish(ctx, telemetry.Event{
		Type: t,
		Key:  b.serviceName,
		Detail: map[string]string{
			"failure_count": strconv.Itoa(rec.FailureCount),
			"state":         string(rec.State),
		},
		At: b.now(),
	})
}
