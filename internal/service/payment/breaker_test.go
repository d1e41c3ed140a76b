package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bastion/internal/service/telemetry"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T) (*Breaker, *telemetry.Recorder, *time.Time) {
	t.Helper()
	recorder := telemetry.NewRecorder()
	b := NewBreaker("payment-gateway", 3, time.Minute, NewMemoryStateStore(), recorder)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, recorder, &now
}

func failing() func(context.Context) error {
	return func(context.Context) error { return errBoom }
}

func succeeding(calls *int) func(context.Context) error {
	return func(context.Context) error { *calls++; return nil }
}

func TestBreaker_PassesThroughWhenClosed(t *testing.T) {
	b, _, _ := newTestBreaker(t)
	calls := 0
	if err := b.Execute(context.Background(), succeeding(&calls)); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected collaborator to be invoked once, got %d", calls)
	}
}

func TestBreaker_TripsAfterThresholdFailures(t *testing.T) {
	b, recorder, _ := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), failing()); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected collaborator error, got: %v", i, err)
		}
	}

	// 第 threshold+1 次调用必须被短路，协作方不再被触碰
	touched := false
	err := b.Execute(context.Background(), func(context.Context) error {
		touched = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if touched {
		t.Error("collaborator must not be invoked while the circuit is open")
	}
	if recorder.CountOf(telemetry.EventCircuitOpened) != 1 {
		t.Errorf("expected one circuit_opened event")
	}

	rec, _ := b.State(context.Background())
	if rec.State != StateOpen || rec.FailureCount != 3 {
		t.Errorf("expected OPEN with failure_count=3, got %s/%d", rec.State, rec.FailureCount)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _, _ := newTestBreaker(t)

	_ = b.Execute(context.Background(), failing())
	_ = b.Execute(context.Background(), failing())
	calls := 0
	_ = b.Execute(context.Background(), succeeding(&calls))
	// 连续性被打断，重新数
	_ = b.Execute(context.Background(), failing())
	_ = b.Execute(context.Background(), failing())

	rec, _ := b.State(context.Background())
	if rec.State != StateClosed {
		t.Errorf("two failures after a success must not trip a threshold-3 breaker, got %s", rec.State)
	}
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	b, recorder, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing())
	}

	// 冷却结束前仍然短路
	*now = now.Add(30 * time.Second)
	if err := b.Execute(context.Background(), failing()); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected short-circuit before recovery timeout, got: %v", err)
	}

	// 冷却结束：恰好一个探针放行，成功后回到 CLOSED
	*now = now.Add(31 * time.Second)
	calls := 0
	if err := b.Execute(context.Background(), succeeding(&calls)); err != nil {
		t.Fatalf("trial call should pass through, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly one trial invocation, got %d", calls)
	}

	rec, _ := b.State(context.Background())
	if rec.State != StateClosed || rec.FailureCount != 0 {
		t.Errorf("expected CLOSED with failure_count=0, got %s/%d", rec.State, rec.FailureCount)
	}
	if recorder.CountOf(telemetry.EventCircuitClosed) != 1 {
		t.Errorf("expected one circuit_closed event")
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, _, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing())
	}
	*now = now.Add(2 * time.Minute)

	if err := b.Execute(context.Background(), failing()); !errors.Is(err, errBoom) {
		t.Fatalf("trial should reach the collaborator, got: %v", err)
	}

	rec, _ := b.State(context.Background())
	if rec.State != StateOpen {
		t.Errorf("failed trial must reopen the circuit, got %s", rec.State)
	}
	// 探针失败后必须重新计时
	if err := b.Execute(context.Background(), failing()); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected short-circuit right after failed trial, got: %v", err)
	}
}

func TestBreaker_SingleTrialUnderConcurrency(t *testing.T) {
	b, _, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing())
	}
	*now = now.Add(2 * time.Minute)

	var mu sync.Mutex
	invoked := 0
	release := make(chan struct{})
	trial := func(context.Context) error {
		mu.Lock()
		invoked++
		mu.Unlock()
		<-release // 让探针悬在飞行中
		return nil
	}

	var wg sync.WaitGroup
	shortCircuited := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Execute(context.Background(), trial); errors.Is(err, ErrCircuitOpen) {
				mu.Lock()
				shortCircuited++
				mu.Unlock()
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if invoked != 1 {
		t.Errorf("expected exactly one in-flight trial, got %d", invoked)
	}
	if shortCircuited != 4 {
		t.Errorf("expected 4 concurrent callers short-circuited, got %d", shortCircuited)
	}
}
