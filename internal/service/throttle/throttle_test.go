package throttle

import (
	"context"
	"sync"
	"testing"
	"time"

	"bastion/internal/service/telemetry"
)

func TestFixedWindow_AdmitsUpToLimit(t *testing.T) {
	recorder := telemetry.NewRecorder()
	f := NewFixedWindow(2, time.Second, recorder)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := f.Admit(ctx, "submit_order")
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d within budget must be admitted", i)
		}
	}

	ok, err := f.Admit(ctx, "submit_order")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("third request in a max_rps=2 second must be rejected")
	}
	if recorder.CountOf(telemetry.EventThrottleRejected) != 1 {
		t.Error("rejection must emit a throttle_rejected event")
	}
}

func TestFixedWindow_RejectedRequestsStillCount(t *testing.T) {
	f := NewFixedWindow(1, time.Second, nil)
	ctx := context.Background()

	_, _ = f.Admit(ctx, "submit_order")
	_, _ = f.Admit(ctx, "submit_order") // rejected
	_, _ = f.Admit(ctx, "submit_order") // rejected

	state, err := f.State(ctx, "submit_order")
	if err != nil {
		t.Fatal(err)
	}
	if state.RequestCount != 3 {
		t.Errorf("rejected requests must stay in the window, count = %d, want 3", state.RequestCount)
	}
}

func TestFixedWindow_RolloverResetsWindow(t *testing.T) {
	f := NewFixedWindow(1, time.Second, nil)
	base := time.Now()
	f.now = func() time.Time { return base }
	ctx := context.Background()

	if ok, _ := f.Admit(ctx, "submit_order"); !ok {
		t.Fatal("first request must pass")
	}
	if ok, _ := f.Admit(ctx, "submit_order"); ok {
		t.Fatal("second request in the same window must be rejected")
	}

	base = base.Add(time.Second)
	if ok, _ := f.Admit(ctx, "submit_order"); !ok {
		t.Error("request after window rollover must be admitted")
	}
	state, _ := f.State(ctx, "submit_order")
	if state.RequestCount != 1 {
		t.Errorf("rollover must reset the count, got %d", state.RequestCount)
	}
	if !state.WindowStart.Equal(base) {
		t.Errorf("rollover must move window_start, got %v want %v", state.WindowStart, base)
	}
}

func TestFixedWindow_SubSecondWindowScalesLimit(t *testing.T) {
	f := NewFixedWindow(10, 500*time.Millisecond, nil)
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 10; i++ {
		if ok, _ := f.Admit(ctx, "submit_order"); ok {
			admitted++
		}
	}
	if admitted != 5 {
		t.Errorf("a half-second window at max_rps=10 holds 5 requests, admitted %d", admitted)
	}
}

func TestFixedWindow_TinyWindowStillAdmitsOne(t *testing.T) {
	f := NewFixedWindow(1, 100*time.Millisecond, nil)
	ctx := context.Background()

	if ok, _ := f.Admit(ctx, "submit_order"); !ok {
		t.Error("a window must never reject its first request outright")
	}
	if ok, _ := f.Admit(ctx, "submit_order"); ok {
		t.Error("second request in a capacity-1 window must be rejected")
	}
}

func TestFixedWindow_KeysAreIndependent(t *testing.T) {
	f := NewFixedWindow(1, time.Second, nil)
	ctx := context.Background()

	_, _ = f.Admit(ctx, "submit_order")
	if ok, _ := f.Admit(ctx, "cancel_reservation"); !ok {
		t.Error("a saturated key must not throttle other keys")
	}
}

func TestFixedWindow_AtomicUnderConcurrency(t *testing.T) {
	f := NewFixedWindow(50, time.Second, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := f.Admit(ctx, "submit_order"); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 50 {
		t.Errorf("exactly the window budget must be admitted, got %d want 50", admitted)
	}
	state, _ := f.State(ctx, "submit_order")
	if state.RequestCount != 200 {
		t.Errorf("all 200 requests must be counted, got %d", state.RequestCount)
	}
}
