package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"bastion/internal/service/telemetry"
)

func newTestManager(t *testing.T) (*Manager, *MemoryStore, *telemetry.Recorder) {
	t.Helper()
	store := NewMemoryStore()
	ledger := NewLedger(store, NewLocalKeyLock(), time.Second)
	recorder := telemetry.NewRecorder()
	manager := NewManager(ledger, store, NewMemoryHolderGuard(), recorder, time.Second, 15*time.Minute)
	return manager, store, recorder
}

func TestManager_ReserveHoldsStock(t *testing.T) {
	manager, store, _ := newTestManager(t)
	store.SetStock("flash", 5)

	res, err := manager.Reserve(context.Background(), "flash", "user1", 2, time.Minute)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.Status != ReservationHeld {
		t.Errorf("expected HELD, got %s", res.Status)
	}

	available, _ := manager.ledger.Available(context.Background(), "flash")
	if available != 3 {
		t.Errorf("expected 3 available, got %d", available)
	}
}

func TestManager_ReserveInsufficientStock(t *testing.T) {
	manager, store, _ := newTestManager(t)
	store.SetStock("flash", 1)

	_, err := manager.Reserve(context.Background(), "flash", "user1", 3, time.Minute)
	var insufficient *InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got: %v", err)
	}

	// 失败后持有者标记必须被撤销，允许换个数量重试
	if _, err := manager.Reserve(context.Background(), "flash", "user1", 1, time.Minute); err != nil {
		t.Fatalf("retry with smaller quantity should succeed, got: %v", err)
	}
}

func TestManager_DuplicateHolderRejected(t *testing.T) {
	manager, store, _ := newTestManager(t)
	store.SetStock("flash", 5)

	if _, err := manager.Reserve(context.Background(), "flash", "user1", 1, time.Minute); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	_, err := manager.Reserve(context.Background(), "flash", "user1", 1, time.Minute)
	if !errors.Is(err, ErrDuplicateReservation) {
		t.Fatalf("expected ErrDuplicateReservation, got: %v", err)
	}

	// 其他持有者不受影响
	if _, err := manager.Reserve(context.Background(), "flash", "user2", 1, time.Minute); err != nil {
		t.Fatalf("second holder should succeed, got: %v", err)
	}
}

func TestManager_TTLBelowMinimumRejected(t *testing.T) {
	manager, store, _ := newTestManager(t)
	store.SetStock("flash", 5)

	_, err := manager.Reserve(context.Background(), "flash", "user1", 1, 200*time.Millisecond)
	if !errors.Is(err, ErrTTLTooShort) {
		t.Fatalf("expected ErrTTLTooShort, got: %v", err)
	}
}

func TestManager_ConfirmCommitsHold(t *testing.T) {
	manager, store, _ := newTestManager(t)
	store.SetStock("flash", 5)

	res, _ := manager.Reserve(context.Background(), "flash", "user1", 2, time.Minute)
	confirmed, err := manager.Confirm(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if confirmed.Status != ReservationConfirmed {
		t.Errorf("expected CONFIRMED, got %s", confirmed.Status)
	}

	// 确认后库存不回弹
	available, _ := manager.ledger.Available(context.Background(), "flash")
	if available != 3 {
		t.Errorf("expected 3 available after confirm, got %d", available)
	}

	// CONFIRMED 是终态
	if _, err := manager.Confirm(context.Background(), res.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal on double confirm, got: %v", err)
	}
}

func TestManager_ConfirmUnknownReservation(t *testing.T) {
	manager, _, _ := newTestManager(t)
	if _, err := manager.Confirm(context.Background(), "missing"); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got: %v", err)
	}
}

func TestManager_CancelReleasesStockAndIsIdempotent(t *testing.T) {
	manager, store, _ := newTestManager(t)
	store.SetStock("flash", 5)

	res, _ := manager.Reserve(context.Background(), "flash", "user1", 2, time.Minute)
	if err := manager.Cancel(context.Background(), res.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := manager.Cancel(context.Background(), res.ID); err != nil {
		t.Fatalf("cancel of terminal reservation must be a no-op, got: %v", err)
	}

	available, _ := manager.ledger.Available(context.Background(), "flash")
	if available != 5 {
		t.Errorf("expected 5 available after cancel, got %d", available)
	}

	// 取消后持有者可以重新预约
	if _, err := manager.Reserve(context.Background(), "flash", "user1", 1, time.Minute); err != nil {
		t.Fatalf("reserve after cancel should succeed, got: %v", err)
	}
}

func TestManager_CancelAfterConfirmIsNoOp(t *testing.T) {
	manager, store, _ := newTestManager(t)
	store.SetStock("flash", 5)

	res, _ := manager.Reserve(context.Background(), "flash", "user1", 2, time.Minute)
	_, _ = manager.Confirm(context.Background(), res.ID)

	if err := manager.Cancel(context.Background(), res.ID); err != nil {
		t.Fatalf("cancel after confirm must be a no-op, got: %v", err)
	}
	available, _ := manager.ledger.Available(context.Background(), "flash")
	if available != 3 {
		t.Errorf("confirmed stock must stay committed, expected 3, got %d", available)
	}
}

func TestSweeper_ExpiresStaleReservations(t *testing.T) {
	manager, store, recorder := newTestManager(t)
	store.SetStock("flash", 5)

	res, err := manager.Reserve(context.Background(), "flash", "user1", 2, time.Second)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// 把时钟拨快，预约过期
	manager.now = func() time.Time { return time.Now().Add(2 * time.Second) }

	sweeper := NewSweeper(manager, 0)
	count, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 expired reservation, got %d", count)
	}

	got, _ := store.GetReservation(context.Background(), res.ID)
	if got.Status != ReservationExpired {
		t.Errorf("expected EXPIRED, got %s", got.Status)
	}
	available, _ := manager.ledger.Available(context.Background(), "flash")
	if available != 5 {
		t.Errorf("expected stock restored to 5, got %d", available)
	}
	if recorder.CountOf(telemetry.EventReservationExpired) != 1 {
		t.Errorf("expected one reservation_expired event")
	}

	// 已过期的预约不能再确认
	if _, err := manager.Confirm(context.Background(), res.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal after expiry, got: %v", err)
	}
}

func TestSweeper_LeavesLiveReservationsAlone(t *testing.T) {
	manager, store, _ := newTestManager(t)
	store.SetStock("flash", 5)

	_, _ = manager.Reserve(context.Background(), "flash", "user1", 2, time.Minute)

	sweeper := NewSweeper(manager, 0)
	count, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 expired, got %d", count)
	}
	available, _ := manager.ledger.Available(context.Background(), "flash")
	if available != 3 {
		t.Errorf("live hold must survive the sweep, expected 3, got %d", available)
	}
}

func TestSweeper_DefaultIntervalFromMinTTL(t *testing.T) {
	manager, _, _ := newTestManager(t)
	sweeper := NewSweeper(manager, 0)
	if sweeper.interval != 100*time.Millisecond {
		t.Errorf("minTTL=1s should derive a 100ms interval, got %v", sweeper.interval)
	}
}
