// internal/service/inventory/store.go
package inventory

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrProductNotFound     = errors.New("product not found")
	ErrHoldNotFound        = errors.New("hold not found")
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrVersionConflict 表示乐观版本检查失败。
	// 正常情况下不会发生——库存写入都在按键锁内——它的存在是为了
	// 发现绕过台账直接改库存的行为。
	ErrVersionConflict = errors.New("stock record version conflict")
)

// StockRecord 是单个商品的权威库存记录。
// OnHand 只允许通过台账的 acquire/release/commit 变更。
type StockRecord struct {
	ProductID string
	OnHand    int
	Version   int64
}

// HoldStatus 描述一次库存预扣的状态。
type HoldStatus string

const (
	HoldHeld      HoldStatus = "HELD"
	HoldCommitted HoldStatus = "COMMITTED"
	HoldReleased  HoldStatus = "RELEASED"
)

// Hold 记录一次暂扣：已经从 OnHand 中减走、等待支付定论的数量。
type Hold struct {
	ID        string
	ProductID string
	Quantity  int
	Status    HoldStatus
	CreatedAt time.Time
}

// ReservationStatus 描述限时预约的状态。CONFIRMED/EXPIRED/RELEASED 为终态。
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationExpired   ReservationStatus = "EXPIRED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Reservation 是一次面向特定持有者的限时库存占用（闪购场景）。
type Reservation struct {
	ID        string
	ProductID string
	HolderID  string
	Quantity  int
	HoldID    string
	Status    ReservationStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Terminal 返回预约是否已进入终态。
func (r Reservation) Terminal() bool {
	return r.Status != ReservationHeld
}

// Store 是持久化协作方的出站端口：库存记录、暂扣、预约的读写。
// 所有写入都发生在对应商品的按键锁之内，Store 自身不做并发控制，
// 但 PutStock 带乐观版本检查作为第二道防线。
type Store interface {
	GetStock(ctx context.Context, productID string) (StockRecord, error)
	PutStock(ctx context.Context, record StockRecord, expectVersion int64) error

	GetHold(ctx context.Context, holdID string) (Hold, error)
	PutHold(ctx context.Context, hold Hold) error

	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	PutReservation(ctx context.Context, reservation Reservation) error
	// ExpiredReservations 返回 status=HELD 且 expires_at < now 的预约。
	ExpiredReservations(ctx context.Context, now time.Time) ([]Reservation, error)
}

// MemoryStore 是 Store 的进程内实现，用于测试和单机部署。
type MemoryStore struct {
	mu           sync.RWMutex
	stocks       map[string]StockRecord
	holds        map[string]Hold
	reservations map[string]Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stocks:       make(map[string]StockRecord),
		holds:        make(map[string]Hold),
		reservations: make(map[string]Reservation),
	}
}

// SetStock 直接写入一条库存记录，测试和初始化数据用。
func (s *MemoryStore) SetStock(productID string, onHand int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.stocks[productID]
	rec.ProductID = productID
	rec.OnHand = onHand
	s.stocks[productID] = rec
}

func (s *MemoryStore) GetStock(_ context.Context, productID string) (StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.stocks[productID]
	if !ok {
		return StockRecord{}, errors.Wrap(ErrProductNotFound, productID)
	}
	return rec, nil
}

func (s *MemoryStore) PutStock(_ context.Context, record StockRecord, expectVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.stocks[record.ProductID]
	if ok && current.Version != expectVersion {
		return errors.Wrapf(ErrVersionConflict, "product %s: have v%d want v%d", record.ProductID, current.Version, expectVersion)
	}
	s.stocks[record.ProductID] = record
	return nil
}

func (s *MemoryStore) GetHold(_ context.Context, holdID string) (Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holds[holdID]
	if !ok {
		return Hold{}, errors.Wrap(ErrHoldNotFound, holdID)
	}
	return h, nil
}

func (s *MemoryStore) PutHold(_ context.Context, hold Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds[hold.ID] = hold
	return nil
}

func (s *MemoryStore) GetReservation(_ context.Context, reservationID string) (Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return Reservation{}, errors.Wrap(ErrReservationNotFound, reservationID)
	}
	return r, nil
}

func (s *MemoryStore) PutReservation(_ context.Context, reservation Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[reservation.ID] = reservation
	return nil
}

func (s *MemoryStore) ExpiredReservations(_ context.Context, now time.Time) ([]Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Reservation
	for _, r := range s.reservations {
		if r.Status == ReservationHeld && r.ExpiresAt.Before(now) {
			out = append(out, r)
		}
	}
	return out, nil
}
