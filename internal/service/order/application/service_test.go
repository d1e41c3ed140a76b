package application_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"bastion/internal/service/inventory"
	"bastion/internal/service/order/application"
	"bastion/internal/service/order/domain"
	"bastion/internal/service/order/infrastructure"
	"bastion/internal/service/payment"
	"bastion/internal/service/telemetry"
	"bastion/internal/service/throttle"
)

// fakeGateway 按预设脚本逐次响应扣款请求，脚本耗尽后一律成功。
type fakeGateway struct {
	mu      sync.Mutex
	script  []error
	charges int
	refunds int
}

func transientErr() error {
	return &payment.GatewayError{Kind: payment.FailureTransient, Code: "TIMEOUT", Message: "gateway timeout"}
}

func permanentErr() error {
	return &payment.GatewayError{Kind: payment.FailurePermanent, Code: "DECLINED", Message: "card declined"}
}

func (g *fakeGateway) Charge(_ context.Context, req payment.ChargeRequest) (*payment.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges++
	if len(g.script) > 0 {
		err := g.script[0]
		g.script = g.script[1:]
		if err != nil {
			return nil, err
		}
	}
	return &payment.ChargeResult{Reference: "ref-" + req.OrderID}, nil
}

func (g *fakeGateway) Refund(context.Context, string, int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds++
	return nil
}

func (g *fakeGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.charges
}

type fakeQueueProducer struct {
	mu     sync.Mutex
	events []*domain.OrderQueuedEvent
}

func (p *fakeQueueProducer) Publish(_ context.Context, event *domain.OrderQueuedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakeQueueProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	svc      *application.OrderApplicationService
	repo     *infrastructure.MemoryOrderRepository
	store    *inventory.MemoryStore
	ledger   *inventory.Ledger
	manager  *inventory.Manager
	breaker  *payment.Breaker
	gateway  *fakeGateway
	queue    *fakeQueueProducer
	recorder *telemetry.Recorder
}

type fixtureConfig struct {
	maxRPS      int
	threshold   int
	recovery    time.Duration
	maxAttempts int
}

func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	if cfg.maxRPS == 0 {
		cfg.maxRPS = 1000
	}
	if cfg.threshold == 0 {
		cfg.threshold = 5
	}
	if cfg.recovery == 0 {
		cfg.recovery = time.Minute
	}
	if cfg.maxAttempts == 0 {
		cfg.maxAttempts = 3
	}

	recorder := telemetry.NewRecorder()
	store := inventory.NewMemoryStore()
	ledger := inventory.NewLedger(store, inventory.NewLocalKeyLock(), time.Second)
	manager := inventory.NewManager(ledger, store, inventory.NewMemoryHolderGuard(), recorder, time.Second, 15*time.Minute)
	breaker := payment.NewBreaker("payment-gateway", cfg.threshold, cfg.recovery, payment.NewMemoryStateStore(), recorder)
	gateway := &fakeGateway{}
	queue := &fakeQueueProducer{}
	repo := infrastructure.NewMemoryOrderRepository()
	admitter := throttle.NewFixedWindow(cfg.maxRPS, time.Second, recorder)

	svc := application.NewOrderApplicationService(
		repo, queue, admitter, ledger, manager, breaker, gateway,
		recorder, otel.Tracer("test"),
		application.Options{
			MaxAttempts:    cfg.maxAttempts,
			PaymentTimeout: time.Second,
			ReservationTTL: time.Minute,
		},
	)
	return &fixture{
		svc: svc, repo: repo, store: store, ledger: ledger, manager: manager,
		breaker: breaker, gateway: gateway, queue: queue, recorder: recorder,
	}
}

func submitReq(productID string, quantity int, flashSale bool) *application.SubmitOrderRequest {
	return &application.SubmitOrderRequest{
		HolderID:      "user-1",
		PaymentMethod: "card",
		Items: []application.SubmitOrderItem{
			{ProductID: productID, Quantity: quantity, UnitPrice: 1999, FlashSale: flashSale},
		},
	}
}

func available(t *testing.T, f *fixture, productID string) int {
	t.Helper()
	n, err := f.ledger.Available(context.Background(), productID)
	if err != nil {
		t.Fatalf("read available stock: %v", err)
	}
	return n
}

func TestSubmitOrder_HappyPath(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.store.SetStock("p1", 10)

	outcome, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 3, false))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome.Outcome != domain.OutcomeAccepted {
		t.Fatalf("expected ACCEPTED, got %s (%s)", outcome.Outcome, outcome.Reason)
	}
	if outcome.State != domain.StateCompleted {
		t.Errorf("expected COMPLETED state, got %s", outcome.State)
	}
	if got := available(t, f, "p1"); got != 7 {
		t.Errorf("stock must stay decremented after commit, available = %d, want 7", got)
	}

	saved, err := f.repo.FindByID(context.Background(), outcome.OrderID)
	if err != nil {
		t.Fatalf("completed order must be persisted: %v", err)
	}
	if saved.PaymentRef == "" {
		t.Error("completed order must carry the gateway reference")
	}
	if f.recorder.CountOf(telemetry.EventOrderCompleted) != 1 {
		t.Error("expected an order_completed event")
	}
}

func TestSubmitOrder_ThrottledBeforeTouchingStock(t *testing.T) {
	f := newFixture(t, fixtureConfig{maxRPS: 1})
	f.store.SetStock("p1", 10)

	first, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 1, false))
	if err != nil {
		t.Fatal(err)
	}
	if first.Outcome != domain.OutcomeAccepted {
		t.Fatalf("first request must pass, got %s", first.Outcome)
	}

	second, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 1, false))
	if err != nil {
		t.Fatal(err)
	}
	if second.Outcome != domain.OutcomeRejectedThrottled {
		t.Fatalf("expected REJECTED_THROTTLED, got %s", second.Outcome)
	}
	if second.State != domain.StateRejected {
		t.Errorf("throttled order must end REJECTED, got %s", second.State)
	}
	// 被限流的请求不碰库存
	if got := available(t, f, "p1"); got != 9 {
		t.Errorf("throttled request must not touch stock, available = %d, want 9", got)
	}
	if f.gateway.chargeCount() != 1 {
		t.Errorf("throttled request must not reach the gateway, charges = %d", f.gateway.chargeCount())
	}
}

func TestSubmitOrder_ConcurrentLastUnit(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.store.SetStock("p1", 1)

	outcomes := make([]*domain.Outcome, 2)
	availables := make([]int, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 1, false))
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			outcomes[i] = &outcome.Outcome
			availables[i] = outcome.Available
		}(i)
	}
	wg.Wait()

	accepted, rejected := 0, 0
	for i, o := range outcomes {
		if o == nil {
			t.Fatal("missing outcome")
		}
		switch *o {
		case domain.OutcomeAccepted:
			accepted++
		case domain.OutcomeRejectedStock:
			rejected++
			if availables[i] != 0 {
				t.Errorf("loser must see available=0, got %d", availables[i])
			}
		default:
			t.Errorf("unexpected outcome %s", *o)
		}
	}
	if accepted != 1 || rejected != 1 {
		t.Fatalf("exactly one of two racing orders may win the last unit, accepted=%d rejected=%d", accepted, rejected)
	}
	if got := available(t, f, "p1"); got != 0 {
		t.Errorf("available = %d, want 0", got)
	}
}

func TestSubmitOrder_TransientFailureRetriesWithHeldStock(t *testing.T) {
	f := newFixture(t, fixtureConfig{maxAttempts: 3})
	f.store.SetStock("p1", 5)
	f.gateway.script = []error{transientErr(), transientErr(), nil}

	outcome, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 1, false))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Outcome != domain.OutcomeAccepted {
		t.Fatalf("expected ACCEPTED after transient retries, got %s (%s)", outcome.Outcome, outcome.Reason)
	}
	if f.gateway.chargeCount() != 3 {
		t.Errorf("expected 3 charge attempts, got %d", f.gateway.chargeCount())
	}
	// 成功收尾后熔断计数清零
	rec, _ := f.breaker.State(context.Background())
	if rec.FailureCount != 0 {
		t.Errorf("success must reset breaker failure count, got %d", rec.FailureCount)
	}
}

func TestSubmitOrder_TransientExhaustionFailsAndReleases(t *testing.T) {
	f := newFixture(t, fixtureConfig{maxAttempts: 2, threshold: 10})
	f.store.SetStock("p1", 5)
	f.gateway.script = []error{transientErr(), transientErr()}

	outcome, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 2, false))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Outcome != domain.OutcomeRejectedPayment {
		t.Fatalf("expected REJECTED_PAYMENT, got %s", outcome.Outcome)
	}
	if outcome.State != domain.StatePaymentFailed {
		t.Errorf("expected PAYMENT_FAILED, got %s", outcome.State)
	}
	if got := available(t, f, "p1"); got != 5 {
		t.Errorf("exhausted payment must release stock, available = %d, want 5", got)
	}
	if f.recorder.CountOf(telemetry.EventPaymentFailed) != 1 {
		t.Error("expected a payment_failed event")
	}
}

func TestSubmitOrder_PermanentFailureNoRetry(t *testing.T) {
	f := newFixture(t, fixtureConfig{maxAttempts: 3})
	f.store.SetStock("p1", 5)
	f.gateway.script = []error{permanentErr()}

	outcome, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 1, false))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Outcome != domain.OutcomeRejectedPayment {
		t.Fatalf("expected REJECTED_PAYMENT, got %s", outcome.Outcome)
	}
	if f.gateway.chargeCount() != 1 {
		t.Errorf("permanent decline must not be retried, charges = %d", f.gateway.chargeCount())
	}
	if got := available(t, f, "p1"); got != 5 {
		t.Errorf("declined payment must release stock, available = %d, want 5", got)
	}
}

func TestSubmitOrder_CircuitOpenQueuesWithoutPaymentAttempt(t *testing.T) {
	f := newFixture(t, fixtureConfig{maxAttempts: 1, threshold: 3})
	f.store.SetStock("p1", 100)

	// 连续三单瞬时失败把熔断器打开
	for i := 0; i < 3; i++ {
		f.gateway.mu.Lock()
		f.gateway.script = append(f.gateway.script, transientErr())
		f.gateway.mu.Unlock()
		outcome, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 1, false))
		if err != nil {
			t.Fatal(err)
		}
		if outcome.Outcome != domain.OutcomeRejectedPayment {
			t.Fatalf("order %d: expected REJECTED_PAYMENT, got %s", i, outcome.Outcome)
		}
	}
	chargesBefore := f.gateway.chargeCount()

	outcome, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 2, false))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Outcome != domain.OutcomeQueued {
		t.Fatalf("expected QUEUED while circuit is open, got %s (%s)", outcome.Outcome, outcome.Reason)
	}
	if outcome.QueuedID != outcome.OrderID {
		t.Errorf("queued outcome must carry the queued order id")
	}
	if f.gateway.chargeCount() != chargesBefore {
		t.Error("queued order must not invoke the payment collaborator")
	}
	if got := available(t, f, "p1"); got != 100 {
		t.Errorf("queued order must release its stock hold, available = %d, want 100", got)
	}

	saved, err := f.repo.FindByID(context.Background(), outcome.OrderID)
	if err != nil {
		t.Fatalf("queued order must be persisted: %v", err)
	}
	if saved.State != domain.StateQueued {
		t.Errorf("persisted state = %s, want QUEUED", saved.State)
	}
	if f.queue.count() != 1 {
		t.Errorf("queued order must be published to the retry queue, got %d events", f.queue.count())
	}
	if f.recorder.CountOf(telemetry.EventOrderQueued) != 1 {
		t.Error("expected an order_queued event")
	}
}

func TestSubmitOrder_FlashSaleGoesThroughReservation(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.store.SetStock("p1", 5)

	outcome, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 2, true))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Outcome != domain.OutcomeAccepted {
		t.Fatalf("expected ACCEPTED, got %s (%s)", outcome.Outcome, outcome.Reason)
	}
	if got := available(t, f, "p1"); got != 3 {
		t.Errorf("available = %d, want 3", got)
	}

	// 秒杀同一持有人不允许叠加预约，但 CONFIRMED 之后要放行下一单
	again, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 1, true))
	if err != nil {
		t.Fatal(err)
	}
	if again.Outcome != domain.OutcomeAccepted {
		t.Fatalf("confirmed reservation must not block a new order, got %s (%s)", again.Outcome, again.Reason)
	}
}

func TestRetryQueuedOrder_CompletesAfterRecovery(t *testing.T) {
	f := newFixture(t, fixtureConfig{maxAttempts: 1, threshold: 1, recovery: 20 * time.Millisecond})
	f.store.SetStock("p1", 10)
	f.gateway.script = []error{transientErr()}

	// 第一单打开熔断，第二单入队
	if _, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 1, false)); err != nil {
		t.Fatal(err)
	}
	queued, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 2, false))
	if err != nil {
		t.Fatal(err)
	}
	if queued.Outcome != domain.OutcomeQueued {
		t.Fatalf("expected QUEUED, got %s", queued.Outcome)
	}

	// 等待熔断冷却，重试应当完成订单
	time.Sleep(30 * time.Millisecond)
	event := f.queue.events[0]
	if err := f.svc.RetryQueuedOrder(context.Background(), event); err != nil {
		t.Fatalf("retry: %v", err)
	}

	saved, err := f.repo.FindByID(context.Background(), queued.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.State != domain.StateCompleted {
		t.Fatalf("retried order state = %s, want COMPLETED", saved.State)
	}
	if got := available(t, f, "p1"); got != 8 {
		t.Errorf("available = %d, want 8", got)
	}
}

func TestRetryQueuedOrder_RequeuesWhileCircuitStillOpen(t *testing.T) {
	f := newFixture(t, fixtureConfig{maxAttempts: 3, threshold: 1, recovery: time.Hour})
	f.store.SetStock("p1", 10)
	f.gateway.script = []error{transientErr(), transientErr(), transientErr()}

	if _, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 1, false)); err != nil {
		t.Fatal(err)
	}
	queued, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 1, false))
	if err != nil {
		t.Fatal(err)
	}
	if queued.Outcome != domain.OutcomeQueued {
		t.Fatalf("expected QUEUED, got %s", queued.Outcome)
	}

	if err := f.svc.RetryQueuedOrder(context.Background(), f.queue.events[0]); err != nil {
		t.Fatal(err)
	}
	saved, _ := f.repo.FindByID(context.Background(), queued.OrderID)
	if saved.State != domain.StateQueued {
		t.Fatalf("order must go back to the queue while circuit is open, state = %s", saved.State)
	}
	if saved.Attempts != 1 {
		t.Errorf("requeue must track the attempt count, got %d", saved.Attempts)
	}
	if f.queue.count() != 2 {
		t.Errorf("requeue must publish a fresh event, got %d", f.queue.count())
	}
}

func TestRetryQueuedOrder_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, fixtureConfig{maxAttempts: 1, threshold: 1, recovery: time.Hour})
	f.store.SetStock("p1", 10)
	f.gateway.script = []error{transientErr()}

	if _, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 1, false)); err != nil {
		t.Fatal(err)
	}
	queued, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 1, false))
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.RetryQueuedOrder(context.Background(), f.queue.events[0]); err != nil {
		t.Fatal(err)
	}
	saved, _ := f.repo.FindByID(context.Background(), queued.OrderID)
	if saved.State != domain.StatePaymentFailed {
		t.Fatalf("exhausted retries must end PAYMENT_FAILED, state = %s", saved.State)
	}
	if got := available(t, f, "p1"); got != 10 {
		t.Errorf("stock must be free after giving up, available = %d, want 10", got)
	}
}

func TestReadOnlyViews(t *testing.T) {
	f := newFixture(t, fixtureConfig{maxRPS: 5})
	f.store.SetStock("p1", 5)

	if _, err := f.svc.SubmitOrder(context.Background(), submitReq("p1", 1, false)); err != nil {
		t.Fatal(err)
	}

	rec, err := f.svc.GetCircuitState(context.Background(), "payment-gateway")
	if err != nil {
		t.Fatalf("circuit state: %v", err)
	}
	if rec.State != payment.StateClosed {
		t.Errorf("circuit state = %s, want CLOSED", rec.State)
	}
	if _, err := f.svc.GetCircuitState(context.Background(), "no-such-service"); err == nil {
		t.Error("unknown service name must be an error")
	}

	state, err := f.svc.GetThrottleState(context.Background(), "submit_order")
	if err != nil {
		t.Fatal(err)
	}
	if state.RequestCount != 1 {
		t.Errorf("throttle window count = %d, want 1", state.RequestCount)
	}
}
