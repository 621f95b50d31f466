package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/marcusholm/polyscan/internal/crypto"
	"github.com/marcusholm/polyscan/internal/domain"
)

// well-known hardhat development key, never funded on mainnet
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type fakePoster struct {
	mu         sync.Mutex
	orders     []domain.Order
	errs       []error // consumed one per call, nil entries succeed
	cancelled  []string
	cancelAlls int
	cancelErr  error
}

func (p *fakePoster) PostOrder(ctx context.Context, order domain.Order) (domain.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := len(p.orders)
	p.orders = append(p.orders, order)
	if i < len(p.errs) && p.errs[i] != nil {
		return domain.OrderResult{Success: false, Message: p.errs[i].Error()}, p.errs[i]
	}
	return domain.OrderResult{
		Success: true,
		OrderID: fmt.Sprintf("ord-%d", i+1),
		Status:  domain.OrderStatusOpen,
	}, nil
}

func (p *fakePoster) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, orderID)
	return p.cancelErr
}

func (p *fakePoster) CancelAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelAlls++
	return p.cancelErr
}

func (p *fakePoster) calls() []domain.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Order(nil), p.orders...)
}

type waitCall struct {
	key    string
	limit  int
	window time.Duration
}

type fakeLimiter struct {
	mu    sync.Mutex
	waits []waitCall
	err   error
}

func (l *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return true, nil
}

func (l *fakeLimiter) Wait(ctx context.Context, key string, limit int, window time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits = append(l.waits, waitCall{key: key, limit: limit, window: window})
	return l.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.NewSigner(testPrivateKey, 137)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func shortMatch(cond string) domain.StrategyMatch {
	return domain.StrategyMatch{
		ID:          "match-" + cond,
		Strategy:    domain.StrategyArbitrageShort,
		Confidence:  domain.ConfidenceHigh,
		ConditionID: cond,
		Question:    "question " + cond,
		Legs: []domain.MatchLeg{
			{TokenID: cond + "-yes", Label: "Yes", Side: domain.OrderSideSell, Price: 0.47, Size: 50},
			{TokenID: cond + "-no", Label: "No", Side: domain.OrderSideSell, Price: 0.57, Size: 50},
		},
		PriceSum:        1.04,
		EstimatedProfit: 1.48,
	}
}

func newLiveFixture(t *testing.T, poster *fakePoster, limiter domain.RateLimiter, cfg LiveConfig) *LiveExecutor {
	t.Helper()
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	return NewLiveExecutor(poster, newTestSigner(t), limiter, cfg, discardLogger())
}

func TestLiveExecutorPlacesAllLegs(t *testing.T) {
	poster := &fakePoster{}
	exec := newLiveFixture(t, poster, nil, LiveConfig{})

	res, err := exec.Execute(context.Background(), shortMatch("0xa"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result not successful: %+v", res)
	}
	if res.Simulated {
		t.Error("live execution reported as simulated")
	}
	if res.Profit != 1.48 {
		t.Errorf("profit = %v, want 1.48", res.Profit)
	}
	if len(res.OrderIDs) != 2 || res.OrderIDs[0] != "ord-1" || res.OrderIDs[1] != "ord-2" {
		t.Errorf("order ids = %v", res.OrderIDs)
	}

	orders := poster.calls()
	if len(orders) != 2 {
		t.Fatalf("orders posted = %d, want 2", len(orders))
	}
	first := orders[0]
	if first.Side != domain.OrderSideSell || first.TokenID != "0xa-yes" {
		t.Errorf("first order = %s %s", first.Side, first.TokenID)
	}
	if first.Type != domain.OrderTypeGTC {
		t.Errorf("order type = %s, want GTC", first.Type)
	}
	if first.Signature == "" {
		t.Error("order not signed")
	}
	if got := first.Wallet; got != exec.signer.Address().Hex() {
		t.Errorf("wallet = %s, want signer address", got)
	}
	// selling 50 shares at 0.47: maker offers shares, taker pays USDC
	if got := first.MakerAmount.Int64(); got != 50_000_000 {
		t.Errorf("maker amount = %d, want 50000000", got)
	}
	if got := first.TakerAmount.Int64(); got != 23_500_000 {
		t.Errorf("taker amount = %d, want 23500000", got)
	}
}

func TestLiveExecutorBuySideAmounts(t *testing.T) {
	poster := &fakePoster{}
	exec := newLiveFixture(t, poster, nil, LiveConfig{})

	match := shortMatch("0xa")
	match.Strategy = domain.StrategyArbitrageLong
	match.Legs = []domain.MatchLeg{
		{TokenID: "0xa-yes", Label: "Yes", Side: domain.OrderSideBuy, Price: 0.46, Size: 50},
	}
	if _, err := exec.Execute(context.Background(), match); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	order := poster.calls()[0]
	// buying 50 shares at 0.46: maker pays USDC, taker receives shares
	if got := order.MakerAmount.Int64(); got != 23_000_000 {
		t.Errorf("maker amount = %d, want 23000000", got)
	}
	if got := order.TakerAmount.Int64(); got != 50_000_000 {
		t.Errorf("taker amount = %d, want 50000000", got)
	}
}

func TestLiveExecutorRetriesRetryableOnce(t *testing.T) {
	poster := &fakePoster{errs: []error{domain.Transient("post order", errors.New("status 503"))}}
	exec := newLiveFixture(t, poster, nil, LiveConfig{})

	res, err := exec.Execute(context.Background(), shortMatch("0xa"))
	if err != nil {
		t.Fatalf("Execute after retry: %v", err)
	}
	if !res.Success {
		t.Fatalf("result not successful: %+v", res)
	}
	// leg 1 failed once and retried, leg 2 went straight through
	if got := len(poster.calls()); got != 3 {
		t.Errorf("post calls = %d, want 3", got)
	}
}

func TestLiveExecutorNonRetryableFailsFast(t *testing.T) {
	poster := &fakePoster{errs: []error{errors.New("order rejected: bad token")}}
	exec := newLiveFixture(t, poster, nil, LiveConfig{})

	res, err := exec.Execute(context.Background(), shortMatch("0xa"))
	if err == nil {
		t.Fatal("expected error")
	}
	var execErr *domain.ExecutionError
	if !errors.As(err, &execErr) {
		t.Errorf("error type = %T, want *domain.ExecutionError", err)
	}
	if res.Success {
		t.Error("result reported success")
	}
	if len(res.OrderIDs) != 0 {
		t.Errorf("order ids = %v, want none", res.OrderIDs)
	}
	if got := len(poster.calls()); got != 1 {
		t.Errorf("post calls = %d, want 1 (no retry)", got)
	}
}

func TestLiveExecutorStopsOnFailedLeg(t *testing.T) {
	persistent := domain.Transient("post order", errors.New("status 500"))
	poster := &fakePoster{errs: []error{nil, persistent, persistent}}
	exec := newLiveFixture(t, poster, nil, LiveConfig{})

	res, err := exec.Execute(context.Background(), shortMatch("0xa"))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(res.OrderIDs) != 1 {
		t.Errorf("order ids = %v, want the one placed leg", res.OrderIDs)
	}
	// leg 1 placed, leg 2 tried twice
	if got := len(poster.calls()); got != 3 {
		t.Errorf("post calls = %d, want 3", got)
	}
}

func TestLiveExecutorFailedLegCancelsPlacedOrders(t *testing.T) {
	persistent := domain.Transient("post order", errors.New("status 500"))
	poster := &fakePoster{errs: []error{nil, persistent, persistent}}
	exec := newLiveFixture(t, poster, nil, LiveConfig{})

	if _, err := exec.Execute(context.Background(), shortMatch("0xa")); err == nil {
		t.Fatal("expected error")
	}

	poster.mu.Lock()
	cancelled := append([]string(nil), poster.cancelled...)
	poster.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != "ord-1" {
		t.Errorf("cancelled = %v, want the placed first leg rolled back", cancelled)
	}
}

func TestCancelOpenDelegatesToExchange(t *testing.T) {
	poster := &fakePoster{}
	exec := newLiveFixture(t, poster, nil, LiveConfig{})

	if err := exec.CancelOpen(context.Background()); err != nil {
		t.Fatalf("CancelOpen: %v", err)
	}
	if poster.cancelAlls != 1 {
		t.Errorf("cancel-all calls = %d, want 1", poster.cancelAlls)
	}

	poster.cancelErr = errors.New("exchange down")
	if err := exec.CancelOpen(context.Background()); err == nil {
		t.Error("expected the exchange failure surfaced")
	}
}

func TestLiveExecutorCooldownSuppressesRepeat(t *testing.T) {
	poster := &fakePoster{}
	exec := newLiveFixture(t, poster, nil, LiveConfig{CooldownWindow: time.Minute})

	if _, err := exec.Execute(context.Background(), shortMatch("0xa")); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	posted := len(poster.calls())

	res, err := exec.Execute(context.Background(), shortMatch("0xa"))
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if res.Success {
		t.Error("repeat execution not suppressed")
	}
	if got := len(poster.calls()); got != posted {
		t.Errorf("post calls grew to %d during cooldown", got)
	}

	// a different strategy on the same market is a different opportunity
	other := shortMatch("0xa")
	other.Strategy = domain.StrategyArbitrageLong
	for i := range other.Legs {
		other.Legs[i].Side = domain.OrderSideBuy
	}
	if _, err := exec.Execute(context.Background(), other); err != nil {
		t.Fatalf("different strategy execute: %v", err)
	}
	if got := len(poster.calls()); got != posted+2 {
		t.Errorf("post calls = %d, want %d", got, posted+2)
	}
}

func TestLiveExecutorPacesOrders(t *testing.T) {
	poster := &fakePoster{}
	limiter := &fakeLimiter{}
	exec := newLiveFixture(t, poster, limiter, LiveConfig{OrderRate: 10, OrderWindow: time.Second})

	if _, err := exec.Execute(context.Background(), shortMatch("0xa")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := len(limiter.waits); got != 2 {
		t.Fatalf("limiter waits = %d, want 2", got)
	}
	wantKey := "orders:" + exec.signer.Address().Hex()
	if limiter.waits[0].key != wantKey {
		t.Errorf("limiter key = %q, want %q", limiter.waits[0].key, wantKey)
	}
	if limiter.waits[0].limit != 10 || limiter.waits[0].window != time.Second {
		t.Errorf("limiter args = %+v", limiter.waits[0])
	}
}

func TestLiveExecutorLimiterErrorFailsLeg(t *testing.T) {
	poster := &fakePoster{}
	limiter := &fakeLimiter{err: errors.New("redis down")}
	exec := newLiveFixture(t, poster, limiter, LiveConfig{OrderRate: 10, OrderWindow: time.Second})

	if _, err := exec.Execute(context.Background(), shortMatch("0xa")); err == nil {
		t.Fatal("expected error")
	}
	if got := len(poster.calls()); got != 0 {
		t.Errorf("post calls = %d, want 0", got)
	}
}

func TestLiveExecutorRejectsEmptyMatch(t *testing.T) {
	exec := newLiveFixture(t, &fakePoster{}, nil, LiveConfig{})
	match := shortMatch("0xa")
	match.Legs = nil
	if _, err := exec.Execute(context.Background(), match); err == nil {
		t.Fatal("expected error for match without legs")
	}
}

func TestPaperExecutorSimulatesFills(t *testing.T) {
	exec := NewPaperExecutor(discardLogger())
	if exec.Name() != "paper" {
		t.Errorf("name = %q", exec.Name())
	}

	res, err := exec.Execute(context.Background(), shortMatch("0xa"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || !res.Simulated {
		t.Errorf("result = %+v, want simulated success", res)
	}
	if res.Profit != 1.48 {
		t.Errorf("profit = %v, want 1.48", res.Profit)
	}
	if len(res.OrderIDs) != 2 {
		t.Errorf("order ids = %v, want 2 simulated fills", res.OrderIDs)
	}
	for _, id := range res.OrderIDs {
		if len(id) < 5 || id[:4] != "sim-" {
			t.Errorf("order id %q not marked simulated", id)
		}
	}

	match := shortMatch("0xa")
	match.Legs = nil
	if _, err := exec.Execute(context.Background(), match); err == nil {
		t.Fatal("expected error for match without legs")
	}
}
