package broker

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"quantdesk/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestSim(t *testing.T, capital float64) *Simulator {
	t.Helper()
	s := NewSimulator(capital, 0.0003, 0, "", testLogger())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

// setNow swaps the simulator clock under the lock; the match loop reads
// nowFn while holding the same mutex.
func setNow(s *Simulator, at time.Time) {
	s.mu.Lock()
	s.nowFn = func() time.Time { return at }
	s.mu.Unlock()
}

// eventRecorder collects broker callbacks for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	orders []types.Order
	trades []types.Trade
}

func (r *eventRecorder) callbacks() Callbacks {
	return Callbacks{
		OnOrder: func(o types.Order) {
			r.mu.Lock()
			r.orders = append(r.orders, o)
			r.mu.Unlock()
		},
		OnTrade: func(tr types.Trade) {
			r.mu.Lock()
			r.trades = append(r.trades, tr)
			r.mu.Unlock()
		},
	}
}

func (r *eventRecorder) orderStatuses() []types.OrderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.OrderStatus, len(r.orders))
	for i, o := range r.orders {
		out[i] = o.Status
	}
	return out
}

func TestBuyFillsAtMarketPrice(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, 100_000)
	rec := &eventRecorder{}
	s.SetCallbacks(rec.callbacks())

	s.SetMarketPrice("sz000001", 10.00)
	res := s.SendOrder(context.Background(), "sz000001", types.BUY, 10.00, 1000, types.Limit)
	if !res.OK {
		t.Fatalf("SendOrder rejected: %s", res.Message)
	}
	if res.Order.Status != types.StatusFilled {
		t.Fatalf("order status = %s, want FILLED", res.Order.Status)
	}
	if res.Order.FilledQuantity != 1000 || res.Order.FilledPrice != 10.00 {
		t.Errorf("fill = %d @ %v, want 1000 @ 10", res.Order.FilledQuantity, res.Order.FilledPrice)
	}

	// 10*1000 + 0.0003 commission = 10003
	if got := s.Cash(); got != 89_997 {
		t.Errorf("cash = %v, want 89997", got)
	}

	positions, err := s.QueryPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions[0].Quantity != 1000 || positions[0].AvgCost != 10.00 {
		t.Errorf("positions = %+v", positions)
	}

	statuses := rec.orderStatuses()
	if len(statuses) != 2 || statuses[0] != types.StatusSubmitted || statuses[1] != types.StatusFilled {
		t.Errorf("order callbacks = %v, want [SUBMITTED FILLED]", statuses)
	}
}

func TestSellSameDayRejectedByT1(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, 100_000)

	s.SetMarketPrice("sz000001", 10.00)
	res := s.SendOrder(context.Background(), "sz000001", types.BUY, 10.00, 1000, types.Limit)
	if !res.OK || res.Order.Status != types.StatusFilled {
		t.Fatalf("buy should fill: %+v", res)
	}

	sellable, err := s.SellableQuantity(context.Background(), "sz000001")
	if err != nil {
		t.Fatal(err)
	}
	if sellable != 0 {
		t.Errorf("sellable = %d, want 0 on purchase day", sellable)
	}

	sell := s.SendOrder(context.Background(), "sz000001", types.SELL, 10.00, 1000, types.Limit)
	if sell.OK {
		t.Fatal("same-day sell should be rejected")
	}
	if !strings.Contains(sell.Message, "T+1") {
		t.Errorf("rejection message = %q, want it to mention T+1", sell.Message)
	}
}

func TestSellSucceedsNextDay(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, 100_000)

	day1 := time.Date(2024, 3, 4, 10, 0, 0, 0, time.Local)
	setNow(s, day1)

	s.SetMarketPrice("sz000001", 10.00)
	if res := s.SendOrder(context.Background(), "sz000001", types.BUY, 10.00, 1000, types.Limit); !res.OK {
		t.Fatalf("buy rejected: %s", res.Message)
	}

	setNow(s, day1.Add(24*time.Hour))

	sellable, _ := s.SellableQuantity(context.Background(), "sz000001")
	if sellable != 1000 {
		t.Fatalf("sellable = %d, want 1000 next day", sellable)
	}

	res := s.SendOrder(context.Background(), "sz000001", types.SELL, 10.00, 1000, types.Limit)
	if !res.OK || res.Order.Status != types.StatusFilled {
		t.Fatalf("next-day sell should fill: %+v", res)
	}

	positions, _ := s.QueryPositions(context.Background())
	if len(positions) != 0 {
		t.Errorf("positions after full exit = %+v, want none", positions)
	}
	// buy:    -10000 - 3 commission
	// sell:   +10000 - 3 commission - 10 stamp duty
	if got := s.Cash(); got != 99_984 {
		t.Errorf("cash = %v, want 99984", got)
	}
}

func TestLimitBuyRestsUntilPriceReached(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, 100_000)

	s.SetMarketPrice("sz000001", 10.00)
	res := s.SendOrder(context.Background(), "sz000001", types.BUY, 9.50, 500, types.Limit)
	if !res.OK {
		t.Fatalf("SendOrder rejected: %s", res.Message)
	}
	if res.Order.Status != types.StatusSubmitted {
		t.Fatalf("order status = %s, want SUBMITTED while price above limit", res.Order.Status)
	}

	s.SetMarketPrice("sz000001", 9.40)

	orders, _ := s.QueryOrders(context.Background(), types.StatusFilled)
	if len(orders) != 1 {
		t.Fatalf("filled orders = %d, want 1", len(orders))
	}
	// fill at min(limit, reference) = 9.40
	if orders[0].FilledPrice != 9.40 {
		t.Errorf("fill price = %v, want 9.40", orders[0].FilledPrice)
	}
}

func TestMarketOrderFillsAtReference(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, 100_000)

	s.SetMarketPrice("sz000001", 10.20)
	res := s.SendOrder(context.Background(), "sz000001", types.BUY, 10.00, 300, types.Market)
	if !res.OK || res.Order.Status != types.StatusFilled {
		t.Fatalf("market order should fill: %+v", res)
	}
	if res.Order.FilledPrice != 10.20 {
		t.Errorf("fill price = %v, want reference 10.20", res.Order.FilledPrice)
	}
}

func TestSubmissionRejections(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, 5_000)
	s.SetMarketPrice("sz000001", 10.00)

	tests := []struct {
		name string
		side types.Side
		qty  int64
		want string
	}{
		{"odd lot", types.BUY, 150, "multiple of 100"},
		{"zero quantity", types.BUY, 0, "multiple of 100"},
		{"insufficient cash", types.BUY, 1000, "insufficient cash"},
		{"no position", types.SELL, 100, "insufficient position"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.SendOrder(context.Background(), "sz000001", tt.side, 10.00, tt.qty, types.Limit)
			if res.OK {
				t.Fatalf("order should be rejected")
			}
			if !strings.Contains(res.Message, tt.want) {
				t.Errorf("message = %q, want it to contain %q", res.Message, tt.want)
			}
			if res.Order != nil && res.Order.Status != types.StatusRejected {
				t.Errorf("order status = %s, want REJECTED", res.Order.Status)
			}
		})
	}
}

func TestCancelReleasesFrozenCash(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, 100_000)

	s.SetMarketPrice("sz000001", 10.00)
	res := s.SendOrder(context.Background(), "sz000001", types.BUY, 9.00, 1000, types.Limit)
	if !res.OK {
		t.Fatal(res.Message)
	}
	if got := s.Cash(); got >= 100_000 {
		t.Errorf("cash = %v, want commitment while order rests", got)
	}

	ok, err := s.CancelOrder(context.Background(), res.Order.ID)
	if err != nil || !ok {
		t.Fatalf("CancelOrder = %v, %v", ok, err)
	}
	if got := s.Cash(); got != 100_000 {
		t.Errorf("cash = %v, want 100000 after cancel", got)
	}

	// terminal orders cannot be cancelled twice
	if ok, _ := s.CancelOrder(context.Background(), res.Order.ID); ok {
		t.Error("second cancel should report false")
	}
}

func TestModifyOrderUnsupported(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, 100_000)

	ok, err := s.ModifyOrder(context.Background(), "any", 10, 100)
	if ok || err != ErrUnsupported {
		t.Errorf("ModifyOrder = %v, %v, want false, ErrUnsupported", ok, err)
	}
}

func TestLotLedgerMatchesPosition(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, 1_000_000)

	day1 := time.Date(2024, 3, 4, 10, 0, 0, 0, time.Local)
	setNow(s, day1)
	s.SetMarketPrice("sz000001", 10.00)

	s.SendOrder(context.Background(), "sz000001", types.BUY, 10.00, 300, types.Limit)
	s.SendOrder(context.Background(), "sz000001", types.BUY, 10.00, 200, types.Limit)

	setNow(s, day1.Add(24*time.Hour))
	s.SendOrder(context.Background(), "sz000001", types.BUY, 10.00, 400, types.Limit)

	// sell consumes only the settled 500, oldest first
	res := s.SendOrder(context.Background(), "sz000001", types.SELL, 10.00, 400, types.Limit)
	if !res.OK || res.Order.Status != types.StatusFilled {
		t.Fatalf("sell should fill: %+v", res)
	}

	s.mu.Lock()
	var lotTotal int64
	for _, lot := range s.lots["sz000001"] {
		lotTotal += lot.Remaining
	}
	posQty := s.positions["sz000001"].Quantity
	s.mu.Unlock()

	if posQty != 500 {
		t.Errorf("position = %d, want 500", posQty)
	}
	if lotTotal != posQty {
		t.Errorf("lot ledger total = %d, position = %d; must match", lotTotal, posQty)
	}

	sellable, _ := s.SellableQuantity(context.Background(), "sz000001")
	if sellable != 100 {
		t.Errorf("sellable = %d, want 100 (500 settled - 400 sold)", sellable)
	}
}

func TestAccountIdentity(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, 250_000)

	s.SetMarketPrice("sz000001", 10.00)
	s.SetMarketPrice("sh600000", 25.50)
	s.SendOrder(context.Background(), "sz000001", types.BUY, 10.00, 1000, types.Limit)
	s.SendOrder(context.Background(), "sh600000", types.BUY, 25.50, 200, types.Limit)
	// a resting order keeps some cash frozen
	s.SendOrder(context.Background(), "sz000001", types.BUY, 9.00, 500, types.Limit)

	acct, err := s.QueryAccount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := acct.Cash + acct.Frozen + acct.MarketValue
	if math.Abs(got-acct.TotalValue) > 1e-6 {
		t.Errorf("cash %v + frozen %v + market %v = %v, want total %v",
			acct.Cash, acct.Frozen, acct.MarketValue, got, acct.TotalValue)
	}
	if acct.Frozen == 0 {
		t.Error("frozen should reflect the resting BUY commitment")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sim.json")
	day1 := time.Date(2024, 3, 4, 10, 0, 0, 0, time.Local)

	first := NewSimulator(100_000, 0.0003, 0, path, testLogger())
	setNow(first, day1)
	if err := first.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	first.SetMarketPrice("sz000001", 10.00)
	if res := first.SendOrder(context.Background(), "sz000001", types.BUY, 10.00, 1000, types.Limit); !res.OK {
		t.Fatal(res.Message)
	}
	wantCash := first.Cash()
	if err := first.Disconnect(); err != nil {
		t.Fatal(err)
	}

	second := NewSimulator(100_000, 0.0003, 0, path, testLogger())
	setNow(second, day1.Add(24*time.Hour))
	if err := second.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer second.Disconnect()

	if got := second.Cash(); got != wantCash {
		t.Errorf("restored cash = %v, want %v", got, wantCash)
	}
	positions, _ := second.QueryPositions(context.Background())
	if len(positions) != 1 || positions[0].Quantity != 1000 {
		t.Fatalf("restored positions = %+v", positions)
	}
	// lots keep their trade dates: yesterday's buy is sellable today
	sellable, _ := second.SellableQuantity(context.Background(), "sz000001")
	if sellable != 1000 {
		t.Errorf("sellable after restart = %d, want 1000", sellable)
	}
}
