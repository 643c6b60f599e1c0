package executor

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"trade-builder/internal/api"
	"trade-builder/internal/model"

	"go.uber.org/zap"
)

type fixedQuoter struct {
	mu    sync.Mutex
	price float64
	err   error
}

func (q *fixedQuoter) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.price, q.err
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestSimulatorMarketBuyAndSell(t *testing.T) {
	sim := NewSimulatorExecutor(SimulatorConfig{InitialKRW: 100_000, FeeRate: 0.001}, &fixedQuoter{price: 1000}, zap.NewNop())
	ctx := context.Background()

	if res := sim.MarketBuy(ctx, "KRW-BTC", 10_000); !res.Success {
		t.Fatalf("MarketBuy failed: %s", res.Error)
	}
	if b := sim.Balance(); !near(b, 100_000-10_010) {
		t.Fatalf("balance=%v after buy, expected 89990", b)
	}
	if h, _ := sim.Holdings(ctx, "KRW-BTC"); !near(h, 10) {
		t.Fatalf("holdings=%v, expected 10", h)
	}

	if res := sim.MarketSell(ctx, "KRW-BTC", 4); !res.Success {
		t.Fatalf("MarketSell failed: %s", res.Error)
	}
	if b := sim.Balance(); !near(b, 89_990+4000-4) {
		t.Fatalf("balance=%v after sell, expected 93986", b)
	}
	if n := len(sim.TradeHistory()); n != 2 {
		t.Fatalf("trades=%d, expected 2", n)
	}
}

func TestSimulatorRejectsInsufficientFunds(t *testing.T) {
	sim := NewSimulatorExecutor(SimulatorConfig{InitialKRW: 1000}, &fixedQuoter{price: 10}, zap.NewNop())
	ctx := context.Background()

	res := sim.MarketBuy(ctx, "KRW-BTC", 5000)
	if res.Success || res.Error == "" {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res := sim.MarketSell(ctx, "KRW-BTC", 1); res.Success {
		t.Fatal("expected selling without holdings to fail")
	}
	if b := sim.Balance(); b != 1000 {
		t.Fatalf("balance changed to %v after rejected orders", b)
	}
}

func TestSimulatorQuoteFailure(t *testing.T) {
	sim := NewSimulatorExecutor(SimulatorConfig{InitialKRW: 1000}, &fixedQuoter{err: errors.New("offline")}, zap.NewNop())
	if res := sim.MarketBuy(context.Background(), "KRW-BTC", 100); res.Success {
		t.Fatal("expected failure when no quote is available")
	}
}

func TestSimulatorLimitOrderRestsUntilCrossed(t *testing.T) {
	sim := NewSimulatorExecutor(SimulatorConfig{InitialKRW: 10_000}, &fixedQuoter{price: 120}, zap.NewNop())
	ctx := context.Background()

	res := sim.LimitBuyWithKRW(ctx, "KRW-BTC", 100, 5000)
	if !res.Success {
		t.Fatalf("LimitBuyWithKRW failed: %s", res.Error)
	}
	if fill := res.Data.(SimulatorFill); fill.Filled {
		t.Fatal("limit buy above market should rest")
	}
	if sim.OpenOrders() != 1 || sim.Balance() != 5000 {
		t.Fatalf("open=%d balance=%v, expected 1 open order and 5000 KRW reserved", sim.OpenOrders(), sim.Balance())
	}

	sim.OnTicker(model.Ticker{Symbol: "KRW-ETH", Price: 50})
	if sim.OpenOrders() != 1 {
		t.Fatal("ticker for another symbol filled the order")
	}

	ticks := make(chan model.Ticker, 1)
	ticks <- model.Ticker{Symbol: "KRW-BTC", Price: 99}
	close(ticks)
	sim.StartMonitor(ticks)

	if sim.OpenOrders() != 0 {
		t.Fatal("expected the order to fill once price crossed")
	}
	if h, _ := sim.Holdings(ctx, "KRW-BTC"); !near(h, 50) {
		t.Fatalf("holdings=%v, expected 50", h)
	}
}

func TestSimulatorMarketableLimitSellFillsImmediately(t *testing.T) {
	q := &fixedQuoter{price: 100}
	sim := NewSimulatorExecutor(SimulatorConfig{InitialKRW: 10_000}, q, zap.NewNop())
	ctx := context.Background()
	sim.MarketBuy(ctx, "KRW-BTC", 1000)

	q.price = 150
	res := sim.LimitSellWithKRW(ctx, "KRW-BTC", 140, 10)
	if !res.Success || !res.Data.(SimulatorFill).Filled {
		t.Fatalf("expected immediate fill, got %+v", res)
	}
	if b := sim.Balance(); !near(b, 9000+1400) {
		t.Fatalf("balance=%v, expected 10400", b)
	}
}

type recordingSink struct {
	held  float64
	calls []string
	args  [][2]float64
}

func (s *recordingSink) MarketBuy(ctx context.Context, symbol string, krw float64) model.OrderResult {
	s.calls = append(s.calls, "MarketBuy")
	s.args = append(s.args, [2]float64{0, krw})
	return model.OrderResult{Success: true}
}
func (s *recordingSink) MarketSell(ctx context.Context, symbol string, volume float64) model.OrderResult {
	s.calls = append(s.calls, "MarketSell")
	s.args = append(s.args, [2]float64{0, volume})
	return model.OrderResult{Success: true}
}
func (s *recordingSink) LimitBuyWithKRW(ctx context.Context, symbol string, price, krw float64) model.OrderResult {
	s.calls = append(s.calls, "LimitBuyWithKRW")
	s.args = append(s.args, [2]float64{price, krw})
	return model.OrderResult{Success: true}
}
func (s *recordingSink) LimitSellWithKRW(ctx context.Context, symbol string, price, volume float64) model.OrderResult {
	s.calls = append(s.calls, "LimitSellWithKRW")
	s.args = append(s.args, [2]float64{price, volume})
	return model.OrderResult{Success: true}
}
func (s *recordingSink) Holdings(ctx context.Context, symbol string) (float64, error) {
	return s.held, nil
}

func TestRouterDispatch(t *testing.T) {
	cases := []struct {
		name  string
		held  float64
		order model.OrderData
		call  string
		args  [2]float64
	}{
		{"market buy", 0, model.OrderData{Side: model.SideBuy, Type: model.OrderMarket, Amount: 5000}, "MarketBuy", [2]float64{0, 5000}},
		{"limit buy", 0, model.OrderData{Side: model.SideBuy, Type: model.OrderLimit, LimitPrice: 90, Amount: 5000}, "LimitBuyWithKRW", [2]float64{90, 5000}},
		{"market sell half", 2, model.OrderData{Side: model.SideSell, Type: model.OrderMarket, Amount: 50}, "MarketSell", [2]float64{0, 1}},
		{"limit sell all", 0.3, model.OrderData{Side: model.SideSell, Type: model.OrderLimit, LimitPrice: 110, Amount: 100}, "LimitSellWithKRW", [2]float64{110, 0.3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &recordingSink{held: tc.held}
			res := NewRouter(sink, zap.NewNop()).Execute(context.Background(), "KRW-BTC", tc.order)
			if !res.Success {
				t.Fatalf("Execute failed: %s", res.Error)
			}
			if len(sink.calls) != 1 || sink.calls[0] != tc.call {
				t.Fatalf("calls=%v, expected [%s]", sink.calls, tc.call)
			}
			if !near(sink.args[0][0], tc.args[0]) || !near(sink.args[0][1], tc.args[1]) {
				t.Fatalf("args=%v, expected %v", sink.args[0], tc.args)
			}
		})
	}
}

func TestRouterSellWithoutHoldings(t *testing.T) {
	sink := &recordingSink{}
	res := NewRouter(sink, zap.NewNop()).Execute(context.Background(), "KRW-BTC",
		model.OrderData{Side: model.SideSell, Type: model.OrderMarket, Amount: 100})
	if res.Success || res.Error != ErrNoHoldings.Error() {
		t.Fatalf("result=%+v, expected %v", res, ErrNoHoldings)
	}
	if len(sink.calls) != 0 {
		t.Fatalf("unexpected sink calls %v", sink.calls)
	}
}

type fakeExchange struct {
	last api.OrderRequest
	err  error
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req api.OrderRequest) (*api.Order, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &api.Order{UUID: "u-1", Market: req.Market, Side: req.Side, OrdType: req.OrdType}, nil
}

func (f *fakeExchange) Holdings(ctx context.Context, symbol string) (float64, error) { return 1, nil }

func TestExchangeExecutorBuildsRequests(t *testing.T) {
	ex := &fakeExchange{}
	e := NewExchangeExecutor(ex, zap.NewNop())
	ctx := context.Background()

	res := e.MarketBuy(ctx, "KRW-BTC", 5000)
	if !res.Success || ex.last.OrdType != api.OrdPrice || ex.last.Price.String() != "5000" {
		t.Fatalf("market buy res=%+v req=%+v", res, ex.last)
	}
	if order := res.Data.(*api.Order); order.UUID != "u-1" {
		t.Fatalf("order=%+v", order)
	}

	e.LimitSellWithKRW(ctx, "KRW-BTC", 100, 0.5)
	if ex.last.Side != api.SideAsk || ex.last.OrdType != api.OrdLimit || ex.last.Volume.String() != "0.5" {
		t.Fatalf("limit sell req=%+v", ex.last)
	}

	ex.err = errors.New("rejected")
	if res := e.MarketSell(ctx, "KRW-BTC", 1); res.Success || res.Error != "rejected" {
		t.Fatalf("expected failure result, got %+v", res)
	}
}
