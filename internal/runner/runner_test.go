package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trade-builder/internal/data"
	"trade-builder/internal/graph"
	"trade-builder/internal/model"
	"trade-builder/internal/strategy"

	"go.uber.org/zap"
)

type stubProvider struct {
	price   float64
	highest float64
}

func (p *stubProvider) FetchCandles(ctx context.Context, symbol string, intervalMinutes, count int) ([]model.Candle, error) {
	return nil, nil
}

func (p *stubProvider) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return p.price, nil
}

func (p *stubProvider) HighestPrice(ctx context.Context, symbol string, unit model.PeriodUnit, count int) (float64, error) {
	return p.highest, nil
}

type countingDispatcher struct {
	buys  atomic.Int32
	sells atomic.Int32
	block chan struct{} // 非 nil 时阻塞直到关闭
}

func (d *countingDispatcher) Dispatch(ctx context.Context, symbol string, order model.OrderData) (model.OrderResult, error) {
	if d.block != nil {
		<-d.block
	}
	if order.Side == model.SideBuy {
		d.buys.Add(1)
	} else {
		d.sells.Add(1)
	}
	return model.OrderResult{Success: true}, nil
}

type memorySink struct {
	mu      sync.Mutex
	entries []model.LogEntry
}

func (s *memorySink) Log(logicID, title, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, model.LogEntry{LogicID: logicID, Title: title, Message: message})
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *memorySink) has(logicID, title string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.LogicID == logicID && e.Title == title {
			return true
		}
	}
	return false
}

func (s *memorySink) last() model.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[len(s.entries)-1]
}

type panicMarket struct{}

func (panicMarket) LatestPrice() float64 { panic("feed exploded") }
func (panicMarket) HighestPrice(unit model.PeriodUnit, length int) (float64, error) {
	return 0, nil
}
func (panicMarket) Closes(n int) []float64                           { return nil }
func (panicMarket) RequestHighest(unit model.PeriodUnit, length int) {}

func mustGraph(t *testing.T, s string) *graph.Graph {
	t.Helper()
	g, err := graph.DecodeBytes([]byte(s))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return g
}

func compareGraph(terminal, a, op, b, orderControls string) string {
	return `{"nodes":[
		{"id":"a","kind":` + a + `},
		{"id":"b","kind":` + b + `},
		{"id":"cmp","kind":"compare","controls":{"operator":"` + op + `"}},
		{"id":"t","kind":"` + terminal + `","controls":{` + orderControls + `}}],
		"connections":[
		{"source":"a","target":"cmp","sourceOutput":"value","targetInput":"a"},
		{"source":"b","target":"cmp","sourceOutput":"value","targetInput":"b"},
		{"source":"cmp","target":"t","sourceOutput":"result","targetInput":"condition"}]}`
}

func constNode(v string) string { return `"const","controls":{"value":"` + v + `"}` }

const currentPriceNode = `"currentPrice","controls":{}`

// alwaysBuy 每次都买入、永远不卖出
func alwaysBuy(t *testing.T, id string) Definition {
	return Definition{
		ID:     id,
		Symbol: "KRW-BTC",
		Buy:    mustGraph(t, compareGraph("buy", constNode("100"), ">", constNode("50"), `"krwAmount":"5000"`)),
		Sell:   mustGraph(t, compareGraph("sell", constNode("1"), ">", constNode("2"), `"sellPercent":"100"`)),
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinInterval = time.Millisecond
	cfg.RequestTimeout = time.Second
	cfg.StopGrace = time.Second
	cfg.Market.PollInterval = 10 * time.Millisecond
	return cfg
}

func newTestRunner(t *testing.T, cfg Config, d strategy.Dispatcher, sink strategy.LogSink) *Runner {
	r := New(cfg, &stubProvider{price: 100, highest: 200}, d, sink, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartValidation(t *testing.T) {
	d := &countingDispatcher{}
	r := newTestRunner(t, testConfig(), d, &memorySink{})
	def := alwaysBuy(t, "logic-1")

	if err := r.Start(def, 0); !errors.Is(err, ErrIntervalTooShort) {
		t.Fatalf("expected ErrIntervalTooShort, got %v", err)
	}
	if err := r.Start(def, 20*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(def, 20*time.Millisecond); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if !r.IsRunning("logic-1") {
		t.Fatal("expected logic-1 to be running")
	}

	// 被拒绝的第二次启动不影响第一个实例
	before := d.buys.Load()
	st, _ := r.Status("logic-1")
	waitFor(t, "the first instance to keep ticking", func() bool {
		cur, _ := r.Status("logic-1")
		return d.buys.Load() > before && cur.Ticks > st.Ticks
	})
}

func TestStartCompileErrorIsNotRegistered(t *testing.T) {
	sink := &memorySink{}
	r := newTestRunner(t, testConfig(), &countingDispatcher{}, sink)

	def := alwaysBuy(t, "broken")
	def.Sell = mustGraph(t, `{"nodes":[{"id":"c","kind":"const","controls":{"value":"1"}}],"connections":[]}`)

	err := r.Start(def, 10*time.Millisecond)
	if !errors.Is(err, graph.ErrMissingTerminalNode) {
		t.Fatalf("expected ErrMissingTerminalNode, got %v", err)
	}
	if r.IsRunning("broken") {
		t.Fatal("a logic that failed to compile must not be registered")
	}
	if !sink.has("broken", strategy.TitleError) {
		t.Fatal("expected the parse failure to be logged")
	}
}

func TestStopNotRunning(t *testing.T) {
	sink := &memorySink{}
	r := newTestRunner(t, testConfig(), &countingDispatcher{}, sink)
	if r.Stop("missing") {
		t.Fatal("Stop of a logic that is not running returned true")
	}
	if sink.count() != 0 {
		t.Fatalf("Stop of a missing logic produced %d log entries", sink.count())
	}
}

func TestRunningLogicTicksUntilStopped(t *testing.T) {
	d, sink := &countingDispatcher{}, &memorySink{}
	r := newTestRunner(t, testConfig(), d, sink)

	if err := r.Start(alwaysBuy(t, "logic-1"), 5*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "three buys", func() bool { return d.buys.Load() >= 3 })

	st, ok := r.Status("logic-1")
	if !ok || st.Ticks < 3 || st.Symbol != "KRW-BTC" {
		t.Fatalf("status=%+v ok=%v", st, ok)
	}
	if st.Market.Symbol != "KRW-BTC" {
		t.Fatalf("market snapshot=%+v", st.Market)
	}
	waitFor(t, "a polled price in the status", func() bool {
		st, _ := r.Status("logic-1")
		return st.Market.HasPrice && st.Market.LatestPrice == 100
	})

	if !r.Stop("logic-1") {
		t.Fatal("Stop returned false for a running logic")
	}
	if r.IsRunning("logic-1") {
		t.Fatal("logic still registered after Stop")
	}
	if e := sink.last(); e.Title != TitleStop {
		t.Fatalf("last entry=%+v, expected the stop confirmation", e)
	}

	buys, logs := d.buys.Load(), sink.count()
	time.Sleep(50 * time.Millisecond)
	if d.buys.Load() != buys || sink.count() != logs {
		t.Fatalf("activity after Stop: buys %d→%d logs %d→%d", buys, d.buys.Load(), logs, sink.count())
	}
	if d.sells.Load() != 0 {
		t.Fatalf("sells=%d, expected none", d.sells.Load())
	}
}

func TestPanicTearsDownOnlyThatLogic(t *testing.T) {
	d, sink := &countingDispatcher{}, &memorySink{}
	r := newTestRunner(t, testConfig(), d, sink)

	if err := r.Start(alwaysBuy(t, "healthy"), 5*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}

	def := Definition{
		ID:     "faulty",
		Symbol: "KRW-ETH",
		Buy:    mustGraph(t, compareGraph("buy", currentPriceNode, ">", constNode("1"), `"krwAmount":"5000"`)),
		Sell:   mustGraph(t, compareGraph("sell", constNode("1"), ">", constNode("2"), ``)),
	}
	w := r.newWorker(def, 5*time.Millisecond)
	w.interp = strategy.NewInterpreter(def.ID, def.Symbol, panicMarket{}, w.bridge, w.logs, zap.NewNop())
	if err := w.interp.Parse(def.Buy, def.Sell); err != nil {
		t.Fatalf("parse: %v", err)
	}
	r.mu.Lock()
	r.workers[def.ID] = w
	r.mu.Unlock()
	r.wg.Go(w.logs.run)
	r.wg.Go(func() { r.runWorker(w) })

	select {
	case <-w.done:
	case <-time.After(3 * time.Second):
		t.Fatal("faulty worker did not exit")
	}
	if r.IsRunning("faulty") {
		t.Fatal("faulty logic still registered after a panic")
	}
	if !sink.has("faulty", strategy.TitleError) {
		t.Fatal("expected an Error entry for the panicking logic")
	}

	before := d.buys.Load()
	waitFor(t, "healthy logic to keep ticking", func() bool { return d.buys.Load() > before })
	if !r.IsRunning("healthy") {
		t.Fatal("healthy logic was torn down")
	}
}

func TestRequestTimeoutTearsDownLogic(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	d, sink := &countingDispatcher{block: make(chan struct{})}, &memorySink{}
	r := newTestRunner(t, cfg, d, sink)
	defer close(d.block)

	if err := r.Start(alwaysBuy(t, "slow"), 5*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "timeout teardown", func() bool { return !r.IsRunning("slow") })
	waitFor(t, "an Error entry after the request timed out", func() bool { return sink.has("slow", strategy.TitleError) })
	sink.mu.Lock()
	defer sink.mu.Unlock()
	found := false
	for _, e := range sink.entries {
		if e.Title == strategy.TitleError && strings.Contains(e.Message, model.ErrRequestTimeout.Error()) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no Error entry mentions the timeout: %+v", sink.entries)
	}
}

// patientDispatcher 下单需要 100ms，上下文取消时放弃
type patientDispatcher struct {
	inFlight atomic.Int32
	placed   atomic.Int32
}

func (d *patientDispatcher) Dispatch(ctx context.Context, symbol string, order model.OrderData) (model.OrderResult, error) {
	d.inFlight.Add(1)
	select {
	case <-time.After(100 * time.Millisecond):
		d.placed.Add(1)
		return model.OrderResult{Success: true}, nil
	case <-ctx.Done():
		return model.OrderResult{}, ctx.Err()
	}
}

func TestStopCancelsInFlightOrder(t *testing.T) {
	d, sink := &patientDispatcher{}, &memorySink{}
	r := newTestRunner(t, testConfig(), d, sink)

	if err := r.Start(alwaysBuy(t, "logic-1"), time.Second); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "an order in flight", func() bool { return d.inFlight.Load() > 0 })

	if !r.Stop("logic-1") {
		t.Fatal("Stop returned false for a running logic")
	}
	if n := d.placed.Load(); n != 0 {
		t.Fatalf("placed=%d when Stop returned, expected 0", n)
	}
	logs := sink.count()
	time.Sleep(200 * time.Millisecond)
	if n := d.placed.Load(); n != 0 {
		t.Fatalf("placed=%d after Stop, expected 0", n)
	}
	if sink.count() != logs {
		t.Fatalf("log entries grew from %d to %d after Stop", logs, sink.count())
	}
}

func TestLogPipeRecordsDroppedEntries(t *testing.T) {
	t.Run("gap before next delivered entry", func(t *testing.T) {
		sink := &memorySink{}
		p := newLogPipe("logic-1", sink, zap.NewNop())
		for i := 0; i < 258; i++ {
			p.Log("logic-1", "Buy", fmt.Sprintf("entry %d", i))
		}
		go p.run()
		waitFor(t, "buffered entries", func() bool { return sink.count() == 256 })

		p.Log("logic-1", "Sell", "after gap")
		p.close(time.Second)

		sink.mu.Lock()
		defer sink.mu.Unlock()
		if len(sink.entries) != 258 {
			t.Fatalf("entries=%d, expected 256 + drop notice + 1", len(sink.entries))
		}
		notice, next := sink.entries[256], sink.entries[257]
		if notice.Title != TitleDropped || !strings.HasPrefix(notice.Message, "2 ") {
			t.Fatalf("notice=%+v, expected 2 dropped entries", notice)
		}
		if next.Message != "after gap" {
			t.Fatalf("entry after notice=%+v", next)
		}
	})

	t.Run("gap at close", func(t *testing.T) {
		sink := &memorySink{}
		p := newLogPipe("logic-1", sink, zap.NewNop())
		for i := 0; i < 260; i++ {
			p.Log("logic-1", "Buy", fmt.Sprintf("entry %d", i))
		}
		go p.run()
		p.close(time.Second)

		if n := sink.count(); n != 257 {
			t.Fatalf("entries=%d, expected 256 + drop notice", n)
		}
		if e := sink.last(); e.Title != TitleDropped || e.LogicID != "logic-1" || !strings.HasPrefix(e.Message, "4 ") {
			t.Fatalf("last=%+v, expected a notice for 4 dropped entries", e)
		}

		p.Log("logic-1", "Buy", "late")
		time.Sleep(20 * time.Millisecond)
		if n := sink.count(); n != 257 {
			t.Fatalf("entries=%d after close, expected no more", n)
		}
	})
}

func TestBridgePurgesTimedOutRequest(t *testing.T) {
	requests := make(chan orderRequest, 1)
	b := newBridge("logic-1", requests, 20*time.Millisecond)

	_, err := b.Dispatch(context.Background(), "KRW-BTC", model.OrderData{Side: model.SideBuy})
	if !errors.Is(err, model.ErrRequestTimeout) || !errors.Is(err, model.ErrIsolationBoundary) {
		t.Fatalf("expected a timeout boundary error, got %v", err)
	}
	if n := b.pendingCount(); n != 0 {
		t.Fatalf("pending=%d after timeout, expected 0", n)
	}

	req := <-requests
	if b.resolve(req.id, model.OrderResult{Success: true}) {
		t.Fatal("a late response must be dropped")
	}
}

func TestRunOncePrimesMarketData(t *testing.T) {
	d, sink := &countingDispatcher{}, &memorySink{}
	r := newTestRunner(t, testConfig(), d, sink)

	def := Definition{
		ID:     "once",
		Symbol: "KRW-BTC",
		Buy: mustGraph(t, compareGraph("buy", currentPriceNode, "<",
			`"highestPrice","controls":{"periodUnit":"day","periodLength":"7"}`, `"krwAmount":"5000"`)),
		Sell: mustGraph(t, compareGraph("sell", constNode("1"), ">", constNode("2"), ``)),
	}

	res, err := r.RunOnce(context.Background(), def, true)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !res.Buy.Met || res.Buy.Order == nil || !res.Buy.Order.Success {
		t.Fatalf("buy=%+v, expected a filled order", res.Buy)
	}
	if res.Sell.Met {
		t.Fatal("sell should not be met")
	}
	if len(res.Details) == 0 {
		t.Fatal("expected detail lines")
	}
	if d.buys.Load() != 1 {
		t.Fatalf("buys=%d, expected 1", d.buys.Load())
	}
	if r.IsRunning("once") {
		t.Fatal("RunOnce must not register the logic")
	}
}

func TestListAndShutdown(t *testing.T) {
	r := New(testConfig(), &stubProvider{price: 100}, &countingDispatcher{}, &memorySink{}, zap.NewNop())
	for _, id := range []string{"b", "a"} {
		if err := r.Start(alwaysBuy(t, id), 10*time.Millisecond); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	list := r.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("list=%+v, expected a and b sorted", list)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(r.List()) != 0 {
		t.Fatal("logics still registered after Shutdown")
	}
	if err := r.Start(alwaysBuy(t, "c"), 10*time.Millisecond); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}

var _ data.Provider = (*stubProvider)(nil)
