package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trade-builder/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInsufficientFunds 模拟账户余额或持仓不足
var ErrInsufficientFunds = errors.New("insufficient funds")

// SimulatorConfig 模拟器配置
type SimulatorConfig struct {
	InitialKRW float64 // 初始 KRW 余额
	FeeRate    float64 // 交易手续费率 (例如 0.0005)
}

// Quoter 提供市价单的成交价
type Quoter interface {
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// simOrder 是挂单中的限价单，下单时已冻结资金或持仓
type simOrder struct {
	ID     string
	Symbol string
	Side   model.Side
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// SimulatorFill 是模拟成交的回执
type SimulatorFill struct {
	OrderID string
	Filled  bool // false 表示限价单已挂单，等待价格穿越
	Price   float64
	Volume  float64
}

// SimulatorExecutor 是 dry-run 用的 OrderSink：现货 KRW 账户，市价单按最新价立即成交，
// 限价单在价格可成交时立即成交，否则挂单等待 OnTicker 推送的价格穿越。
type SimulatorExecutor struct {
	cfg    SimulatorConfig
	quoter Quoter
	logger *zap.Logger
	fee    decimal.Decimal

	mu       sync.RWMutex
	krw      decimal.Decimal
	holdings map[string]decimal.Decimal
	open     []simOrder
	trades   []model.TradeRecord
	now      func() time.Time
}

func NewSimulatorExecutor(cfg SimulatorConfig, quoter Quoter, logger *zap.Logger) *SimulatorExecutor {
	return &SimulatorExecutor{
		cfg:      cfg,
		quoter:   quoter,
		logger:   logger.With(zap.String("executor", "simulator")),
		fee:      decimal.NewFromFloat(cfg.FeeRate),
		krw:      decimal.NewFromFloat(cfg.InitialKRW),
		holdings: make(map[string]decimal.Decimal),
		now:      time.Now,
	}
}

func (e *SimulatorExecutor) MarketBuy(ctx context.Context, symbol string, krwAmount float64) model.OrderResult {
	price, err := e.quote(ctx, symbol)
	if err != nil {
		return model.Failed(err)
	}
	krw := decimal.NewFromFloat(krwAmount)
	if !krw.IsPositive() {
		return model.Failed(fmt.Errorf("invalid KRW amount %v", krwAmount))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cost := krw.Add(krw.Mul(e.fee))
	if cost.GreaterThan(e.krw) {
		return model.Failed(fmt.Errorf("%w: need %s KRW, have %s", ErrInsufficientFunds, cost.StringFixed(0), e.krw.StringFixed(0)))
	}
	e.krw = e.krw.Sub(cost)
	volume := krw.DivRound(price, 12).Truncate(8)
	e.holdings[symbol] = e.holdings[symbol].Add(volume)
	e.record(symbol, model.SideBuy, price, volume, krw.Mul(e.fee))
	return e.filled(uuid.NewString(), price, volume)
}

func (e *SimulatorExecutor) MarketSell(ctx context.Context, symbol string, volume float64) model.OrderResult {
	price, err := e.quote(ctx, symbol)
	if err != nil {
		return model.Failed(err)
	}
	vol := decimal.NewFromFloat(volume)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.reserveHoldings(symbol, vol); err != nil {
		return model.Failed(err)
	}
	e.settleSell(symbol, price, vol)
	return e.filled(uuid.NewString(), price, vol)
}

func (e *SimulatorExecutor) LimitBuyWithKRW(ctx context.Context, symbol string, price, krwAmount float64) model.OrderResult {
	limit := decimal.NewFromFloat(price)
	krw := decimal.NewFromFloat(krwAmount)
	if !limit.IsPositive() || !krw.IsPositive() {
		return model.Failed(fmt.Errorf("invalid limit buy price=%v krw=%v", price, krwAmount))
	}
	current, err := e.quote(ctx, symbol)
	if err != nil {
		return model.Failed(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cost := krw.Add(krw.Mul(e.fee))
	if cost.GreaterThan(e.krw) {
		return model.Failed(fmt.Errorf("%w: need %s KRW, have %s", ErrInsufficientFunds, cost.StringFixed(0), e.krw.StringFixed(0)))
	}
	e.krw = e.krw.Sub(cost)

	o := simOrder{ID: uuid.NewString(), Symbol: symbol, Side: model.SideBuy, Price: limit, Volume: krw.DivRound(limit, 12).Truncate(8)}
	if current.LessThanOrEqual(limit) {
		e.settleBuy(o)
		return e.filled(o.ID, limit, o.Volume)
	}
	e.open = append(e.open, o)
	return e.resting(o)
}

func (e *SimulatorExecutor) LimitSellWithKRW(ctx context.Context, symbol string, price, volume float64) model.OrderResult {
	limit := decimal.NewFromFloat(price)
	vol := decimal.NewFromFloat(volume)
	if !limit.IsPositive() {
		return model.Failed(fmt.Errorf("invalid limit sell price=%v", price))
	}
	current, err := e.quote(ctx, symbol)
	if err != nil {
		return model.Failed(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.reserveHoldings(symbol, vol); err != nil {
		return model.Failed(err)
	}

	o := simOrder{ID: uuid.NewString(), Symbol: symbol, Side: model.SideSell, Price: limit, Volume: vol}
	if current.GreaterThanOrEqual(limit) {
		e.settleSell(symbol, limit, vol)
		return e.filled(o.ID, limit, vol)
	}
	e.open = append(e.open, o)
	return e.resting(o)
}

func (e *SimulatorExecutor) Holdings(ctx context.Context, symbol string) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.holdings[symbol].InexactFloat64(), nil
}

// OnTicker 用推送的最新价撮合挂单中的限价单
func (e *SimulatorExecutor) OnTicker(t model.Ticker) {
	price := decimal.NewFromFloat(t.Price)

	e.mu.Lock()
	defer e.mu.Unlock()
	remaining := e.open[:0]
	for _, o := range e.open {
		crossed := o.Symbol == t.Symbol &&
			((o.Side == model.SideBuy && price.LessThanOrEqual(o.Price)) ||
				(o.Side == model.SideSell && price.GreaterThanOrEqual(o.Price)))
		if !crossed {
			remaining = append(remaining, o)
			continue
		}
		if o.Side == model.SideBuy {
			e.settleBuy(o)
		} else {
			e.settleSell(o.Symbol, o.Price, o.Volume)
		}
		e.logger.Info("Sim limit order filled",
			zap.String("OrderID", o.ID),
			zap.String("Symbol", o.Symbol),
			zap.Stringer("Side", o.Side),
			zap.Stringer("Price", o.Price),
			zap.Stringer("Volume", o.Volume))
	}
	e.open = remaining
}

// StartMonitor 消费行情推送直到通道关闭
func (e *SimulatorExecutor) StartMonitor(ticks <-chan model.Ticker) {
	e.logger.Info("Simulator order monitor started")
	for t := range ticks {
		e.OnTicker(t)
	}
	e.logger.Info("Simulator order monitor stopped")
}

// Balance 返回可用 KRW 余额
func (e *SimulatorExecutor) Balance() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.krw.InexactFloat64()
}

// OpenOrders 返回挂单数量
func (e *SimulatorExecutor) OpenOrders() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.open)
}

// TradeHistory 返回成交记录的副本
func (e *SimulatorExecutor) TradeHistory() []model.TradeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.TradeRecord, len(e.trades))
	copy(out, e.trades)
	return out
}

func (e *SimulatorExecutor) quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p, err := e.quoter.CurrentPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s: %w", symbol, err)
	}
	if p <= 0 {
		return decimal.Zero, fmt.Errorf("quote %s: invalid price %v", symbol, p)
	}
	return decimal.NewFromFloat(p), nil
}

// 以下方法要求持有 e.mu

func (e *SimulatorExecutor) reserveHoldings(symbol string, vol decimal.Decimal) error {
	if !vol.IsPositive() {
		return fmt.Errorf("invalid volume %s", vol)
	}
	held := e.holdings[symbol]
	if vol.GreaterThan(held) {
		return fmt.Errorf("%w: sell %s, hold %s", ErrInsufficientFunds, vol, held)
	}
	e.holdings[symbol] = held.Sub(vol)
	return nil
}

func (e *SimulatorExecutor) settleBuy(o simOrder) {
	e.holdings[o.Symbol] = e.holdings[o.Symbol].Add(o.Volume)
	e.record(o.Symbol, model.SideBuy, o.Price, o.Volume, o.Price.Mul(o.Volume).Mul(e.fee))
}

func (e *SimulatorExecutor) settleSell(symbol string, price, vol decimal.Decimal) {
	proceeds := price.Mul(vol)
	fee := proceeds.Mul(e.fee)
	e.krw = e.krw.Add(proceeds).Sub(fee)
	e.record(symbol, model.SideSell, price, vol, fee)
}

func (e *SimulatorExecutor) record(symbol string, side model.Side, price, vol, fee decimal.Decimal) {
	e.trades = append(e.trades, model.TradeRecord{
		Time:   e.now(),
		Symbol: symbol,
		Side:   side,
		Price:  price.InexactFloat64(),
		Volume: vol.InexactFloat64(),
		Fee:    fee.InexactFloat64(),
	})
	e.logger.Info("Sim ORDER FILLED",
		zap.String("Symbol", symbol),
		zap.Stringer("Side", side),
		zap.Stringer("Price", price),
		zap.Stringer("Volume", vol),
		zap.Stringer("Fee", fee),
		zap.Stringer("KRW", e.krw))
}

func (e *SimulatorExecutor) filled(id string, price, vol decimal.Decimal) model.OrderResult {
	return model.OrderResult{Success: true, Data: SimulatorFill{OrderID: id, Filled: true, Price: price.InexactFloat64(), Volume: vol.InexactFloat64()}}
}

func (e *SimulatorExecutor) resting(o simOrder) model.OrderResult {
	e.logger.Info("Sim limit order resting", zap.String("OrderID", o.ID), zap.String("Symbol", o.Symbol), zap.Stringer("Price", o.Price))
	return model.OrderResult{Success: true, Data: SimulatorFill{OrderID: o.ID, Price: o.Price.InexactFloat64(), Volume: o.Volume.InexactFloat64()}}
}
