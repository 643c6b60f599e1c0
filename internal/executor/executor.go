package executor

import (
	"context"
	"errors"
	"fmt"

	"trade-builder/internal/model"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoHoldings 卖出时没有可卖的持仓
var ErrNoHoldings = errors.New("no holdings to sell")

// OrderSink 是下单接收端 (交易所或模拟器)，失败通过 OrderResult 返回而不是 error
type OrderSink interface {
	MarketBuy(ctx context.Context, symbol string, krwAmount float64) model.OrderResult
	MarketSell(ctx context.Context, symbol string, volume float64) model.OrderResult
	LimitBuyWithKRW(ctx context.Context, symbol string, price, krwAmount float64) model.OrderResult
	LimitSellWithKRW(ctx context.Context, symbol string, price, volume float64) model.OrderResult

	// Holdings 查询 symbol 对应币种的可用数量
	Holdings(ctx context.Context, symbol string) (float64, error)
}

// Router 把终端节点上的 OrderData 翻译成具体的下单调用
type Router struct {
	sink   OrderSink
	logger *zap.Logger
}

func NewRouter(sink OrderSink, logger *zap.Logger) *Router {
	return &Router{sink: sink, logger: logger}
}

// Execute 下单。买入金额为 KRW，卖出数量为当前持仓的百分比。
func (r *Router) Execute(ctx context.Context, symbol string, order model.OrderData) model.OrderResult {
	var res model.OrderResult
	switch order.Side {
	case model.SideBuy:
		if order.Type == model.OrderLimit {
			res = r.sink.LimitBuyWithKRW(ctx, symbol, order.LimitPrice, order.Amount)
		} else {
			res = r.sink.MarketBuy(ctx, symbol, order.Amount)
		}
	case model.SideSell:
		volume, err := r.sellVolume(ctx, symbol, order.Amount)
		if err != nil {
			res = model.Failed(err)
			break
		}
		if order.Type == model.OrderLimit {
			res = r.sink.LimitSellWithKRW(ctx, symbol, order.LimitPrice, volume)
		} else {
			res = r.sink.MarketSell(ctx, symbol, volume)
		}
	default:
		res = model.Failed(fmt.Errorf("unknown order side %q", order.Side))
	}

	if res.Success {
		r.logger.Info("Order executed", zap.String("Symbol", symbol), zap.Stringer("Order", order))
	} else {
		r.logger.Warn("Order failed", zap.String("Symbol", symbol), zap.Stringer("Order", order), zap.String("Error", res.Error))
	}
	return res
}

func (r *Router) sellVolume(ctx context.Context, symbol string, percent float64) (float64, error) {
	held, err := r.sink.Holdings(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("query holdings: %w", err)
	}
	volume := decimal.NewFromFloat(held).
		Mul(decimal.NewFromFloat(percent)).
		Div(decimal.NewFromInt(100)).
		Truncate(8)
	if !volume.IsPositive() {
		return 0, ErrNoHoldings
	}
	return volume.InexactFloat64(), nil
}

// Dispatch 实现 strategy.Dispatcher；下单失败只体现在结果中
func (r *Router) Dispatch(ctx context.Context, symbol string, order model.OrderData) (model.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return model.OrderResult{}, err
	}
	return r.Execute(ctx, symbol, order), nil
}
