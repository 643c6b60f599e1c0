package executor

import (
	"context"

	"trade-builder/internal/api"
	"trade-builder/internal/model"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Exchange 是 ExchangeExecutor 需要的交易所能力 (由 api.Client 实现)
type Exchange interface {
	PlaceOrder(ctx context.Context, req api.OrderRequest) (*api.Order, error)
	Holdings(ctx context.Context, symbol string) (float64, error)
}

// ExchangeExecutor 把下单请求发送到真实交易所
type ExchangeExecutor struct {
	exchange Exchange
	logger   *zap.Logger
}

func NewExchangeExecutor(exchange Exchange, logger *zap.Logger) *ExchangeExecutor {
	return &ExchangeExecutor{exchange: exchange, logger: logger.With(zap.String("executor", "exchange"))}
}

func (e *ExchangeExecutor) MarketBuy(ctx context.Context, symbol string, krwAmount float64) model.OrderResult {
	return e.place(ctx, api.MarketBuy(symbol, decimal.NewFromFloat(krwAmount)))
}

func (e *ExchangeExecutor) MarketSell(ctx context.Context, symbol string, volume float64) model.OrderResult {
	return e.place(ctx, api.MarketSell(symbol, decimal.NewFromFloat(volume)))
}

func (e *ExchangeExecutor) LimitBuyWithKRW(ctx context.Context, symbol string, price, krwAmount float64) model.OrderResult {
	return e.place(ctx, api.LimitBuyWithKRW(symbol, decimal.NewFromFloat(price), decimal.NewFromFloat(krwAmount)))
}

func (e *ExchangeExecutor) LimitSellWithKRW(ctx context.Context, symbol string, price, volume float64) model.OrderResult {
	return e.place(ctx, api.LimitSell(symbol, decimal.NewFromFloat(price), decimal.NewFromFloat(volume)))
}

func (e *ExchangeExecutor) Holdings(ctx context.Context, symbol string) (float64, error) {
	return e.exchange.Holdings(ctx, symbol)
}

func (e *ExchangeExecutor) place(ctx context.Context, req api.OrderRequest) model.OrderResult {
	e.logger.Info("Sending order",
		zap.String("Market", req.Market),
		zap.String("Side", req.Side),
		zap.String("OrdType", req.OrdType),
		zap.Stringer("Price", req.Price),
		zap.Stringer("Volume", req.Volume))

	order, err := e.exchange.PlaceOrder(ctx, req)
	if err != nil {
		e.logger.Error("Place order failed", zap.String("Market", req.Market), zap.Error(err))
		return model.Failed(err)
	}
	return model.OrderResult{Success: true, Data: order}
}
