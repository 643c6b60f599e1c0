package api

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// 订单方向
const (
	SideBid = "bid" // 买入
	SideAsk = "ask" // 卖出
)

// 订单类型
const (
	OrdLimit  = "limit"  // 限价
	OrdPrice  = "price"  // 市价买入 (按金额)
	OrdMarket = "market" // 市价卖出 (按数量)
)

// volumePlaces 是下单数量保留的小数位数
const volumePlaces = 8

// OrderRequest 是 POST /v1/orders 的参数
type OrderRequest struct {
	Market     string
	Side       string
	OrdType    string
	Volume     decimal.Decimal
	Price      decimal.Decimal
	Identifier string
}

// Order 是交易所返回的订单
type Order struct {
	UUID           string `json:"uuid"`
	Side           string `json:"side"`
	OrdType        string `json:"ord_type"`
	Price          string `json:"price"`
	State          string `json:"state"`
	Market         string `json:"market"`
	Volume         string `json:"volume"`
	ExecutedVolume string `json:"executed_volume"`
	CreatedAt      string `json:"created_at"`
}

// MarketBuy 按 KRW 金额市价买入
func MarketBuy(symbol string, krw decimal.Decimal) OrderRequest {
	return OrderRequest{Market: symbol, Side: SideBid, OrdType: OrdPrice, Price: krw, Identifier: uuid.NewString()}
}

// MarketSell 按数量市价卖出
func MarketSell(symbol string, volume decimal.Decimal) OrderRequest {
	return OrderRequest{Market: symbol, Side: SideAsk, OrdType: OrdMarket, Volume: volume.Truncate(volumePlaces), Identifier: uuid.NewString()}
}

// LimitBuyWithKRW 以限价 price 买入价值 krw 的数量
func LimitBuyWithKRW(symbol string, price, krw decimal.Decimal) OrderRequest {
	volume := decimal.Zero
	if price.IsPositive() {
		volume = krw.DivRound(price, volumePlaces+2).Truncate(volumePlaces)
	}
	return OrderRequest{Market: symbol, Side: SideBid, OrdType: OrdLimit, Price: price, Volume: volume, Identifier: uuid.NewString()}
}

// LimitSell 以限价 price 卖出 volume
func LimitSell(symbol string, price, volume decimal.Decimal) OrderRequest {
	return OrderRequest{Market: symbol, Side: SideAsk, OrdType: OrdLimit, Price: price, Volume: volume.Truncate(volumePlaces), Identifier: uuid.NewString()}
}

// Validate 按订单类型检查必填参数
func (r OrderRequest) Validate() error {
	if r.Market == "" {
		return errors.New("order market is empty")
	}
	if r.Side != SideBid && r.Side != SideAsk {
		return fmt.Errorf("invalid order side %q", r.Side)
	}
	switch r.OrdType {
	case OrdLimit:
		if !r.Price.IsPositive() || !r.Volume.IsPositive() {
			return fmt.Errorf("limit order needs positive price and volume, got price=%s volume=%s", r.Price, r.Volume)
		}
	case OrdPrice:
		if r.Side != SideBid || !r.Price.IsPositive() {
			return fmt.Errorf("market buy needs a positive KRW amount, got %s", r.Price)
		}
	case OrdMarket:
		if r.Side != SideAsk || !r.Volume.IsPositive() {
			return fmt.Errorf("market sell needs a positive volume, got %s", r.Volume)
		}
	default:
		return fmt.Errorf("invalid order type %q", r.OrdType)
	}
	return nil
}

func (r OrderRequest) params() url.Values {
	q := url.Values{}
	q.Set("market", r.Market)
	q.Set("side", r.Side)
	q.Set("ord_type", r.OrdType)
	if r.Volume.IsPositive() {
		q.Set("volume", r.Volume.String())
	}
	if r.Price.IsPositive() {
		q.Set("price", r.Price.String())
	}
	if r.Identifier != "" {
		q.Set("identifier", r.Identifier)
	}
	return q
}

// splitMarket 把 "KRW-BTC" 拆成计价币和交易币
func splitMarket(symbol string) (quote, base string) {
	quote, base, ok := strings.Cut(symbol, "-")
	if !ok {
		return "", symbol
	}
	return quote, base
}
