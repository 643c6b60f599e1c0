package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"trade-builder/internal/model"
	"trade-builder/pkg/ta"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxCandles 是单次 K 线请求的条数上限
const maxCandles = 200

// ErrNoCredentials 未配置 access/secret key 时调用私有接口
var ErrNoCredentials = errors.New("exchange credentials not configured")

// Config 交易所 REST 客户端配置
type Config struct {
	BaseURL           string
	AccessKey         string
	SecretKey         string
	RequestsPerSecond float64
	Timeout           time.Duration
	// PriceMaxAge 行情推送缓存的最新价在该时长内有效，优先于 REST 查询
	PriceMaxAge time.Duration
}

// APIError 交易所返回的错误 {"error":{"name","message"}}
type APIError struct {
	Status  int
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d %s: %s", e.Status, e.Name, e.Message)
}

// Client 是 Upbit 风格的 REST 客户端，实现行情数据提供方和下单接口
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	prices  *PriceCache
	logger  *zap.Logger
}

// NewClient 创建 REST 客户端；prices 为 nil 时最新价总是走 REST
func NewClient(cfg Config, prices *PriceCache, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 8
	}
	if cfg.PriceMaxAge <= 0 {
		cfg.PriceMaxAge = 5 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		prices:  prices,
		logger:  logger.With(zap.String("Exchange", "upbit")),
	}
}

type candleDTO struct {
	Market     string  `json:"market"`
	Timestamp  int64   `json:"timestamp"`
	StartUTC   string  `json:"candle_date_time_utc"`
	HighPrice  float64 `json:"high_price"`
	TradePrice float64 `json:"trade_price"`
	Volume     float64 `json:"candle_acc_trade_volume"`
}

// FetchCandles 拉取最近 count 根分钟 K 线，按时间从旧到新返回
func (c *Client) FetchCandles(ctx context.Context, symbol string, intervalMinutes, count int) ([]model.Candle, error) {
	unit, err := minuteUnit(intervalMinutes)
	if err != nil {
		return nil, err
	}
	return c.candles(ctx, "/v1/candles/minutes/"+strconv.Itoa(unit), symbol, count)
}

// HighestPrice 返回最近 count 个 unit 周期内的最高价
func (c *Client) HighestPrice(ctx context.Context, symbol string, unit model.PeriodUnit, count int) (float64, error) {
	var path string
	switch unit {
	case model.UnitMinute:
		path = "/v1/candles/minutes/1"
	case model.UnitDay:
		path = "/v1/candles/days"
	case model.UnitWeek:
		path = "/v1/candles/weeks"
	case model.UnitMonth:
		path = "/v1/candles/months"
	default:
		return 0, fmt.Errorf("unsupported period unit: %s", unit)
	}

	candles, err := c.candles(ctx, path, symbol, count)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("no %s candles for %s", unit, symbol)
	}
	highs := make([]float64, len(candles))
	for i, k := range candles {
		highs[i] = k.High
	}
	return ta.Highest(highs), nil
}

func (c *Client) candles(ctx context.Context, path, symbol string, count int) ([]model.Candle, error) {
	if count <= 0 || count > maxCandles {
		count = maxCandles
	}
	q := url.Values{}
	q.Set("market", symbol)
	q.Set("count", strconv.Itoa(count))

	var raw []candleDTO
	if err := c.do(ctx, http.MethodGet, path, q, false, &raw); err != nil {
		return nil, err
	}

	// 接口按时间从新到旧返回
	out := make([]model.Candle, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		k := raw[i]
		ts := k.Timestamp
		if t, err := time.Parse("2006-01-02T15:04:05", k.StartUTC); err == nil {
			ts = t.UnixMilli()
		}
		out = append(out, model.Candle{Timestamp: ts, Price: k.TradePrice, High: k.HighPrice, Volume: k.Volume})
	}
	return out, nil
}

type tickerDTO struct {
	Market     string  `json:"market"`
	TradePrice float64 `json:"trade_price"`
	Timestamp  int64   `json:"timestamp"`
}

// CurrentPrice 返回最新成交价；行情推送缓存足够新时直接使用缓存
func (c *Client) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if c.prices != nil {
		if p, ok := c.prices.Get(symbol, c.cfg.PriceMaxAge); ok {
			return p, nil
		}
	}

	q := url.Values{}
	q.Set("markets", symbol)
	var raw []tickerDTO
	if err := c.do(ctx, http.MethodGet, "/v1/ticker", q, false, &raw); err != nil {
		return 0, err
	}
	for _, t := range raw {
		if t.Market == symbol {
			return t.TradePrice, nil
		}
	}
	return 0, fmt.Errorf("ticker for %s not found", symbol)
}

// Account 是 /v1/accounts 返回的一种币的余额
type Account struct {
	Currency     string `json:"currency"`
	Balance      string `json:"balance"`
	Locked       string `json:"locked"`
	AvgBuyPrice  string `json:"avg_buy_price"`
	UnitCurrency string `json:"unit_currency"`
}

// Accounts 查询全部资产
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var out []Account
	if err := c.do(ctx, http.MethodGet, "/v1/accounts", nil, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Holdings 返回 symbol (如 KRW-BTC) 对应币种的可用数量
func (c *Client) Holdings(ctx context.Context, symbol string) (float64, error) {
	accounts, err := c.Accounts(ctx)
	if err != nil {
		return 0, err
	}
	quote, base := splitMarket(symbol)
	for _, a := range accounts {
		if a.Currency == base && (a.UnitCurrency == "" || a.UnitCurrency == quote) {
			return strconv.ParseFloat(a.Balance, 64)
		}
	}
	return 0, nil
}

// PlaceOrder 提交订单
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var out Order
	if err := c.do(ctx, http.MethodPost, "/v1/orders", req.params(), true, &out); err != nil {
		return nil, err
	}
	c.logger.Info("Order placed",
		zap.String("UUID", out.UUID),
		zap.String("Market", out.Market),
		zap.String("Side", out.Side),
		zap.String("OrdType", out.OrdType))
	return &out, nil
}

// do 发送请求：GET 参数放在 query，POST 参数编码为 JSON body；两者的签名都基于同一 query 串
func (c *Client) do(ctx context.Context, method, path string, params url.Values, private bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.cfg.BaseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
	} else {
		flat := make(map[string]string, len(params))
		for k := range params {
			flat[k] = params.Get(k)
		}
		b, err := json.Marshal(flat)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if private {
		token, err := c.token(params)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{Status: res.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.NewDecoder(res.Body).Decode(&envelope) == nil && envelope.Error != nil {
			apiErr.Name = envelope.Error.Name
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// minuteUnit 把分钟数映射到交易所支持的分钟 K 线单位
func minuteUnit(m int) (int, error) {
	switch m {
	case 1, 3, 5, 10, 15, 30, 60, 240:
		return m, nil
	}
	return 0, fmt.Errorf("unsupported candle interval: %d minutes", m)
}
