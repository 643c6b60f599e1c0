package api

import (
	"context"
	"encoding/json"
	"time"

	"trade-builder/internal/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// tickerMessage 是 websocket ticker 频道的推送
type tickerMessage struct {
	Type        string  `json:"type"`
	Code        string  `json:"code"`
	TradePrice  float64 `json:"trade_price"`
	TradeVolume float64 `json:"trade_volume"`
	Timestamp   int64   `json:"timestamp"`
}

// TickerStream 订阅多个交易对的 ticker 推送，写入 PriceCache 并转发到 Ticks()
type TickerStream struct {
	url     string
	symbols []string
	cache   *PriceCache
	ticks   chan model.Ticker
	dialer  *websocket.Dialer
	logger  *zap.Logger

	ReconnectDelay time.Duration
}

func NewTickerStream(wsURL string, symbols []string, cache *PriceCache, logger *zap.Logger) *TickerStream {
	return &TickerStream{
		url:            wsURL,
		symbols:        symbols,
		cache:          cache,
		ticks:          make(chan model.Ticker, 2048),
		dialer:         websocket.DefaultDialer,
		logger:         logger.With(zap.String("Component", "ticker-stream")),
		ReconnectDelay: 5 * time.Second,
	}
}

// Ticks 返回推送通道，Run 退出时关闭
func (s *TickerStream) Ticks() <-chan model.Ticker {
	return s.ticks
}

// Run 建立连接并持续读取，断线后等待 ReconnectDelay 重连，直到 ctx 结束
func (s *TickerStream) Run(ctx context.Context) {
	defer close(s.ticks)
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			s.logger.Info("Ticker stream stopped")
			return
		}
		s.logger.Warn("Ticker stream disconnected, reconnecting", zap.Error(err), zap.Duration("Delay", s.ReconnectDelay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.ReconnectDelay):
		}
	}
}

func (s *TickerStream) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	// ctx 结束时关闭连接以打断阻塞的 ReadMessage
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	subscribe := []any{
		map[string]string{"ticket": uuid.NewString()},
		map[string]any{"type": "ticker", "codes": s.symbols},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		return err
	}
	s.logger.Info("Subscribed to ticker stream", zap.String("URL", s.url), zap.Strings("Symbols", s.symbols))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var m tickerMessage
		if err := json.Unmarshal(message, &m); err != nil || m.Type != "ticker" {
			continue
		}
		t := model.Ticker{Symbol: m.Code, Price: m.TradePrice, Volume: m.TradeVolume, Timestamp: m.Timestamp}
		s.cache.Set(t)

		// 下游处理不过来时丢弃，不阻塞读循环
		select {
		case s.ticks <- t:
		default:
			s.logger.Debug("Ticker channel full, dropping update", zap.String("Symbol", t.Symbol))
		}
	}
}
