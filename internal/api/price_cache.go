package api

import (
	"sync"
	"time"

	"trade-builder/internal/model"
)

type cachedPrice struct {
	price float64
	at    time.Time
}

// PriceCache 保存行情推送收到的每个交易对的最新价
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]cachedPrice
	now    func() time.Time
}

func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]cachedPrice), now: time.Now}
}

// Set 记录一条推送
func (p *PriceCache) Set(t model.Ticker) {
	if t.Price <= 0 {
		return
	}
	p.mu.Lock()
	p.prices[t.Symbol] = cachedPrice{price: t.Price, at: p.now()}
	p.mu.Unlock()
}

// Get 返回 maxAge 内收到的最新价
func (p *PriceCache) Get(symbol string, maxAge time.Duration) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.prices[symbol]
	if !ok || p.now().Sub(c.at) > maxAge {
		return 0, false
	}
	return c.price, true
}
