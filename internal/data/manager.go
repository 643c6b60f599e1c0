package data

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"trade-builder/internal/model"
	"trade-builder/pkg/ta"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Provider 行情数据提供方 (交易所 REST 等)，所有调用都可能失败
type Provider interface {
	FetchCandles(ctx context.Context, symbol string, intervalMinutes, count int) ([]model.Candle, error)
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
	HighestPrice(ctx context.Context, symbol string, unit model.PeriodUnit, count int) (float64, error)
}

// Config 行情管理器参数
type Config struct {
	PollInterval   time.Duration // 最新价轮询周期
	CandleRefresh  time.Duration // K 线历史刷新周期
	CandleInterval int           // K 线周期 (分钟)
	HistorySize    int           // 保留的 K 线数量
	FetchTimeout   time.Duration // 单次请求超时
}

// DefaultConfig 返回 1 秒轮询、保留 200 根 1 分钟 K 线的配置
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		CandleRefresh:  time.Minute,
		CandleInterval: 1,
		HistorySize:    ta.MaxHistory,
		FetchTimeout:   10 * time.Second,
	}
}

// HighestKey 最高价缓存的键 (周期单位, 周期长度)
type HighestKey struct {
	Unit   model.PeriodUnit `json:"unit"`
	Length int              `json:"length"`
}

func (k HighestKey) String() string {
	return fmt.Sprintf("%d %s", k.Length, k.Unit)
}

// Snapshot 行情管理器当前状态的只读快照
type Snapshot struct {
	Symbol      string       `json:"symbol"`
	Candles     int          `json:"candles"`
	LastCandle  time.Time    `json:"lastCandle"`
	HasPrice    bool         `json:"hasPrice"`
	LatestPrice float64      `json:"latestPrice"` // HasPrice 为 false 时为 0
	LastHigh    float64      `json:"lastHigh"`
	LastVolume  float64      `json:"lastVolume"`
	WarmedUp    []HighestKey `json:"warmedUp,omitempty"`
}

// Manager 维护单个交易对的 K 线历史、最新价和最高价缓存。
// 读取接口是同步的，数据在后台异步刷新；读取永远不会阻塞等待网络。
type Manager struct {
	symbol   string
	provider Provider
	cfg      Config
	logger   *zap.Logger

	mu      sync.RWMutex
	hist    *history
	live    float64
	hasLive bool
	highest map[HighestKey]float64
	warming map[HighestKey]bool

	inFlight    atomic.Bool // 上一次刷新尚未结束时跳过本次
	lastCandles time.Time   // 只在刷新协程内访问

	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	started atomic.Bool
}

// NewManager 创建行情管理器，调用 Start 后开始后台刷新，使用结束后必须 Close
func NewManager(symbol string, provider Provider, cfg Config, logger *zap.Logger) *Manager {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = ta.MaxHistory
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.CandleInterval <= 0 {
		cfg.CandleInterval = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		symbol:   symbol,
		provider: provider,
		cfg:      cfg,
		logger:   logger.With(zap.String("Symbol", symbol)),
		hist:     newHistory(cfg.HistorySize),
		highest:  make(map[HighestKey]float64),
		warming:  make(map[HighestKey]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Symbol 返回管理器对应的交易对
func (m *Manager) Symbol() string { return m.symbol }

// Start 启动后台轮询：立即刷新一次，之后每个 PollInterval 刷新最新价
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.wg.Go(m.pollLoop)
}

// Close 停止后台轮询并等待所有进行中的请求退出
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) pollLoop() {
	m.logger.Debug("Market data polling started", zap.Duration("Interval", m.cfg.PollInterval))
	m.tick()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug("Market data polling stopped")
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick 发起一次异步刷新；上一轮未结束时直接跳过，避免请求堆积
func (m *Manager) tick() {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("Previous refresh still in flight, skipping tick")
		return
	}
	m.wg.Go(func() {
		defer m.inFlight.Store(false)
		m.refresh(m.ctx)
	})
}

// refresh 刷新最新价；到期时同时刷新 K 线历史和已预热的最高价。失败只记录日志。
func (m *Manager) refresh(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if err := m.RefreshPrice(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("Live price refresh failed", zap.Error(err))
	}

	if m.lastCandles.IsZero() || time.Since(m.lastCandles) >= m.cfg.CandleRefresh {
		if err := m.LoadHistory(ctx); err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("Candle history refresh failed", zap.Error(err))
			}
			return
		}
		m.lastCandles = time.Now()

		for _, key := range m.warmedKeys() {
			if err := m.WarmUp(ctx, key); err != nil && ctx.Err() == nil {
				m.logger.Warn("Highest price refresh failed", zap.Stringer("Period", key), zap.Error(err))
			}
		}
	}
}

// RefreshPrice 同步拉取一次最新价
func (m *Manager) RefreshPrice(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	price, err := m.provider.CurrentPrice(ctx, m.symbol)
	if err != nil {
		return err
	}
	m.SetLivePrice(price)
	return nil
}

// LoadHistory 同步拉取最近 HistorySize 根 K 线并合并进历史
func (m *Manager) LoadHistory(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	candles, err := m.provider.FetchCandles(ctx, m.symbol, m.cfg.CandleInterval, m.cfg.HistorySize)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candles {
		m.hist.push(c)
	}
	return nil
}

// RequestHighest 为 (unit, length) 安排一次异步预热；已就绪或预热中时什么也不做
func (m *Manager) RequestHighest(unit model.PeriodUnit, length int) {
	key := HighestKey{Unit: unit, Length: length}

	m.mu.Lock()
	if _, ok := m.highest[key]; ok || m.warming[key] {
		m.mu.Unlock()
		return
	}
	m.warming[key] = true
	m.mu.Unlock()

	m.wg.Go(func() {
		defer func() {
			m.mu.Lock()
			delete(m.warming, key)
			m.mu.Unlock()
		}()
		if err := m.WarmUp(m.ctx, key); err != nil && m.ctx.Err() == nil {
			m.logger.Warn("Highest price warm-up failed", zap.Stringer("Period", key), zap.Error(err))
		}
	})
}

// WarmUp 同步拉取并缓存 (unit, length) 周期内的最高价
func (m *Manager) WarmUp(ctx context.Context, key HighestKey) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	price, err := m.provider.HighestPrice(ctx, m.symbol, key.Unit, key.Length)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.highest[key] = price
	m.mu.Unlock()
	m.logger.Debug("Highest price warmed up", zap.Stringer("Period", key), zap.Float64("Price", price))
	return nil
}

func (m *Manager) warmedKeys() []HighestKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]HighestKey, 0, len(m.highest))
	for k := range m.highest {
		keys = append(keys, k)
	}
	return keys
}

// SetLivePrice 更新最新价 (轮询或 websocket 推送)
func (m *Manager) SetLivePrice(price float64) {
	if math.IsNaN(price) || price <= 0 {
		return
	}
	m.mu.Lock()
	m.live = price
	m.hasLive = true
	m.mu.Unlock()
}

// LatestPrice 返回最近一次轮询到的价格，没有则回退到最新收盘价。
// 完全没有数据时返回 NaN，任何与 NaN 的比较结果都为 false。
func (m *Manager) LatestPrice() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.hasLive {
		return m.live
	}
	if c, ok := m.hist.lastClose(); ok {
		return c
	}
	return math.NaN()
}

// HighestPrice 读取预热好的最高价；未预热完成时返回 DataNotReadyError
func (m *Manager) HighestPrice(unit model.PeriodUnit, length int) (float64, error) {
	key := HighestKey{Unit: unit, Length: length}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.highest[key]
	if !ok {
		return 0, &model.DataNotReadyError{What: "highest price over " + key.String()}
	}
	return v, nil
}

// Closes 返回最近 n 根收盘价 (旧 → 新)，n <= 0 返回全部
func (m *Manager) Closes(n int) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hist.closes(n)
}

// Snapshot 返回当前状态的快照
func (m *Manager) Snapshot() Snapshot {
	price := m.LatestPrice()

	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		Symbol:  m.symbol,
		Candles: m.hist.len,
	}
	if !math.IsNaN(price) {
		s.HasPrice = true
		s.LatestPrice = price
	}
	if ts := m.hist.times(1); len(ts) == 1 {
		s.LastCandle = time.UnixMilli(ts[0])
	}
	if hs := m.hist.highs(1); len(hs) == 1 {
		s.LastHigh = hs[0]
	}
	if vs := m.hist.volumes(1); len(vs) == 1 {
		s.LastVolume = vs[0]
	}
	for k := range m.highest {
		s.WarmedUp = append(s.WarmedUp, k)
	}
	sort.Slice(s.WarmedUp, func(i, j int) bool {
		if s.WarmedUp[i].Unit != s.WarmedUp[j].Unit {
			return s.WarmedUp[i].Unit < s.WarmedUp[j].Unit
		}
		return s.WarmedUp[i].Length < s.WarmedUp[j].Length
	})
	return s
}

// Prime 同步加载历史、最新价和给定周期的最高价，供不经过后台轮询的一次性执行使用
func (m *Manager) Prime(ctx context.Context, keys ...HighestKey) error {
	var errs []error
	if err := m.LoadHistory(ctx); err != nil {
		errs = append(errs, fmt.Errorf("candles: %w", err))
	}
	if err := m.RefreshPrice(ctx); err != nil {
		errs = append(errs, fmt.Errorf("price: %w", err))
	}
	for _, k := range keys {
		if err := m.WarmUp(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("highest price %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}
