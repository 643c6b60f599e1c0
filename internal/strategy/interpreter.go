// Package strategy 持有一个交易逻辑的编译结果并驱动它执行：
// 解析 buy/sell 两张图，按需求值两棵条件树，条件成立时下单。
package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"trade-builder/internal/ast"
	"trade-builder/internal/graph"
	"trade-builder/internal/model"

	"go.uber.org/zap"
)

var (
	// ErrInvalidState 当前状态不允许该操作
	ErrInvalidState = errors.New("invalid interpreter state")

	// ErrNotParsed 还没有成功解析过逻辑
	ErrNotParsed = errors.New("logic not parsed")

	// ErrStopped 解释器已停止
	ErrStopped = errors.New("interpreter stopped")
)

// 日志标题
const (
	TitleParse  = "Parse"
	TitleBuy    = "Buy"
	TitleSell   = "Sell"
	TitleDetail = "Detail"
	TitleError  = "Error"
)

// LogSink 接收面向用户的日志，调用方不等待结果
type LogSink interface {
	Log(logicID, title, message string)
}

// Dispatcher 把订单送往执行端。
// 下单本身失败体现在 OrderResult 中；返回 error 表示请求没能送达 (超时、隔离边界故障)。
type Dispatcher interface {
	Dispatch(ctx context.Context, symbol string, order model.OrderData) (model.OrderResult, error)
}

// Market 是解释器使用的行情视图，解析成功后会为最高价节点预约预热
type Market interface {
	ast.Market
	RequestHighest(unit model.PeriodUnit, length int)
}

// SideResult 一侧条件的执行结果
type SideResult struct {
	Met   bool               `json:"met"`
	Order *model.OrderResult `json:"order,omitempty"`
	Error string             `json:"error,omitempty"`
}

// TickResult 一次 Run 的结果
type TickResult struct {
	Buy     SideResult `json:"buy"`
	Sell    SideResult `json:"sell"`
	Details []string   `json:"details,omitempty"`

	// Conflict 买卖条件在同一次执行中同时成立，两侧订单都已发出
	Conflict bool `json:"conflict,omitempty"`
}

// Interpreter 是单个逻辑的解释器。Parse 与 Run 不能并发调用，Stop 可以在任意协程调用。
type Interpreter struct {
	id         string
	symbol     string
	market     Market
	dispatcher Dispatcher
	sink       LogSink
	logger     *zap.Logger
	sm         *StateMachine

	mu      sync.RWMutex
	logic   *graph.Logic
	lastErr error
}

func NewInterpreter(id, symbol string, market Market, dispatcher Dispatcher, sink LogSink, logger *zap.Logger) *Interpreter {
	logger = logger.With(zap.String("Logic", id), zap.String("Symbol", symbol))
	return &Interpreter{
		id:         id,
		symbol:     symbol,
		market:     market,
		dispatcher: dispatcher,
		sink:       sink,
		logger:     logger,
		sm:         NewStateMachine(logger),
	}
}

func (i *Interpreter) ID() string      { return i.id }
func (i *Interpreter) Symbol() string  { return i.symbol }
func (i *Interpreter) State() State    { return i.sm.Current() }
func (i *Interpreter) LastError() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastErr
}

// Requirements 返回当前编译结果需要预热的最高价周期
func (i *Interpreter) Requirements() []graph.Requirement {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.logic == nil {
		return nil
	}
	return append([]graph.Requirement(nil), i.logic.Requirements...)
}

// ParseJSON 解码并解析编辑器导出的两张图
func (i *Interpreter) ParseJSON(buyJSON, sellJSON []byte) error {
	if err := i.checkParsable(); err != nil {
		return err
	}
	buy, err := graph.Decode(bytes.NewReader(buyJSON))
	if err != nil {
		return i.parseFailed(withSide(err, graph.SideBuy))
	}
	sell, err := graph.Decode(bytes.NewReader(sellJSON))
	if err != nil {
		return i.parseFailed(withSide(err, graph.SideSell))
	}
	return i.Parse(buy, sell)
}

// Parse 编译两张图。失败时回到 UNINITIALIZED，不保留任何旧的编译结果。
func (i *Interpreter) Parse(buy, sell *graph.Graph) error {
	if err := i.checkParsable(); err != nil {
		return err
	}

	logic, err := graph.Compile(buy, sell, i.market)
	if err != nil {
		return i.parseFailed(err)
	}

	i.mu.Lock()
	i.logic, i.lastErr = logic, nil
	i.mu.Unlock()
	if err := i.sm.Transition(StateParsed); err != nil {
		return err
	}

	for _, r := range logic.Requirements {
		i.market.RequestHighest(r.Unit, r.Length)
	}
	i.logger.Info("Logic compiled", zap.Int("HighestPriceRequirements", len(logic.Requirements)))
	i.sink.Log(i.id, TitleParse, fmt.Sprintf("compiled: buy %s; sell %s", logic.Buy.Order, logic.Sell.Order))
	return nil
}

func (i *Interpreter) checkParsable() error {
	switch i.sm.Current() {
	case StateStopped:
		return ErrStopped
	case StateRunning:
		return fmt.Errorf("%w: cannot parse while running", ErrInvalidState)
	}
	return nil
}

func (i *Interpreter) parseFailed(err error) error {
	i.mu.Lock()
	i.logic, i.lastErr = nil, err
	i.mu.Unlock()
	_ = i.sm.Transition(StateUninitialized)

	i.logger.Warn("Logic parse failed", zap.Error(err))
	i.sink.Log(i.id, TitleError, "parse failed: "+err.Error())
	return err
}

// Run 完整求值两棵条件树，成立的一侧下单。买卖两侧相互独立，同一次执行中可能都下单。
// 两侧的错误合并返回；数据未就绪只影响本次执行。
func (i *Interpreter) Run(ctx context.Context, logDetails bool) (TickResult, error) {
	if err := i.sm.Transition(StateRunning, StateParsed, StateIdle); err != nil {
		switch i.sm.Current() {
		case StateStopped:
			return TickResult{}, ErrStopped
		case StateUninitialized:
			return TickResult{}, ErrNotParsed
		}
		return TickResult{}, err
	}
	defer func() { _ = i.sm.Transition(StateIdle, StateRunning) }()

	i.mu.RLock()
	logic := i.logic
	i.mu.RUnlock()
	if logic == nil {
		return TickResult{}, ErrStopped
	}

	var res TickResult
	var log ast.LogFunc
	if logDetails {
		log = func(line string) {
			res.Details = append(res.Details, line)
			i.sink.Log(i.id, TitleDetail, line)
		}
	}

	buyErr := i.evaluate(ctx, TitleBuy, logic.Buy, log, &res.Buy)
	sellErr := i.evaluate(ctx, TitleSell, logic.Sell, log, &res.Sell)
	err := errors.Join(buyErr, sellErr)
	if res.Buy.Met && res.Sell.Met {
		res.Conflict = true
		i.logger.Warn("Buy and sell conditions both met in one tick, both orders dispatched")
	}

	i.mu.Lock()
	i.lastErr = err
	i.mu.Unlock()
	return res, err
}

func (i *Interpreter) evaluate(ctx context.Context, title string, cond graph.Condition, log ast.LogFunc, out *SideResult) error {
	var v ast.Value
	var err error
	if log != nil {
		v, err = cond.Root.EvaluateDetailed(log)
	} else {
		v, err = cond.Root.Evaluate()
	}
	if err == nil {
		out.Met, err = v.Truth()
	}
	if err != nil {
		err = fmt.Errorf("%s condition: %w", strings.ToLower(title), err)
		out.Error = err.Error()
		i.sink.Log(i.id, TitleError, err.Error())
		return err
	}

	if !out.Met {
		i.sink.Log(i.id, title, "condition not met")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	result, err := i.dispatcher.Dispatch(ctx, i.symbol, cond.Order)
	if err != nil {
		err = fmt.Errorf("%s order: %w", strings.ToLower(title), err)
		out.Error = err.Error()
		i.sink.Log(i.id, TitleError, err.Error())
		return err
	}
	out.Order = &result
	if result.Success {
		i.sink.Log(i.id, title, fmt.Sprintf("condition met, order dispatched: %s", cond.Order))
	} else {
		i.sink.Log(i.id, title, fmt.Sprintf("condition met, order failed: %s", result.Error))
	}
	return nil
}

// Stop 停止解释器并释放编译结果；行情视图实现了 Close 时一并关闭
func (i *Interpreter) Stop() {
	if i.sm.Current() == StateStopped {
		return
	}
	_ = i.sm.Transition(StateStopped)

	i.mu.Lock()
	i.logic = nil
	i.mu.Unlock()

	if c, ok := i.market.(interface{ Close() }); ok {
		c.Close()
	}
	i.logger.Info("Interpreter stopped")
}

func withSide(err error, side string) error {
	var ce *graph.CompileError
	if errors.As(err, &ce) && ce.Graph == "" {
		ce.Graph = side
	}
	return err
}
