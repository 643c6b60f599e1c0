// Package runner 管理持续运行的交易逻辑。
//
// 每个逻辑在独立的工作协程里运行，拥有自己的解释器和行情管理器；工作协程与调度端
// 之间只通过消息通信 (带 uuid 关联和超时的下单请求、按顺序转发的日志)，
// 一个逻辑的 panic 或超时只会拆除它自己。
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"trade-builder/internal/data"
	"trade-builder/internal/graph"
	"trade-builder/internal/model"
	"trade-builder/internal/service"
	"trade-builder/internal/strategy"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning 同一个逻辑 id 已经在运行
	ErrAlreadyRunning = errors.New("logic already running")

	// ErrIntervalTooShort 运行间隔小于允许的最小值
	ErrIntervalTooShort = errors.New("interval too short")

	// ErrShutdown 运行器已关闭
	ErrShutdown = errors.New("runner is shut down")
)

// 运行器自己写入的日志标题
const (
	TitleStart = "Start"
	TitleStop  = "Stop"
)

// Config 运行器参数
type Config struct {
	MinInterval    time.Duration // 持续运行的最小间隔
	RequestTimeout time.Duration // 跨隔离边界请求的超时
	StopGrace      time.Duration // 停止时等待工作协程退出的上限
	Market         data.Config
}

func DefaultConfig() Config {
	return Config{
		MinInterval:    time.Second,
		RequestTimeout: 30 * time.Second,
		StopGrace:      5 * time.Second,
		Market:         data.DefaultConfig(),
	}
}

// Definition 是一个可运行的逻辑
type Definition struct {
	ID     string
	Symbol string
	Buy    *graph.Graph
	Sell   *graph.Graph
}

// Status 是一个运行中逻辑的状态
type Status struct {
	ID        string         `json:"id"`
	Symbol    string         `json:"symbol"`
	StartTime time.Time      `json:"startTime"`
	Interval  string         `json:"interval"`
	Ticks     int64          `json:"ticks"`
	State     strategy.State `json:"state"`
	LastError string         `json:"lastError,omitempty"`
	Market    data.Snapshot  `json:"market"`
}

type worker struct {
	def      Definition
	interval time.Duration
	started  time.Time

	interp *strategy.Interpreter
	feed   *data.Manager
	bridge *bridge
	logs   *logPipe
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	ticks   atomic.Int64
	mu      sync.Mutex
	lastErr string
}

func (w *worker) setErr(s string) {
	w.mu.Lock()
	w.lastErr = s
	w.mu.Unlock()
}

func (w *worker) status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		ID:        w.def.ID,
		Symbol:    w.def.Symbol,
		StartTime: w.started,
		Interval:  service.FormatInterval(w.interval),
		Ticks:     w.ticks.Load(),
		State:     w.interp.State(),
		LastError: w.lastErr,
		Market:    w.feed.Snapshot(),
	}
}

// Runner 是所有运行中逻辑的调度端
type Runner struct {
	cfg        Config
	provider   data.Provider
	dispatcher strategy.Dispatcher
	sink       strategy.LogSink
	logger     *zap.Logger

	requests chan orderRequest
	ctx      context.Context
	cancel   context.CancelFunc
	wg       conc.WaitGroup

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

// New 创建运行器并启动调度协程。dispatcher 在调度端执行真实下单，sink 接收所有逻辑的日志。
func New(cfg Config, provider data.Provider, dispatcher strategy.Dispatcher, sink strategy.LogSink, logger *zap.Logger) *Runner {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:        cfg,
		provider:   provider,
		dispatcher: dispatcher,
		sink:       sink,
		logger:     logger,
		requests:   make(chan orderRequest),
		ctx:        ctx,
		cancel:     cancel,
		workers:    make(map[string]*worker),
	}
	r.wg.Go(r.serve)
	return r
}

// serve 接收工作协程的下单请求，每个请求在独立协程中执行，互不阻塞
func (r *Runner) serve() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case req := <-r.requests:
			r.wg.Go(func() { r.handle(req) })
		}
	}
}

func (r *Runner) handle(req orderRequest) {
	defer req.reply.inflight.Done()

	// 逻辑停止或运行器关闭都会取消进行中的下单
	ctx, cancel := context.WithTimeout(req.ctx, r.cfg.RequestTimeout)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	if ctx.Err() != nil {
		r.logger.Debug("Dropping order request of a stopped logic", zap.String("Logic", req.logicID), zap.String("RequestID", req.id))
		req.reply.resolve(req.id, model.Failed(ctx.Err()))
		return
	}

	var res model.OrderResult
	var err error
	var pc panics.Catcher
	pc.Try(func() { res, err = r.dispatcher.Dispatch(ctx, req.symbol, req.order) })
	if rec := pc.Recovered(); rec != nil {
		r.logger.Error("Order dispatch panicked", zap.String("Logic", req.logicID), zap.Any("Panic", rec.Value), zap.ByteString("Stack", rec.Stack))
		res = model.Failed(rec.AsError())
	} else if err != nil {
		res = model.Failed(err)
	}

	if !req.reply.resolve(req.id, res) {
		r.logger.Warn("Dropping order response for an expired request", zap.String("Logic", req.logicID), zap.String("RequestID", req.id))
	}
}

// Start 编译并开始按 interval 持续运行逻辑。编译失败时返回 CompileError 且不登记。
func (r *Runner) Start(def Definition, interval time.Duration) error {
	if interval < r.cfg.MinInterval {
		return fmt.Errorf("%w: %s < %s", ErrIntervalTooShort, interval, r.cfg.MinInterval)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrShutdown
	}
	if _, ok := r.workers[def.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, def.ID)
	}

	w := r.newWorker(def, interval)
	r.wg.Go(w.logs.run)
	if err := w.interp.Parse(def.Buy, def.Sell); err != nil {
		w.cancel()
		w.interp.Stop()
		w.logs.close(r.cfg.StopGrace)
		return err
	}

	w.feed.Start()
	r.workers[def.ID] = w
	w.logs.Log(def.ID, TitleStart, fmt.Sprintf("running %s every %s", def.Symbol, service.FormatInterval(interval)))
	w.logger.Info("Logic started", zap.Duration("Interval", interval))
	r.wg.Go(func() { r.runWorker(w) })
	return nil
}

func (r *Runner) newWorker(def Definition, interval time.Duration) *worker {
	logger := r.logger.With(zap.String("Logic", def.ID), zap.String("Symbol", def.Symbol))
	ctx, cancel := context.WithCancel(r.ctx)
	w := &worker{
		def:      def,
		interval: interval,
		started:  time.Now(),
		feed:     data.NewManager(def.Symbol, r.provider, r.cfg.Market, logger),
		bridge:   newBridge(def.ID, r.requests, r.cfg.RequestTimeout),
		logs:     newLogPipe(def.ID, r.sink, logger),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	w.interp = strategy.NewInterpreter(def.ID, def.Symbol, w.feed, w.bridge, w.logs, logger)
	return w
}

// runWorker 立即执行一次，之后每个 interval 执行一次。
// 执行是同步的：上一次还没结束时到期的 tick 被丢弃，不会重叠。
func (r *Runner) runWorker(w *worker) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if err := r.tick(w); err != nil {
			r.fail(w, err)
			return
		}
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick 执行一次；只有 panic 和隔离边界错误会作为致命错误返回
func (r *Runner) tick(w *worker) error {
	var err error
	var pc panics.Catcher
	pc.Try(func() { _, err = w.interp.Run(w.ctx, false) })
	w.ticks.Add(1)

	if rec := pc.Recovered(); rec != nil {
		w.logger.Error("Logic panicked", zap.Any("Panic", rec.Value), zap.ByteString("Stack", rec.Stack))
		return fmt.Errorf("%w: panic: %v", model.ErrIsolationBoundary, rec.Value)
	}
	if err == nil {
		w.setErr("")
		return nil
	}
	if w.ctx.Err() != nil {
		return nil
	}
	w.setErr(err.Error())
	if errors.Is(err, model.ErrIsolationBoundary) {
		return err
	}
	w.logger.Debug("Tick failed", zap.Error(err))
	return nil
}

// fail 记录错误并拆除出错的逻辑，在工作协程内调用
func (r *Runner) fail(w *worker, err error) {
	w.setErr(err.Error())
	w.logs.Log(w.def.ID, strategy.TitleError, "logic stopped: "+err.Error())
	w.logger.Error("Logic failed, tearing down", zap.Error(err))

	r.mu.Lock()
	owned := r.workers[w.def.ID] == w
	if owned {
		delete(r.workers, w.def.ID)
	}
	r.mu.Unlock()
	if !owned {
		// Stop 已经接管拆除
		return
	}

	w.cancel()
	r.awaitOrders(w)
	w.interp.Stop()
	w.logs.close(r.cfg.StopGrace)
}

// awaitOrders 等待该逻辑已发出的下单随上下文取消而结束
func (r *Runner) awaitOrders(w *worker) {
	if !w.bridge.wait(r.cfg.StopGrace) {
		w.logger.Warn("In-flight orders did not finish within grace period", zap.Duration("Grace", r.cfg.StopGrace))
	}
}

// Stop 停止逻辑。返回 true 时保证之后不会再有该逻辑的下单和日志。未运行时返回 false。
func (r *Runner) Stop(id string) bool {
	r.mu.Lock()
	w, ok := r.workers[id]
	if ok {
		delete(r.workers, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	w.cancel()
	select {
	case <-w.done:
	case <-time.After(r.cfg.StopGrace):
		// 无法强制结束卡住的协程，只能放弃它；它的输出已被隔断
		w.logger.Warn("Worker did not exit within grace period, abandoning", zap.Duration("Grace", r.cfg.StopGrace))
	}
	r.awaitOrders(w)
	w.interp.Stop()
	w.logs.close(r.cfg.StopGrace)

	r.sink.Log(id, TitleStop, "logic stopped")
	w.logger.Info("Logic stopped", zap.Int64("Ticks", w.ticks.Load()))
	return true
}

// RunOnce 在调用方的上下文中同步执行一次，不经过调度和隔离，也不影响正在运行的同 id 逻辑
func (r *Runner) RunOnce(ctx context.Context, def Definition, logDetails bool) (strategy.TickResult, error) {
	logger := r.logger.With(zap.String("Logic", def.ID), zap.String("Symbol", def.Symbol), zap.Bool("Once", true))
	feed := data.NewManager(def.Symbol, r.provider, r.cfg.Market, logger)
	in := strategy.NewInterpreter(def.ID, def.Symbol, feed, r.dispatcher, r.sink, logger)
	defer in.Stop()

	if err := in.Parse(def.Buy, def.Sell); err != nil {
		return strategy.TickResult{}, err
	}

	reqs := in.Requirements()
	keys := make([]data.HighestKey, len(reqs))
	for i, req := range reqs {
		keys[i] = data.HighestKey{Unit: req.Unit, Length: req.Length}
	}
	if err := feed.Prime(ctx, keys...); err != nil {
		logger.Warn("Market data only partially loaded", zap.Error(err))
	}
	return in.Run(ctx, logDetails)
}

// IsRunning 逻辑是否在运行
func (r *Runner) IsRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[id]
	return ok
}

// Status 返回单个运行中逻辑的状态
func (r *Runner) Status(id string) (Status, bool) {
	r.mu.Lock()
	w, ok := r.workers[id]
	r.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return w.status(), true
}

// List 按 id 排序返回所有运行中逻辑的状态
func (r *Runner) List() []Status {
	r.mu.Lock()
	ws := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		ws = append(ws, w)
	}
	r.mu.Unlock()

	out := make([]Status, len(ws))
	for i, w := range ws {
		out[i] = w.status()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown 停止所有逻辑和调度协程，最多等待到 ctx 结束
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var stops conc.WaitGroup
	for _, id := range ids {
		stops.Go(func() { r.Stop(id) })
	}
	stops.Wait()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("Runner shut down", zap.Int("Stopped", len(ids)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
