package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trade-builder/internal/model"

	"github.com/google/uuid"
)

// orderRequest 是逻辑工作协程发给调度端的下单请求
type orderRequest struct {
	ctx     context.Context // 逻辑自身的上下文，逻辑停止时取消
	id      string
	logicID string
	symbol  string
	order   model.OrderData
	reply   *bridge
}

// bridge 是工作协程一侧的请求端：用 uuid 关联请求与应答，超时后清除挂起记录。
// 它实现 strategy.Dispatcher，解释器只通过它与调度端通信。
type bridge struct {
	logicID  string
	requests chan<- orderRequest
	timeout  time.Duration

	mu       sync.Mutex
	pending  map[string]chan model.OrderResult
	inflight sync.WaitGroup // 已发出、调度端尚未处理完的请求
}

func newBridge(logicID string, requests chan<- orderRequest, timeout time.Duration) *bridge {
	return &bridge{
		logicID:  logicID,
		requests: requests,
		timeout:  timeout,
		pending:  make(map[string]chan model.OrderResult),
	}
}

// Dispatch 发送请求并等待应答；超时返回 ErrRequestTimeout (同时属于 ErrIsolationBoundary)
func (b *bridge) Dispatch(ctx context.Context, symbol string, order model.OrderData) (model.OrderResult, error) {
	id := uuid.NewString()
	ch := make(chan model.OrderResult, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	defer b.purge(id)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	req := orderRequest{ctx: ctx, id: id, logicID: b.logicID, symbol: symbol, order: order, reply: b}
	b.inflight.Add(1)
	select {
	case b.requests <- req:
	case <-ctx.Done():
		b.inflight.Done()
		return model.OrderResult{}, ctx.Err()
	case <-timer.C:
		b.inflight.Done()
		return model.OrderResult{}, b.timeoutError(id)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return model.OrderResult{}, ctx.Err()
	case <-timer.C:
		return model.OrderResult{}, b.timeoutError(id)
	}
}

// resolve 由调度端调用；请求已超时被清除时应答被丢弃
func (b *bridge) resolve(id string, res model.OrderResult) bool {
	b.mu.Lock()
	ch, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

func (b *bridge) purge(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// wait 等待已发出的请求被调度端处理完，最多 grace；超时返回 false
func (b *bridge) wait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

func (b *bridge) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *bridge) timeoutError(id string) error {
	return fmt.Errorf("%w: order request %s after %s: %w", model.ErrIsolationBoundary, id, b.timeout, model.ErrRequestTimeout)
}
