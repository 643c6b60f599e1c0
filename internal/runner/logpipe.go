package runner

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"trade-builder/internal/model"
	"trade-builder/internal/strategy"

	"go.uber.org/zap"
)

// TitleDropped 缓冲区满时丢弃日志后补记的标题
const TitleDropped = "Dropped"

// pipeEntry 携带在它之前被丢弃的条目数，保证丢弃记录出现在缺口所在的位置
type pipeEntry struct {
	model.LogEntry
	dropped int64
}

// logPipe 把工作协程的日志按顺序转发到共享的 LogSink。
// close 之后不会再有任何转发。
type logPipe struct {
	logicID string
	ch      chan pipeEntry
	dropped atomic.Int64
	sink    strategy.LogSink
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool

	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
}

func newLogPipe(logicID string, sink strategy.LogSink, logger *zap.Logger) *logPipe {
	p := &logPipe{
		logicID: logicID,
		ch:      make(chan pipeEntry, 256),
		sink:    sink,
		logger:  logger,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	return p
}

// Log 由工作协程调用，不阻塞；缓冲区满时丢弃，并在下一条送达的日志前补记丢弃条数
func (p *logPipe) Log(logicID, title, message string) {
	e := pipeEntry{
		LogEntry: model.LogEntry{LogicID: logicID, Title: title, Message: message, Time: time.Now()},
		dropped:  p.dropped.Swap(0),
	}
	select {
	case p.ch <- e:
	default:
		p.dropped.Add(e.dropped + 1)
		p.logger.Warn("Log buffer full, dropping entry", zap.String("Title", title))
	}
}

func (p *logPipe) run() {
	defer close(p.done)
	for {
		select {
		case e := <-p.ch:
			p.emit(e)
		case <-p.quit:
			// 退出前把已缓冲的条目转发完
			for {
				select {
				case e := <-p.ch:
					p.emit(e)
				default:
					if n := p.dropped.Swap(0); n > 0 {
						p.emit(pipeEntry{LogEntry: model.LogEntry{LogicID: p.logicID}, dropped: n})
					}
					return
				}
			}
		}
	}
}

func (p *logPipe) emit(e pipeEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if e.dropped > 0 {
		p.sink.Log(e.LogicID, TitleDropped, fmt.Sprintf("%d log entries dropped, buffer full", e.dropped))
	}
	if e.Title != "" {
		p.sink.Log(e.LogicID, e.Title, e.Message)
	}
}

// close 冲刷缓冲区 (最多等待 grace)，之后丢弃一切
func (p *logPipe) close(grace time.Duration) {
	p.quitOnce.Do(func() { close(p.quit) })
	select {
	case <-p.done:
	case <-time.After(grace):
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
