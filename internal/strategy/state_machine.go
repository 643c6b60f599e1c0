package strategy

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State 解释器的生命周期状态
type State string

const (
	StateUninitialized State = "UNINITIALIZED" // 未解析或上次解析失败
	StateParsed        State = "PARSED"        // 已编译，尚未执行
	StateRunning       State = "RUNNING"       // 正在执行一次 Run
	StateIdle          State = "IDLE"          // 两次 Run 之间
	StateStopped       State = "STOPPED"       // 已停止，不能再使用
)

// transitions 列出每个状态允许进入的下一状态
var transitions = map[State][]State{
	StateUninitialized: {StateParsed, StateUninitialized, StateStopped},
	StateParsed:        {StateParsed, StateUninitialized, StateRunning, StateStopped},
	StateRunning:       {StateIdle, StateStopped},
	StateIdle:          {StateParsed, StateUninitialized, StateRunning, StateStopped},
	StateStopped:       {},
}

// StateMachine 保护解释器状态，所有切换都经过 Transition 校验
type StateMachine struct {
	mu      sync.RWMutex
	current State
	logger  *zap.Logger
}

func NewStateMachine(logger *zap.Logger) *StateMachine {
	return &StateMachine{current: StateUninitialized, logger: logger}
}

// Transition 在 from 集合内时切换到 to，否则返回错误且不改变状态
func (sm *StateMachine) Transition(to State, from ...State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(from) > 0 && !contains(from, sm.current) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, sm.current, to)
	}
	if !contains(transitions[sm.current], to) {
		return fmt.Errorf("%w: %s -> %s is not allowed", ErrInvalidState, sm.current, to)
	}
	if sm.current != to {
		sm.logger.Debug("State transition", zap.String("From", string(sm.current)), zap.String("To", string(to)))
	}
	sm.current = to
	return nil
}

// Current 返回当前状态
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

func contains(states []State, s State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}
