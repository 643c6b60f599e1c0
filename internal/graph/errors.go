package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCompile 是所有编译错误的公共类别
var ErrCompile = errors.New("compile error")

// 具体的编译错误类别，配合 errors.Is() 使用
var (
	// ErrMalformedGraph JSON 无法解码
	ErrMalformedGraph = errors.New("malformed graph")

	// ErrStructural 重复节点 id、连线指向不存在的节点、环
	ErrStructural = errors.New("structural error")

	// ErrMissingTerminalNode 图中没有 (或有多个) buy/sell 终端节点
	ErrMissingTerminalNode = errors.New("missing terminal node")

	// ErrMissingCondition 终端节点没有任何输入连线
	ErrMissingCondition = errors.New("missing condition")

	// ErrInsufficientOperands compare/logicOp 的输入少于两个
	ErrInsufficientOperands = errors.New("insufficient operands")

	// ErrUnknownNodeKind 未知的节点类型
	ErrUnknownNodeKind = errors.New("unknown node kind")

	// ErrInvalidNumericControl 控件值无法解析为数字
	ErrInvalidNumericControl = errors.New("invalid numeric control")

	// ErrPeriodTooLarge 周期超过保留的历史长度
	ErrPeriodTooLarge = errors.New("period too large")

	// ErrInvalidControl 非数值控件取值非法 (运算符、周期单位、订单类型)
	ErrInvalidControl = errors.New("invalid control")

	// ErrOperandType 操作数类型不符 (compare 需要数值，logicOp 和终端需要布尔)
	ErrOperandType = errors.New("operand type mismatch")
)

// CompileError 描述一次编译失败的准确原因
type CompileError struct {
	Graph  string // "buy" 或 "sell"
	NodeID string // 出错节点，可能为空
	Err    error  // 上面的某个类别
	Msg    string
}

func (e *CompileError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(ErrCompile.Error())
	if e.Graph != "" {
		fmt.Fprintf(&b, ": %s graph", e.Graph)
	}
	if e.NodeID != "" {
		fmt.Fprintf(&b, ": node %q", e.NodeID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	if e.Msg != "" {
		fmt.Fprintf(&b, ": %s", e.Msg)
	}
	return b.String()
}

func (e *CompileError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCompile}
	}
	return []error{ErrCompile, e.Err}
}

func newError(graph, nodeID string, kind error, format string, args ...any) *CompileError {
	return &CompileError{Graph: graph, NodeID: nodeID, Err: kind, Msg: fmt.Sprintf(format, args...)}
}
