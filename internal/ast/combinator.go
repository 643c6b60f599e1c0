package ast

import (
	"fmt"
	"strings"
)

// CompareOp 比较运算符 {>, <, ≥, ≤, =, ≠}
type CompareOp string

const (
	OpGreater      CompareOp = ">"
	OpLess         CompareOp = "<"
	OpGreaterEqual CompareOp = ">="
	OpLessEqual    CompareOp = "<="
	OpEqual        CompareOp = "="
	OpNotEqual     CompareOp = "!="
)

// ParseCompareOp 接受编辑器里出现过的各种写法
func ParseCompareOp(s string) (CompareOp, error) {
	switch strings.TrimSpace(s) {
	case ">", "gt":
		return OpGreater, nil
	case "<", "lt":
		return OpLess, nil
	case ">=", "≥", "gte":
		return OpGreaterEqual, nil
	case "<=", "≤", "lte":
		return OpLessEqual, nil
	case "=", "==", "eq":
		return OpEqual, nil
	case "!=", "≠", "<>", "ne":
		return OpNotEqual, nil
	}
	return "", fmt.Errorf("unknown compare operator %q", s)
}

func (op CompareOp) apply(a, b float64) bool {
	switch op {
	case OpGreater:
		return a > b
	case OpLess:
		return a < b
	case OpGreaterEqual:
		return a >= b
	case OpLessEqual:
		return a <= b
	case OpEqual:
		return a == b
	case OpNotEqual:
		return a != b
	}
	panic("ast: unhandled compare operator " + string(op))
}

// LogicOperator 逻辑运算符 {and, or}
type LogicOperator string

const (
	OpAnd LogicOperator = "and"
	OpOr  LogicOperator = "or"
)

func ParseLogicOperator(s string) (LogicOperator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "and", "&&":
		return OpAnd, nil
	case "or", "||":
		return OpOr, nil
	}
	return "", fmt.Errorf("unknown logic operator %q", s)
}

// Compare 依次求值 A、B 两个数值子节点并比较
type Compare struct {
	Op   CompareOp
	A, B Node
}

func (n *Compare) Kind() Kind                                  { return KindCompare }
func (n *Compare) Evaluate() (Value, error)                    { return n.eval(nil) }
func (n *Compare) EvaluateDetailed(log LogFunc) (Value, error) { return n.eval(log) }

func (n *Compare) eval(log LogFunc) (Value, error) {
	av, err := evalChild(n.A, log)
	if err != nil {
		return Value{}, err
	}
	bv, err := evalChild(n.B, log)
	if err != nil {
		return Value{}, err
	}
	a, err := av.Float()
	if err != nil {
		return Value{}, fmt.Errorf("compare operand A: %w", err)
	}
	b, err := bv.Float()
	if err != nil {
		return Value{}, fmt.Errorf("compare operand B: %w", err)
	}
	result := n.Op.apply(a, b)
	emit(log, "[compare] %.2f %s %.2f = %t", a, n.Op, b, result)
	return Bool(result), nil
}

// LogicOp 对两个布尔子节点做 and/or。两边都会求值，不短路。
type LogicOp struct {
	Op   LogicOperator
	A, B Node
}

func (n *LogicOp) Kind() Kind                                  { return KindLogicOp }
func (n *LogicOp) Evaluate() (Value, error)                    { return n.eval(nil) }
func (n *LogicOp) EvaluateDetailed(log LogFunc) (Value, error) { return n.eval(log) }

func (n *LogicOp) eval(log LogFunc) (Value, error) {
	av, err := evalChild(n.A, log)
	if err != nil {
		return Value{}, err
	}
	bv, err := evalChild(n.B, log)
	if err != nil {
		return Value{}, err
	}
	a, err := av.Truth()
	if err != nil {
		return Value{}, fmt.Errorf("logicOp operand A: %w", err)
	}
	b, err := bv.Truth()
	if err != nil {
		return Value{}, fmt.Errorf("logicOp operand B: %w", err)
	}

	var result bool
	switch n.Op {
	case OpAnd:
		result = a && b
	case OpOr:
		result = a || b
	default:
		panic("ast: unhandled logic operator " + string(n.Op))
	}
	emit(log, "[logicOp] %t %s %t = %t", a, n.Op, b, result)
	return Bool(result), nil
}
