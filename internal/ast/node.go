// Package ast 定义交易逻辑编译后的表达式树。
//
// 叶子节点 (Supplier) 在求值时从行情管理器读取数据，不跨求值缓存；
// 组合节点 (Combinator) 持有恰好两个子节点。Evaluate 与 EvaluateDetailed
// 共用同一套求值逻辑，区别只在于后者会为每个访问到的节点输出一行日志。
package ast

import (
	"fmt"

	"trade-builder/internal/model"
)

// Kind 是图中节点类型的封闭枚举
type Kind string

const (
	KindConst        Kind = "const"
	KindCurrentPrice Kind = "currentPrice"
	KindHighestPrice Kind = "highestPrice"
	KindRSI          Kind = "rsi"
	KindROI          Kind = "roi"
	KindSMA          Kind = "sma"
	KindCompare      Kind = "compare"
	KindLogicOp      Kind = "logicOp"
	KindBuy          Kind = "buy"
	KindSell         Kind = "sell"
)

// ParseKind 把序列化的 kind 字符串映射到枚举值
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindConst, KindCurrentPrice, KindHighestPrice, KindRSI, KindROI, KindSMA,
		KindCompare, KindLogicOp, KindBuy, KindSell:
		return k, true
	}
	return "", false
}

// IsTerminal 是否为 buy/sell 终端节点
func (k Kind) IsTerminal() bool { return k == KindBuy || k == KindSell }

// IsSupplier 是否为数值叶子节点
func (k Kind) IsSupplier() bool {
	switch k {
	case KindConst, KindCurrentPrice, KindHighestPrice, KindRSI, KindROI, KindSMA:
		return true
	}
	return false
}

// Market 是叶子节点求值时读取的行情视图 (由 data.Manager 实现)
type Market interface {
	LatestPrice() float64
	HighestPrice(unit model.PeriodUnit, length int) (float64, error)
	Closes(n int) []float64
}

// LogFunc 接收 EvaluateDetailed 的逐行输出
type LogFunc func(line string)

// Node 是表达式树节点
type Node interface {
	Kind() Kind
	// Evaluate 静默求值
	Evaluate() (Value, error)
	// EvaluateDetailed 求值并为每个访问到的节点输出一行说明，结果与 Evaluate 相同
	EvaluateDetailed(log LogFunc) (Value, error)
}

// evalChild 按是否需要日志选择子节点的求值方式
func evalChild(n Node, log LogFunc) (Value, error) {
	if log == nil {
		return n.Evaluate()
	}
	return n.EvaluateDetailed(log)
}

func emit(log LogFunc, format string, args ...any) {
	if log != nil {
		log(fmt.Sprintf(format, args...))
	}
}

// ValueKind 求值结果的类型
type ValueKind uint8

const (
	NumberValue ValueKind = iota
	BoolValue
)

// Value 是 number|boolean 的求值结果
type Value struct {
	kind ValueKind
	num  float64
	flag bool
}

func Number(f float64) Value { return Value{kind: NumberValue, num: f} }
func Bool(b bool) Value      { return Value{kind: BoolValue, flag: b} }

func (v Value) Kind() ValueKind { return v.kind }

// Float 取数值，类型不符时报错
func (v Value) Float() (float64, error) {
	if v.kind != NumberValue {
		return 0, fmt.Errorf("expected number, got boolean %t", v.flag)
	}
	return v.num, nil
}

// Truth 取布尔值，类型不符时报错
func (v Value) Truth() (bool, error) {
	if v.kind != BoolValue {
		return false, fmt.Errorf("expected boolean, got number %.2f", v.num)
	}
	return v.flag, nil
}

func (v Value) String() string {
	if v.kind == BoolValue {
		return fmt.Sprintf("%t", v.flag)
	}
	return fmt.Sprintf("%.2f", v.num)
}
