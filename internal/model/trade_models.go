package model

import (
	"errors"
	"fmt"
	"time"
)

// Side 定义了订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) String() string {
	return string(s)
}

// OrderType 定义了订单类型
type OrderType string

const (
	OrderMarket OrderType = "market" // 市价单
	OrderLimit  OrderType = "limit"  // 限价单
)

// OrderData 终端节点 (buy/sell) 上配置的下单参数，编译后不可变
type OrderData struct {
	Side       Side
	Type       OrderType
	LimitPrice float64 // 仅限价单使用
	// Amount 买入时为 KRW 金额，卖出时为持仓百分比 (0-100)
	Amount float64
}

func (o OrderData) String() string {
	if o.Type == OrderLimit {
		return fmt.Sprintf("%s %s @ %.2f amount=%.2f", o.Side, o.Type, o.LimitPrice, o.Amount)
	}
	return fmt.Sprintf("%s %s amount=%.2f", o.Side, o.Type, o.Amount)
}

// OrderResult 是下单接收端的统一返回结构 {success, data|error}
type OrderResult struct {
	Success bool
	Data    any
	Error   string
}

// Failed 构造一个失败结果
func Failed(err error) OrderResult {
	return OrderResult{Success: false, Error: err.Error()}
}

// TradeRecord 记录一次模拟成交
type TradeRecord struct {
	Time   time.Time
	Symbol string
	Side   Side
	Price  float64
	Volume float64
	Fee    float64
}

var (
	// ErrDataNotReady 异步预热尚未完成时读取数据
	ErrDataNotReady = errors.New("data not ready")

	// ErrRequestTimeout 跨隔离边界的请求超时
	ErrRequestTimeout = errors.New("request timed out")

	// ErrIsolationBoundary 隔离执行上下文发生故障 (超时、panic)
	ErrIsolationBoundary = errors.New("isolation boundary failure")
)

// DataNotReadyError 携带未就绪数据的描述
type DataNotReadyError struct {
	What string
}

func (e *DataNotReadyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDataNotReady.Error(), e.What)
}

func (e *DataNotReadyError) Unwrap() error { return ErrDataNotReady }
