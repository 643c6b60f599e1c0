package ast

import (
	"trade-builder/internal/model"
	"trade-builder/pkg/ta"
)

// Const 返回固定配置的数值
type Const struct {
	Value float64
}

func (n *Const) Kind() Kind                                  { return KindConst }
func (n *Const) Evaluate() (Value, error)                    { return n.eval(nil) }
func (n *Const) EvaluateDetailed(log LogFunc) (Value, error) { return n.eval(log) }

func (n *Const) eval(log LogFunc) (Value, error) {
	emit(log, "[const] %.2f", n.Value)
	return Number(n.Value), nil
}

// CurrentPrice 读取最新价，没有任何数据时为 NaN
type CurrentPrice struct {
	Market Market
}

func (n *CurrentPrice) Kind() Kind                                  { return KindCurrentPrice }
func (n *CurrentPrice) Evaluate() (Value, error)                    { return n.eval(nil) }
func (n *CurrentPrice) EvaluateDetailed(log LogFunc) (Value, error) { return n.eval(log) }

func (n *CurrentPrice) eval(log LogFunc) (Value, error) {
	p := n.Market.LatestPrice()
	emit(log, "[currentPrice] %.2f", p)
	return Number(p), nil
}

// HighestPrice 读取预热缓存的区间最高价，未就绪时返回 DataNotReadyError
type HighestPrice struct {
	Market Market
	Unit   model.PeriodUnit
	Length int
}

func (n *HighestPrice) Kind() Kind                                  { return KindHighestPrice }
func (n *HighestPrice) Evaluate() (Value, error)                    { return n.eval(nil) }
func (n *HighestPrice) EvaluateDetailed(log LogFunc) (Value, error) { return n.eval(log) }

func (n *HighestPrice) eval(log LogFunc) (Value, error) {
	p, err := n.Market.HighestPrice(n.Unit, n.Length)
	if err != nil {
		emit(log, "[highestPrice %d %s] not ready", n.Length, n.Unit)
		return Value{}, err
	}
	emit(log, "[highestPrice %d %s] %.2f", n.Length, n.Unit, p)
	return Number(p), nil
}

// RSI 对收盘价历史计算 14 周期 RSI，数据不足 15 根时为 NaN
type RSI struct {
	Market Market
	Period int
}

func (n *RSI) Kind() Kind                                  { return KindRSI }
func (n *RSI) Evaluate() (Value, error)                    { return n.eval(nil) }
func (n *RSI) EvaluateDetailed(log LogFunc) (Value, error) { return n.eval(log) }

func (n *RSI) eval(log LogFunc) (Value, error) {
	v := ta.RSI(n.Market.Closes(0), n.Period)
	emit(log, "[rsi %d] %.2f", n.Period, v)
	return Number(v), nil
}

// SMA 对最近 Period 根收盘价求简单移动平均，数据不足时为 NaN
type SMA struct {
	Market Market
	Period int
}

func (n *SMA) Kind() Kind                                  { return KindSMA }
func (n *SMA) Evaluate() (Value, error)                    { return n.eval(nil) }
func (n *SMA) EvaluateDetailed(log LogFunc) (Value, error) { return n.eval(log) }

func (n *SMA) eval(log LogFunc) (Value, error) {
	v := ta.SMA(n.Market.Closes(n.Period), n.Period)
	emit(log, "[sma %d] %.2f", n.Period, v)
	return Number(v), nil
}

// ROI 是占位实现：没有接入持仓核算，恒为 0，不代表真实收益率
type ROI struct{}

// ROIPlaceholder 是 ROI 节点的固定取值
const ROIPlaceholder = 0.0

func (n *ROI) Kind() Kind                                  { return KindROI }
func (n *ROI) Evaluate() (Value, error)                    { return n.eval(nil) }
func (n *ROI) EvaluateDetailed(log LogFunc) (Value, error) { return n.eval(log) }

func (n *ROI) eval(log LogFunc) (Value, error) {
	emit(log, "[roi] %.2f (placeholder, no portfolio accounting)", ROIPlaceholder)
	return Number(ROIPlaceholder), nil
}
