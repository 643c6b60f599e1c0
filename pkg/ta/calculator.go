package ta

import (
	"math"

	"github.com/markcheno/go-talib"
)

const (
	// RSIPeriod 相对强弱指数默认周期
	RSIPeriod = 14

	// MaxHistory 计算指标可用的最大历史长度 (与行情管理器保留的 K 线数量一致)
	MaxHistory = 200
)

// RSI 计算收盘价序列最新的 RSI 值。
// 数据不足 period+1 根时返回 NaN (数据不足)，调用方需要自行判断。
func RSI(closes []float64, period int) float64 {
	if period < 2 || len(closes) < period+1 {
		return math.NaN()
	}
	out := talib.Rsi(closes, period)
	return out[len(out)-1]
}

// SMA 计算最近 period 根收盘价的简单移动平均，数据不足时返回 NaN
func SMA(closes []float64, period int) float64 {
	if period < 1 || len(closes) < period {
		return math.NaN()
	}
	if period == 1 {
		return closes[len(closes)-1]
	}
	out := talib.Sma(closes, period)
	return out[len(out)-1]
}

// Highest 返回序列中的最大值，空序列返回 NaN
func Highest(values []float64) float64 {
	switch len(values) {
	case 0:
		return math.NaN()
	case 1:
		return values[0]
	}
	out := talib.Max(values, len(values))
	return out[len(out)-1]
}
