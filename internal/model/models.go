package model

import (
	"fmt"
	"strings"
	"time"
)

// Candle 代表一根已完成的 K 线 (只保留逻辑计算需要的字段)
type Candle struct {
	Timestamp int64   // 毫秒时间戳 (K 线起始时间)
	Price     float64 // 收盘价
	High      float64 // 最高价
	Volume    float64 // 成交量
}

// PeriodUnit 最高价查询使用的周期单位
type PeriodUnit string

const (
	UnitMinute PeriodUnit = "minute"
	UnitDay    PeriodUnit = "day"
	UnitWeek   PeriodUnit = "week"
	UnitMonth  PeriodUnit = "month"
)

// ParsePeriodUnit 解析编辑器传来的周期单位，兼容复数和简写
func ParsePeriodUnit(s string) (PeriodUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "min", "minute", "minutes":
		return UnitMinute, nil
	case "", "d", "day", "days":
		return UnitDay, nil
	case "w", "week", "weeks":
		return UnitWeek, nil
	case "mo", "month", "months":
		return UnitMonth, nil
	default:
		return "", fmt.Errorf("unsupported period unit: %s", s)
	}
}

// LogEntry 是写入日志接收端的一条记录
type LogEntry struct {
	LogicID string    `json:"logicId"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

func (e LogEntry) String() string {
	return fmt.Sprintf("[%s] %s | %s: %s", e.Time.Format(time.RFC3339), e.LogicID, e.Title, e.Message)
}

// Ticker 是行情推送中的一条最新成交价
type Ticker struct {
	Symbol    string
	Price     float64
	Volume    float64
	Timestamp int64 // 毫秒
}
