package data

import "trade-builder/internal/model"

// history 是固定容量的 K 线环形缓冲区，按时间从旧到新排列。
// 时间戳、收盘价、最高价、成交量分别存放在平行数组中。
type history struct {
	ts     []int64
	close  []float64
	high   []float64
	volume []float64
	cap    int
	len    int
	start  int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 1
	}
	return &history{
		ts:     make([]int64, capacity),
		close:  make([]float64, capacity),
		high:   make([]float64, capacity),
		volume: make([]float64, capacity),
		cap:    capacity,
	}
}

// push 追加一根 K 线；与最后一根时间戳相同则覆盖 (未完成 K 线的更新)
func (h *history) push(c model.Candle) {
	if h.len > 0 {
		last := (h.start + h.len - 1) % h.cap
		if h.ts[last] == c.Timestamp {
			h.set(last, c)
			return
		}
		if c.Timestamp < h.ts[last] {
			return
		}
	}

	var idx int
	if h.len < h.cap {
		idx = (h.start + h.len) % h.cap
		h.len++
	} else {
		idx = h.start
		h.start = (h.start + 1) % h.cap
	}
	h.set(idx, c)
}

func (h *history) set(idx int, c model.Candle) {
	h.ts[idx] = c.Timestamp
	h.close[idx] = c.Price
	h.high[idx] = c.High
	h.volume[idx] = c.Volume
}

// lastClose 返回最新收盘价
func (h *history) lastClose() (float64, bool) {
	if h.len == 0 {
		return 0, false
	}
	return h.close[(h.start+h.len-1)%h.cap], true
}

// tail 复制最近 n 个元素 (旧 → 新)，n <= 0 或超过长度时返回全部
func tail[T any](h *history, src []T, n int) []T {
	if n <= 0 || n > h.len {
		n = h.len
	}
	out := make([]T, n)
	first := h.start + h.len - n
	for i := 0; i < n; i++ {
		out[i] = src[(first+i)%h.cap]
	}
	return out
}

func (h *history) closes(n int) []float64  { return tail(h, h.close, n) }
func (h *history) highs(n int) []float64   { return tail(h, h.high, n) }
func (h *history) volumes(n int) []float64 { return tail(h, h.volume, n) }
func (h *history) times(n int) []int64     { return tail(h, h.ts, n) }
