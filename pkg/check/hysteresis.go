package check

// Status 三态状态
type Status int8

const (
	StatusUnknown Status = iota
	StatusUp
	StatusDown
)

// StatusOf 布尔值转状态
func StatusOf(up bool) Status {
	if up {
		return StatusUp
	}
	return StatusDown
}

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}

// Known 是否已确定 up/down
func (s Status) Known() bool {
	return s != StatusUnknown
}

// Hysteresis rise/fall 滞回缓冲
//
// 缓冲长度为 max(rise, fall)。第一个样本填满缓冲并立即确定状态；
// 之后最近 fall 个样本全为 false 才转 down，最近 rise 个样本全为 true 才转 up。
// 非并发安全，只由所属检查的调用方使用。
type Hysteresis struct {
	rise   int
	fall   int
	buf    []bool
	next   int
	status Status
}

// NewHysteresis 创建滞回缓冲，rise/fall 小于1按1处理
func NewHysteresis(rise, fall int) *Hysteresis {
	if rise < 1 {
		rise = 1
	}
	if fall < 1 {
		fall = 1
	}
	size := rise
	if fall > size {
		size = fall
	}
	return &Hysteresis{
		rise: rise,
		fall: fall,
		buf:  make([]bool, size),
	}
}

// Observe 记录一个样本并返回新状态
func (h *Hysteresis) Observe(sample bool) Status {
	if h.status == StatusUnknown {
		for i := range h.buf {
			h.buf[i] = sample
		}
		h.status = StatusOf(sample)
	}

	h.buf[h.next] = sample
	h.next = (h.next + 1) % len(h.buf)

	if h.lastAll(h.fall, false) {
		h.status = StatusDown
	}
	if h.lastAll(h.rise, true) {
		h.status = StatusUp
	}
	return h.status
}

// lastAll 最近 n 个样本是否都等于 want
func (h *Hysteresis) lastAll(n int, want bool) bool {
	size := len(h.buf)
	for i := 1; i <= n; i++ {
		if h.buf[(h.next-i+size)%size] != want {
			return false
		}
	}
	return true
}

// Status 当前状态
func (h *Hysteresis) Status() Status {
	return h.status
}
