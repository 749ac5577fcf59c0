package ratelimit

import (
	"math"
	"time"

	"github.com/goupter/nerve/pkg/errors"
)

// Option 令牌桶选项
type Option func(*TokenBucket)

// WithPeriod 设置速率的计量周期，默认1秒
func WithPeriod(period time.Duration) Option {
	return func(tb *TokenBucket) {
		tb.period = period
	}
}

// WithClock 注入时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(tb *TokenBucket) {
		if now != nil {
			tb.now = now
		}
	}
}

// TokenBucket 令牌桶
//
// 非并发安全：每个 Watcher 独占一个实例，只在自己的 goroutine 中调用。
type TokenBucket struct {
	averageRate float64 // 每个周期生成的令牌数，+Inf 表示不限流
	maxBurst    float64 // 桶容量
	period      time.Duration
	tokens      float64
	lastRefill  time.Time
	now         func() time.Time
}

// NewTokenBucket 创建令牌桶，初始令牌为 min(averageRate, maxBurst)
func NewTokenBucket(averageRate, maxBurst float64, opts ...Option) (*TokenBucket, error) {
	tb := &TokenBucket{
		averageRate: averageRate,
		maxBurst:    maxBurst,
		period:      time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(tb)
	}

	switch {
	case math.IsNaN(averageRate) || averageRate < 0:
		return nil, errors.Newf(errors.CodeConfig, "rate limit average_rate must be a non-negative number, got %v", averageRate)
	case math.IsNaN(maxBurst) || maxBurst < 1:
		return nil, errors.Newf(errors.CodeConfig, "rate limit max_burst must be >= 1, got %v", maxBurst)
	case tb.period <= 0:
		return nil, errors.Newf(errors.CodeConfig, "rate limit period must be positive, got %s", tb.period)
	}

	// 初始令牌为一个周期的产量，不超过桶容量
	tb.tokens = math.Min(averageRate, maxBurst)
	tb.lastRefill = tb.now()
	return tb, nil
}

// Consume 尝试取走一个令牌
func (tb *TokenBucket) Consume() bool {
	if math.IsInf(tb.averageRate, 1) {
		return true
	}

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	newTokens := tb.tokens + tb.averageRate*(float64(elapsed)/float64(tb.period))
	if newTokens > tb.maxBurst {
		newTokens = tb.maxBurst
	}

	// 失败时保留 lastRefill，未满一个令牌的时间不丢失
	if newTokens < 1 {
		return false
	}
	tb.tokens = newTokens - 1
	tb.lastRefill = now
	return true
}

// Tokens 当前令牌数（不含尚未结算的补充）
func (tb *TokenBucket) Tokens() float64 {
	return tb.tokens
}
