package reporter

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/goupter/nerve/pkg/errors"
)

// RetryPolicy 统一的重试策略，只重试可恢复错误
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Backoff  float64
}

// DefaultRetryPolicy 默认重试策略
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: 100 * time.Millisecond, Backoff: 2}

// NoRetry 只执行一次
var NoRetry = RetryPolicy{Attempts: 1}

// Do 执行 fn，可恢复错误时按退避间隔重试，返回最后一次的错误
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay

	var limiter *rate.Limiter
	if delay > 0 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	}

	var err error
	for i := 0; i < attempts; i++ {
		if limiter != nil {
			if werr := limiter.Wait(ctx); werr != nil {
				if err == nil {
					err = errors.Transient(werr, "retry wait")
				}
				return err
			}
		}

		err = fn(ctx)
		if err == nil || !errors.IsTransient(err) {
			return err
		}

		if limiter != nil && p.Backoff > 1 {
			delay = time.Duration(float64(delay) * p.Backoff)
			limiter.SetLimit(rate.Every(delay))
		}
	}
	return err
}
