package ratelimit

import (
	"math"
	"testing"
	"time"

	"github.com/goupter/nerve/pkg/errors"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func drain(tb *TokenBucket) (n int) {
	for tb.Consume() {
		n++
	}
	return n
}

func TestNewTokenBucket_Validation(t *testing.T) {
	tests := []struct {
		name    string
		rate    float64
		burst   float64
		opts    []Option
		wantErr bool
	}{
		{"valid", 10, 5, nil, false},
		{"zero rate", 0, 1, nil, false},
		{"infinite rate", math.Inf(1), 1, nil, false},
		{"infinite burst", 3, math.Inf(1), nil, false},
		{"negative rate", -1, 5, nil, true},
		{"nan rate", math.NaN(), 5, nil, true},
		{"burst below one", 1, 0.5, nil, true},
		{"nan burst", 1, math.NaN(), nil, true},
		{"zero period", 1, 1, []Option{WithPeriod(0)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTokenBucket(tt.rate, tt.burst, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTokenBucket() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.IsCode(err, errors.CodeConfig) {
				t.Errorf("error code = %d, want CodeConfig", errors.GetCode(err))
			}
		})
	}
}

func TestTokenBucket_InitialTokens(t *testing.T) {
	tests := []struct {
		name  string
		rate  float64
		burst float64
		want  int
	}{
		{"one period of tokens", 1, 5, 1},
		{"capped at burst", 10, 5, 5},
		{"zero rate", 0, 3, 0},
		{"infinite burst", 3, math.Inf(1), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			tb, err := NewTokenBucket(tt.rate, tt.burst, WithClock(clock.Now))
			if err != nil {
				t.Fatal(err)
			}
			if n := drain(tb); n != tt.want {
				t.Errorf("initial consumes = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestTokenBucket_FreshBucketAfterWait(t *testing.T) {
	clock := newFakeClock()
	tb, err := NewTokenBucket(1, 5, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}

	// 初始 1 个令牌，等待 2s 再补充 2 个
	clock.Advance(2 * time.Second)
	if n := drain(tb); n != 3 {
		t.Errorf("consumes = %d, want 3", n)
	}

	clock.Advance(10 * time.Second)
	if n := drain(tb); n != 5 {
		t.Errorf("consumes after long wait = %d, want burst 5", n)
	}
}

func TestTokenBucket_RefillAfterWait(t *testing.T) {
	tests := []struct {
		name  string
		rate  float64
		burst float64
		wait  time.Duration
		want  int
	}{
		{"partial refill", 100, 500, 2500 * time.Millisecond, 250},
		{"capped at burst", 100, 500, 10 * time.Second, 500},
		{"fractional floor", 3, 10, 1500 * time.Millisecond, 4},
		{"less than one token", 1, 10, 500 * time.Millisecond, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			tb, err := NewTokenBucket(tt.rate, tt.burst, WithClock(clock.Now))
			if err != nil {
				t.Fatal(err)
			}
			drain(tb)

			clock.Advance(tt.wait)
			if got := drain(tb); got != tt.want {
				t.Errorf("consumes after %s = %d, want %d", tt.wait, got, tt.want)
			}
		})
	}
}

func TestTokenBucket_FailureKeepsBaseline(t *testing.T) {
	clock := newFakeClock()
	tb, _ := NewTokenBucket(1, 1, WithClock(clock.Now))
	drain(tb)

	// 三次各 0.4s 的失败尝试累计到 1.2s，应当获得一个令牌
	clock.Advance(400 * time.Millisecond)
	if tb.Consume() {
		t.Fatal("consume after 0.4s should fail")
	}
	clock.Advance(400 * time.Millisecond)
	if tb.Consume() {
		t.Fatal("consume after 0.8s should fail")
	}
	clock.Advance(400 * time.Millisecond)
	if !tb.Consume() {
		t.Fatal("consume after 1.2s should succeed")
	}
}

func TestTokenBucket_ZeroRate(t *testing.T) {
	clock := newFakeClock()
	tb, _ := NewTokenBucket(0, 3, WithClock(clock.Now))

	if n := drain(tb); n != 0 {
		t.Errorf("consumes = %d, want 0", n)
	}
	clock.Advance(time.Hour)
	if tb.Consume() {
		t.Error("zero rate bucket should never refill")
	}
}

func TestTokenBucket_InfiniteRate(t *testing.T) {
	tb, _ := NewTokenBucket(math.Inf(1), 1)
	for i := 0; i < 1000; i++ {
		if !tb.Consume() {
			t.Fatalf("consume %d failed with infinite rate", i)
		}
	}
}

func TestTokenBucket_Period(t *testing.T) {
	clock := newFakeClock()
	tb, _ := NewTokenBucket(6, 6, WithPeriod(time.Minute), WithClock(clock.Now))
	drain(tb)

	clock.Advance(30 * time.Second)
	if got := drain(tb); got != 3 {
		t.Errorf("consumes after half a period = %d, want 3", got)
	}
}

func TestTokenBucket_LongRunRate(t *testing.T) {
	const (
		rate    = 10.0
		periods = 250
		steps   = 1000 // 每周期尝试次数，远高于速率
	)
	clock := newFakeClock()
	tb, _ := NewTokenBucket(rate, 20, WithClock(clock.Now))
	drain(tb)

	successes := 0
	step := time.Second / steps
	for i := 0; i < periods*steps; i++ {
		clock.Advance(step)
		if tb.Consume() {
			successes++
		}
	}

	got := float64(successes) / periods
	if math.Abs(got-rate)/rate > 0.05 {
		t.Errorf("long run rate = %.3f per period, want %.1f within 5%%", got, rate)
	}
}
