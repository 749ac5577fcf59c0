package log

import (
	"context"
	"sync"
	"time"
)

// WindowSampler 在时间窗口内限制同一条消息的输出次数
// 健康检查每个周期都可能失败，避免同一错误刷屏
type WindowSampler struct {
	mu       sync.Mutex
	window   time.Duration
	maxCount int
	now      func() time.Time
	counts   map[string]*windowCount
}

type windowCount struct {
	count     int
	resetTime time.Time
}

// NewWindowSampler 创建窗口采样器
func NewWindowSampler(window time.Duration, maxCount int) *WindowSampler {
	if maxCount <= 0 {
		maxCount = 1
	}
	return &WindowSampler{
		window:   window,
		maxCount: maxCount,
		now:      time.Now,
		counts:   make(map[string]*windowCount),
	}
}

// Sample 返回该消息本次是否应输出
func (s *WindowSampler) Sample(level Level, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := level.String() + ":" + msg

	wc, ok := s.counts[key]
	if !ok || now.After(wc.resetTime) {
		s.prune(now)
		s.counts[key] = &windowCount{count: 1, resetTime: now.Add(s.window)}
		return true
	}
	if wc.count < s.maxCount {
		wc.count++
		return true
	}
	return false
}

func (s *WindowSampler) prune(now time.Time) {
	for key, wc := range s.counts {
		if now.After(wc.resetTime) {
			delete(s.counts, key)
		}
	}
}

// SampledLogger 对 Debug/Info/Warn 采样，Error 以上总是输出
type SampledLogger struct {
	logger  Logger
	sampler *WindowSampler
}

// NewSampledLogger 创建采样日志
func NewSampledLogger(logger Logger, sampler *WindowSampler) *SampledLogger {
	return &SampledLogger{logger: logger, sampler: sampler}
}

func (l *SampledLogger) Debug(msg string, fields ...Field) {
	if l.sampler.Sample(DebugLevel, msg) {
		l.logger.Debug(msg, fields...)
	}
}

func (l *SampledLogger) Info(msg string, fields ...Field) {
	if l.sampler.Sample(InfoLevel, msg) {
		l.logger.Info(msg, fields...)
	}
}

func (l *SampledLogger) Warn(msg string, fields ...Field) {
	if l.sampler.Sample(WarnLevel, msg) {
		l.logger.Warn(msg, fields...)
	}
}

func (l *SampledLogger) Error(msg string, fields ...Field) {
	l.logger.Error(msg, fields...)
}

func (l *SampledLogger) Fatal(msg string, fields ...Field) {
	l.logger.Fatal(msg, fields...)
}

func (l *SampledLogger) With(fields ...Field) Logger {
	return &SampledLogger{logger: l.logger.With(fields...), sampler: l.sampler}
}

func (l *SampledLogger) WithContext(ctx context.Context) Logger {
	return &SampledLogger{logger: l.logger.WithContext(ctx), sampler: l.sampler}
}

func (l *SampledLogger) SetLevel(level Level) {
	l.logger.SetLevel(level)
}

func (l *SampledLogger) GetLevel() Level {
	return l.logger.GetLevel()
}

func (l *SampledLogger) Sync() error {
	return l.logger.Sync()
}
