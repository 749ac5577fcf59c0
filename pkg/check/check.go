package check

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/log"
)

const (
	DefaultTimeout = 100 * time.Millisecond
	DefaultRise    = 1
	DefaultFall    = 1
)

// HealthCheck 健康检查，Up 永远不会返回错误或 panic
type HealthCheck interface {
	Name() string
	Up(ctx context.Context) bool
}

// Probe 一次原始探测，返回 nil 表示通过
type Probe interface {
	Probe(ctx context.Context) error
}

// ProbeFunc 函数形式的 Probe
type ProbeFunc func(ctx context.Context) error

// Probe 实现 Probe 接口
func (f ProbeFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// Spec 检查配置
type Spec struct {
	Type    string                 `mapstructure:"type" json:"type"`
	Name    string                 `mapstructure:"name" json:"name,omitempty"`
	Host    string                 `mapstructure:"host" json:"host,omitempty"`
	Port    int                    `mapstructure:"port" json:"port,omitempty"`
	Timeout time.Duration          `mapstructure:"timeout" json:"timeout,omitempty"`
	Rise    int                    `mapstructure:"rise" json:"rise,omitempty"`
	Fall    int                    `mapstructure:"fall" json:"fall,omitempty"`
	Params  map[string]interface{} `mapstructure:",remain" json:"params,omitempty"`
}

// WithDefaults 用服务的名字、地址补全检查配置
func (s Spec) WithDefaults(service, host string, port int) Spec {
	if s.Name == "" {
		s.Name = fmt.Sprintf("%s %s-%s:%d", service, s.Type, host, port)
	}
	if s.Host == "" {
		s.Host = host
	}
	if s.Port == 0 {
		s.Port = port
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.Rise < 1 {
		s.Rise = DefaultRise
	}
	if s.Fall < 1 {
		s.Fall = DefaultFall
	}
	return s
}

// Address host:port
func (s Spec) Address() string {
	return joinHostPort(s.Host, s.Port)
}

// Check 带超时和 rise/fall 滞回的健康检查
type Check struct {
	spec   Spec
	probe  Probe
	hyst   *Hysteresis
	logger log.Logger
}

// Option 检查选项
type Option func(*Check)

// WithLogger 设置日志
func WithLogger(logger log.Logger) Option {
	return func(c *Check) {
		c.logger = logger
	}
}

// New 用探测器创建检查
func New(spec Spec, probe Probe, opts ...Option) *Check {
	c := &Check{
		spec:  spec,
		probe: probe,
		hyst:  NewHysteresis(spec.Rise, spec.Fall),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Nop()
	}
	c.logger = c.logger.With(log.Check(spec.Name))
	return c
}

// Name 检查名
func (c *Check) Name() string {
	return c.spec.Name
}

// Spec 检查配置
func (c *Check) Spec() Spec {
	return c.spec
}

// Status 当前滞回状态
func (c *Check) Status() Status {
	return c.hyst.Status()
}

// Up 执行一次探测并返回滞回后的状态
func (c *Check) Up(ctx context.Context) bool {
	sample := c.sample(ctx)
	before := c.hyst.Status()
	after := c.hyst.Observe(sample)
	if before != after {
		c.logger.Info("check status changed",
			log.String("from", before.String()),
			log.String("to", after.String()),
		)
	}
	return after == StatusUp
}

type probeResult struct {
	err error
}

// sample 运行探测，超时、错误、panic 都视为失败
func (c *Check) sample(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.spec.Timeout)
	defer cancel()

	done := make(chan probeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- probeResult{err: errors.Newf(errors.CodeProbe, "probe panic: %v", r)}
			}
		}()
		done <- probeResult{err: c.probe.Probe(ctx)}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			c.logger.Debug("probe failed", log.Error(res.err))
			return false
		}
		return true
	case <-ctx.Done():
		c.logger.Debug("probe timed out", log.Duration("timeout", c.spec.Timeout))
		return false
	}
}

// Close 释放探测器持有的连接
func (c *Check) Close() error {
	if closer, ok := c.probe.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
