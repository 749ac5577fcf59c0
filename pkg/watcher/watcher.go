package watcher

import (
	"context"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goupter/nerve/pkg/check"
	"github.com/goupter/nerve/pkg/config"
	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/log"
	"github.com/goupter/nerve/pkg/metrics"
	"github.com/goupter/nerve/pkg/ratelimit"
	"github.com/goupter/nerve/pkg/reporter"
)

const (
	DefaultCheckInterval = 500 * time.Millisecond
	DefaultMaxFailures   = 10
	DefaultStopTimeout   = 10 * time.Second
)

// Outcome 一次检查上报周期的结果
type Outcome int8

const (
	// OutcomeFailed 上报失败或注册中心不可达，计入连续失败
	OutcomeFailed Outcome = iota
	// OutcomeOK 状态未变或上报成功
	OutcomeOK
	// OutcomeThrottled 被限流，不计入连续失败
	OutcomeThrottled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeThrottled:
		return "throttled"
	default:
		return "failed"
	}
}

// State 生命周期状态
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Watcher 单个服务的检查上报循环
//
// 每个周期依次执行 Ping、检查、限流、上报，同一服务的周期严格串行。
// 限流器和检查的滞回缓冲只在自己的 goroutine 中使用。
type Watcher struct {
	spec        config.ServiceSpec
	reporter    reporter.Reporter
	checks      []check.HealthCheck
	limiter     *ratelimit.TokenBucket
	interval    time.Duration
	maxFailures int
	stopTimeout time.Duration

	checkRegistry    *check.Registry
	reporterRegistry *reporter.Registry
	deps             reporter.Deps
	now              func() time.Time

	logger  log.Logger
	sampled log.Logger
	metrics *metrics.ServiceMetrics
	id      uint64

	status atomic.Int32
	state  atomic.Int32

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// Option Watcher 选项
type Option func(*Watcher)

// WithReporter 使用指定的 Reporter，不再按 reporter_type 构造
func WithReporter(r reporter.Reporter) Option {
	return func(w *Watcher) {
		w.reporter = r
	}
}

// WithChecks 使用指定的检查，不再按 checks 配置构造
func WithChecks(checks ...check.HealthCheck) Option {
	return func(w *Watcher) {
		w.checks = checks
	}
}

// WithCheckRegistry 设置检查类型注册表
func WithCheckRegistry(r *check.Registry) Option {
	return func(w *Watcher) {
		w.checkRegistry = r
	}
}

// WithReporterRegistry 设置上报后端注册表
func WithReporterRegistry(r *reporter.Registry) Option {
	return func(w *Watcher) {
		w.reporterRegistry = r
	}
}

// WithReporterDeps 设置 Reporter 的共享依赖（连接池、重试策略）
func WithReporterDeps(deps reporter.Deps) Option {
	return func(w *Watcher) {
		w.deps = deps
	}
}

// WithLogger 设置日志
func WithLogger(logger log.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.ServiceMetrics) Option {
	return func(w *Watcher) {
		w.metrics = m
	}
}

// WithStopTimeout 设置 Stop 等待后台任务退出的时长
func WithStopTimeout(d time.Duration) Option {
	return func(w *Watcher) {
		w.stopTimeout = d
	}
}

// WithClock 注入限流器使用的时钟
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		w.now = now
	}
}

// New 创建 Watcher，配置错误在这里返回
func New(spec config.ServiceSpec, opts ...Option) (*Watcher, error) {
	switch {
	case spec.Name == "":
		return nil, errors.New(errors.CodeConfig, "watcher: missing service name")
	case spec.InstanceID == "":
		return nil, errors.Newf(errors.CodeConfig, "watcher %s: missing instance_id", spec.Name)
	case spec.Host == "":
		return nil, errors.Newf(errors.CodeConfig, "watcher %s: missing host", spec.Name)
	case spec.Port <= 0:
		return nil, errors.Newf(errors.CodeConfig, "watcher %s: missing port", spec.Name)
	}

	w := &Watcher{
		spec:        spec.Clone(),
		interval:    spec.CheckInterval,
		maxFailures: spec.MaxRepeatedReportFailures,
		stopTimeout: DefaultStopTimeout,
		now:         time.Now,
		done:        make(chan struct{}),
		id:          watcherSeq.Add(1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.interval <= 0 {
		w.interval = DefaultCheckInterval
	}
	if w.maxFailures < 1 {
		w.maxFailures = DefaultMaxFailures
	}
	if w.stopTimeout <= 0 {
		w.stopTimeout = DefaultStopTimeout
	}
	if w.logger == nil {
		w.logger = log.Named("watcher")
	}
	w.logger = w.logger.With(log.Service(spec.Name), log.InstanceID(spec.InstanceID))
	w.sampled = log.NewSampledLogger(w.logger, log.NewWindowSampler(time.Minute, 3))
	w.status.Store(int32(check.StatusUnknown))

	if err := w.buildReporter(); err != nil {
		return nil, err
	}
	if err := w.buildChecks(); err != nil {
		return nil, err
	}
	if err := w.buildLimiter(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Watcher) buildReporter() error {
	if w.reporter != nil {
		return nil
	}
	if w.reporterRegistry == nil {
		w.reporterRegistry = reporter.NewRegistry()
	}
	if w.deps.Logger == nil {
		w.deps.Logger = w.logger
	}
	r, err := w.reporterRegistry.Build(w.spec.ReporterSpec(), w.deps)
	if err != nil {
		return err
	}
	w.reporter = r
	return nil
}

// buildChecks 每个检查的 host/port/name 默认取服务的配置
func (w *Watcher) buildChecks() error {
	if w.checks != nil {
		return nil
	}
	if w.checkRegistry == nil {
		w.checkRegistry = check.NewRegistry()
	}
	for _, spec := range w.spec.Checks {
		c, err := w.checkRegistry.Build(
			spec.WithDefaults(w.spec.Name, w.spec.Host, w.spec.Port),
			check.WithLogger(w.logger),
		)
		if err != nil {
			w.closeChecks()
			return err
		}
		w.checks = append(w.checks, c)
	}
	return nil
}

// buildLimiter 只有显式开启时才限流
func (w *Watcher) buildLimiter() error {
	rl := w.spec.RateLimit
	if rl == nil || !rl.Enabled {
		return nil
	}
	limiter, err := ratelimit.NewTokenBucket(rl.AverageRate, rl.MaxBurst, ratelimit.WithClock(w.now))
	if err != nil {
		w.closeChecks()
		return errors.Wrapf(err, errors.CodeConfig, "watcher %s: invalid rate_limit", w.spec.Name)
	}
	w.limiter = limiter
	return nil
}

// Name 服务名
func (w *Watcher) Name() string {
	return w.spec.Name
}

// Spec 构造时的服务配置副本
func (w *Watcher) Spec() config.ServiceSpec {
	return w.spec.Clone()
}

// Reporter 使用的上报后端
func (w *Watcher) Reporter() reporter.Reporter {
	return w.reporter
}

// Status 最近一次上报的状态
func (w *Watcher) Status() check.Status {
	return check.Status(w.status.Load())
}

// State 生命周期状态
func (w *Watcher) State() State {
	return State(w.state.Load())
}

var watcherSeq atomic.Uint64

func (w *Watcher) setStatus(s check.Status) {
	w.status.Store(int32(s))
	w.metrics.SetStatusBy(w.id, s)
}

// Start 启动后台任务，重复调用只记录错误
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		w.logger.Error("watcher already started, ignoring second start")
		return
	}
	if w.closed {
		w.logger.Error("watcher already closed, ignoring start")
		return
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	w.state.Store(int32(StateStarting))
	go w.run(ctx)
}

// Stop 通知退出并等待后台任务，超时则放弃等待，返回是否干净退出
func (w *Watcher) Stop() bool {
	w.mu.Lock()
	started, cancel := w.started, w.cancel
	w.mu.Unlock()
	if !started {
		return true
	}

	select {
	case <-w.done:
		return true
	default:
	}

	w.state.Store(int32(StateStopping))
	cancel()

	timer := time.NewTimer(w.stopTimeout)
	defer timer.Stop()
	select {
	case <-w.done:
		w.logger.Info("watcher stopped")
		return true
	case <-timer.C:
		// goroutine 无法强制结束，ctx 已取消，它在阻塞调用返回后自行清理
		w.logger.Error("watcher did not stop in time, abandoning it",
			log.Duration("timeout", w.stopTimeout),
		)
		return false
	}
}

// Alive 后台任务是否仍在运行
func (w *Watcher) Alive() bool {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Done 后台任务退出时关闭
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Err 后台任务退出的原因，正常停止为 nil
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close 释放从未启动的 Watcher 持有的检查资源，已启动的由后台任务退出时释放
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.closed = true
	w.closeChecks()
}

func (w *Watcher) run(ctx context.Context) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.CodeInternal, "watcher panic: %v", r)
			w.logger.Error("watcher panicked",
				log.Any("panic", r),
				log.String("stack", string(debug.Stack())),
			)
		}
		w.cleanup(ctx)

		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		w.state.Store(int32(StateStopped))
		close(w.done)
	}()

	err = w.loop(ctx)
	switch {
	case err == nil:
	case errors.IsCode(err, errors.CodeExhausted):
		w.logger.Warn("watcher stopping itself", log.Error(err))
	default:
		w.logger.Error("watcher exited with error", log.Error(err))
	}
}

func (w *Watcher) loop(ctx context.Context) error {
	if err := w.reporter.Start(ctx); err != nil {
		return err
	}
	if ctx.Err() == nil {
		w.state.Store(int32(StateRunning))
	}
	w.logger.Info("watcher started",
		log.Endpoint(w.spec.Host, w.spec.Port),
		log.Duration("check_interval", w.interval),
	)

	failures := 0
	for ctx.Err() == nil {
		outcome, err := w.CheckAndReport(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}

		switch outcome {
		case OutcomeOK:
			failures = 0
		case OutcomeFailed:
			failures++
			w.metrics.IncReportFailures()
			if failures >= w.maxFailures {
				return errors.ErrExhausted.WithDetails(map[string]interface{}{
					"service":  w.spec.Name,
					"failures": failures,
				})
			}
		}

		w.sleep(ctx)
	}
	return nil
}

func (w *Watcher) sleep(ctx context.Context) {
	timer := time.NewTimer(w.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// cleanup 退出的每条路径都会停止 Reporter
func (w *Watcher) cleanup(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("reporter stop panicked", log.Any("panic", r))
		}
	}()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.stopTimeout)
	defer cancel()
	if err := w.reporter.Stop(stopCtx); err != nil {
		w.logger.Warn("reporter stop failed", log.Error(err))
	}
	w.closeChecks()
	// 更新时新 Watcher 可能已经写过状态，不能覆盖
	w.status.Store(int32(check.StatusUnknown))
	w.metrics.ClearStatus(w.id)
}

func (w *Watcher) closeChecks() {
	for _, c := range w.checks {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				w.logger.Debug("close check failed", log.Check(c.Name()), log.Error(err))
			}
		}
	}
}

// CheckAndReport 执行一个周期
//
// 注册中心不可达时跳过检查，状态置为未知。状态不变时不上报。
// 状态变化但被限流时状态置为未知，下个周期重新判断。
// 上报失败时保留原状态，下个周期重试。返回 error 表示协议级错误。
func (w *Watcher) CheckAndReport(ctx context.Context) (Outcome, error) {
	w.metrics.IncChecks()

	alive, err := w.reporter.Ping(ctx)
	if err != nil {
		w.setStatus(check.StatusUnknown)
		return OutcomeFailed, err
	}
	if !alive {
		w.setStatus(check.StatusUnknown)
		w.sampled.Warn("registry unreachable, skipping checks")
		return OutcomeFailed, nil
	}

	up := w.check(ctx)
	want := check.StatusOf(up)
	if want == w.Status() {
		return OutcomeOK, nil
	}

	if w.limiter != nil && !w.limiter.Consume() {
		w.setStatus(check.StatusUnknown)
		w.metrics.IncThrottled()
		w.sampled.Info("report throttled", log.String("status", want.String()))
		return OutcomeThrottled, nil
	}

	var ok bool
	if up {
		ok, err = w.reporter.ReportUp(ctx)
	} else {
		ok, err = w.reporter.ReportDown(ctx)
	}
	if err != nil {
		return OutcomeFailed, err
	}
	if !ok {
		w.sampled.Warn("report failed", log.String("status", want.String()))
		return OutcomeFailed, nil
	}

	if up {
		w.metrics.IncReportsUp()
	} else {
		w.metrics.IncReportsDown()
	}
	w.logger.Info("reported service status",
		log.String("from", w.Status().String()),
		log.String("to", want.String()),
	)
	w.setStatus(want)
	return OutcomeOK, nil
}

// check 所有检查取与，第一个失败的检查短路
func (w *Watcher) check(ctx context.Context) bool {
	for _, c := range w.checks {
		if !c.Up(ctx) {
			return false
		}
	}
	return true
}
