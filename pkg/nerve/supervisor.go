package nerve

import (
	"context"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goupter/nerve/pkg/check"
	"github.com/goupter/nerve/pkg/config"
	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/log"
	"github.com/goupter/nerve/pkg/metrics"
	"github.com/goupter/nerve/pkg/watcher"
)

const (
	DefaultTick           = 10 * time.Second
	DefaultOverlapTimeout = 30 * time.Second

	// oldSuffix 配置更新期间旧 Watcher 的临时名字后缀，服务名不允许使用
	oldSuffix = config.ReservedSuffix
)

// Runner Supervisor 管理的后台任务，*watcher.Watcher 实现了它
type Runner interface {
	Start(ctx context.Context)
	Stop() bool
	Alive() bool
	Status() check.Status
	Err() error
}

// BuildFunc 由合并后的服务配置构造 Runner
type BuildFunc func(spec config.ServiceSpec) (Runner, error)

type handle struct {
	name    string
	spec    config.ServiceSpec
	version string
	runner  Runner
	started time.Time
}

// WatcherInfo Watcher 状态快照
type WatcherInfo struct {
	Name     string    `json:"name"`
	Reporter string    `json:"reporter"`
	Alive    bool      `json:"alive"`
	Status   string    `json:"status"`
	Version  string    `json:"version"`
	Started  time.Time `json:"started"`
	Error    string    `json:"error,omitempty"`
}

// Supervisor 维护期望配置与运行中 Watcher 的一致
//
// watchers 只在 Run 所在的 goroutine 中修改，锁只用于状态查询。
type Supervisor struct {
	source         config.Source
	build          BuildFunc
	validate       func(*config.Config) error
	logger         log.Logger
	metrics        *metrics.Registry
	watcherOpts    []watcher.Option
	tick           time.Duration
	overlapTimeout time.Duration
	stopTimeout    time.Duration
	pollInterval   time.Duration
	heartbeatPath  string
	heartbeatSet   bool

	reload chan struct{}

	mu            sync.RWMutex
	watchers      map[string]*handle
	desired       map[string]config.ServiceSpec
	loaded        bool
	lastHeartbeat time.Time
}

// Option Supervisor 选项
type Option func(*Supervisor)

// WithBuilder 替换 Watcher 的构造方式
func WithBuilder(build BuildFunc) Option {
	return func(s *Supervisor) {
		s.build = build
	}
}

// WithValidator 替换重载配置时的校验，默认 config.Validate
func WithValidator(validate func(*config.Config) error) Option {
	return func(s *Supervisor) {
		s.validate = validate
	}
}

// WithLogger 设置日志
func WithLogger(logger log.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithMetrics 设置指标注册表
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithWatcherOptions 默认构造方式额外使用的 Watcher 选项
func WithWatcherOptions(opts ...watcher.Option) Option {
	return func(s *Supervisor) {
		s.watcherOpts = append(s.watcherOpts, opts...)
	}
}

// WithTick 主循环间隔
func WithTick(d time.Duration) Option {
	return func(s *Supervisor) {
		s.tick = d
	}
}

// WithOverlapTimeout 配置更新时等待新 Watcher 确定状态的最长时间
func WithOverlapTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.overlapTimeout = d
	}
}

// WithStopTimeout Watcher 停止的等待时间
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.stopTimeout = d
	}
}

// WithHeartbeatPath 心跳文件，覆盖配置中的 heartbeat_path
func WithHeartbeatPath(path string) Option {
	return func(s *Supervisor) {
		s.heartbeatPath = path
		s.heartbeatSet = true
	}
}

// New 创建 Supervisor，未设置的时间参数取配置源中 nerve 段的值
func New(source config.Source, opts ...Option) *Supervisor {
	s := &Supervisor{
		source:       source,
		validate:     func(cfg *config.Config) error { return config.Validate(cfg) },
		pollInterval: 50 * time.Millisecond,
		reload:       make(chan struct{}, 1),
		watchers:     make(map[string]*handle),
		desired:      make(map[string]config.ServiceSpec),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg := source.Config(); cfg != nil {
		if s.tick <= 0 {
			s.tick = cfg.Nerve.Tick
		}
		if s.overlapTimeout <= 0 {
			s.overlapTimeout = cfg.Nerve.OverlapTimeout
		}
		if s.stopTimeout <= 0 {
			s.stopTimeout = cfg.Nerve.StopTimeout
		}
		if !s.heartbeatSet {
			s.heartbeatPath = cfg.HeartbeatPath
		}
	}
	if s.tick <= 0 {
		s.tick = DefaultTick
	}
	if s.overlapTimeout <= 0 {
		s.overlapTimeout = DefaultOverlapTimeout
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = watcher.DefaultStopTimeout
	}
	if s.logger == nil {
		s.logger = log.Named("nerve")
	}
	if s.build == nil {
		s.build = s.buildWatcher
	}
	return s
}

func (s *Supervisor) buildWatcher(spec config.ServiceSpec) (Runner, error) {
	opts := append([]watcher.Option{
		watcher.WithLogger(s.logger),
		watcher.WithMetrics(s.metrics.Service(spec.Name)),
		watcher.WithStopTimeout(s.stopTimeout),
	}, s.watcherOpts...)
	w, err := watcher.New(spec, opts...)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// RequestReload 标记配置已变化，主循环会提前醒来
func (s *Supervisor) RequestReload() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// Run 运行主循环直到 ctx 取消，退出前停止全部 Watcher
func (s *Supervisor) Run(ctx context.Context) (err error) {
	s.logger.Info("nerve starting", log.Duration("tick", s.tick))
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.CodeInternal, "supervisor panic: %v", r)
			s.logger.Error("supervisor panicked",
				log.Any("panic", r),
				log.String("stack", string(debug.Stack())),
			)
		}
		s.reapAll()
		s.logger.Info("nerve exited")
	}()

	reload := true
	for {
		s.Step(ctx, reload)
		reload = false

		timer := time.NewTimer(s.tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.reload:
			timer.Stop()
			reload = true
		case <-timer.C:
		}
	}
}

// Step 执行一轮：按需重载并调和，巡检存活，写心跳
func (s *Supervisor) Step(ctx context.Context, reload bool) {
	if ctx.Err() != nil {
		return
	}
	if reload {
		s.reconcile(ctx)
	}
	s.sweep(ctx)
	s.heartbeat()
}

func (s *Supervisor) load() (map[string]config.ServiceSpec, bool) {
	if err := s.source.Reload(); err != nil {
		s.logger.Error("reload config failed, keeping current services", log.Error(err))
		return nil, false
	}
	cfg := s.source.Config()
	if err := s.validate(cfg); err != nil {
		s.logger.Error("invalid config, keeping current services", log.Error(err))
		return nil, false
	}
	if !s.heartbeatSet {
		s.heartbeatPath = cfg.HeartbeatPath
	}
	return cfg.Desired(), true
}

func (s *Supervisor) reconcile(ctx context.Context) {
	desired, ok := s.load()
	if !ok {
		return
	}

	var toReap, toLaunch, toUpdate []string
	s.mu.Lock()
	for name := range s.watchers {
		if _, ok := desired[name]; !ok {
			toReap = append(toReap, name)
		}
	}
	for name, spec := range desired {
		h, ok := s.watchers[name]
		switch {
		case !ok:
			toLaunch = append(toLaunch, name)
		case Version(spec) != h.version:
			toUpdate = append(toUpdate, name)
		}
	}
	s.desired = desired
	s.loaded = true
	s.mu.Unlock()

	sort.Strings(toReap)
	sort.Strings(toLaunch)
	sort.Strings(toUpdate)
	s.logger.Info("reconciling watchers",
		log.Strings("reap", toReap),
		log.Strings("launch", toLaunch),
		log.Strings("update", toUpdate),
	)

	for _, name := range toReap {
		s.reap(name)
		if !strings.HasSuffix(name, oldSuffix) {
			s.metrics.Remove(name)
		}
	}
	for _, name := range toLaunch {
		s.launch(ctx, name, desired[name])
	}
	for _, name := range toUpdate {
		s.update(ctx, name, desired[name])
	}
}

func (s *Supervisor) launch(ctx context.Context, name string, spec config.ServiceSpec) *handle {
	r, err := s.build(spec)
	if err != nil {
		s.logger.Error("failed to build watcher", log.Service(name), log.Error(err))
		return nil
	}
	h := &handle{
		name:    name,
		spec:    spec,
		version: Version(spec),
		runner:  r,
		started: time.Now(),
	}
	r.Start(ctx)

	s.mu.Lock()
	s.watchers[name] = h
	s.mu.Unlock()
	s.logger.Info("launched watcher", log.Service(name), log.String("version", h.version))
	return h
}

func (s *Supervisor) reap(name string) {
	s.mu.Lock()
	h, ok := s.watchers[name]
	delete(s.watchers, name)
	s.mu.Unlock()
	if !ok {
		return
	}

	if !h.runner.Stop() {
		s.logger.Error("watcher did not stop cleanly", log.Service(name))
		return
	}
	s.logger.Info("reaped watcher", log.Service(name))
}

// update 新旧 Watcher 短暂并存：新的确定状态后才停止旧的，注册不会出现空窗
func (s *Supervisor) update(ctx context.Context, name string, spec config.ServiceSpec) {
	tmp := name + oldSuffix
	s.reap(tmp)

	s.mu.Lock()
	old := s.watchers[name]
	delete(s.watchers, name)
	s.watchers[tmp] = old
	s.mu.Unlock()

	h := s.launch(ctx, name, spec)
	if h == nil {
		// 新配置无法构造，旧 Watcher 继续工作，下次重载再尝试
		s.mu.Lock()
		delete(s.watchers, tmp)
		s.watchers[name] = old
		s.mu.Unlock()
		return
	}

	if !s.awaitStatus(ctx, h) {
		s.logger.Warn("new watcher has no status yet, replacing old one anyway",
			log.Service(name),
			log.Duration("overlap_timeout", s.overlapTimeout),
		)
	}
	s.reap(tmp)
	s.logger.Info("updated watcher", log.Service(name), log.String("version", h.version))
}

func (s *Supervisor) awaitStatus(ctx context.Context, h *handle) bool {
	deadline := time.NewTimer(s.overlapTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if h.runner.Status().Known() {
			return true
		}
		if !h.runner.Alive() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

// sweep 重启已退出的 Watcher，并补上之前构造失败的服务
func (s *Supervisor) sweep(ctx context.Context) {
	var dead []*handle
	var missing []string
	s.mu.RLock()
	for _, h := range s.watchers {
		if !h.runner.Alive() {
			dead = append(dead, h)
		}
	}
	for name := range s.desired {
		if _, ok := s.watchers[name]; !ok {
			missing = append(missing, name)
		}
	}
	s.mu.RUnlock()

	sort.Slice(dead, func(i, j int) bool { return dead[i].name < dead[j].name })
	sort.Strings(missing)

	for _, h := range dead {
		if ctx.Err() != nil {
			return
		}
		fields := []log.Field{log.Service(h.name)}
		if err := h.runner.Err(); err != nil {
			fields = append(fields, log.Error(err))
		}
		s.logger.Warn("watcher is dead, relaunching", fields...)

		s.reap(h.name)
		if strings.HasSuffix(h.name, oldSuffix) {
			continue
		}
		s.metrics.Service(h.name).IncRestarts()
		s.launch(ctx, h.name, h.spec)
	}
	for _, name := range missing {
		if ctx.Err() != nil {
			return
		}
		s.mu.RLock()
		spec, want := s.desired[name]
		_, running := s.watchers[name]
		s.mu.RUnlock()
		if want && !running {
			s.launch(ctx, name, spec)
		}
	}
}

func (s *Supervisor) heartbeat() {
	now := time.Now()
	if s.heartbeatPath != "" {
		if err := touch(s.heartbeatPath, now); err != nil {
			s.logger.Warn("failed to touch heartbeat file",
				log.String("path", s.heartbeatPath),
				log.Error(err),
			)
			return
		}
	}
	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()
}

// reapAll 并发停止全部 Watcher，错误只记录
func (s *Supervisor) reapAll() {
	s.mu.RLock()
	names := make([]string, 0, len(s.watchers))
	for name := range s.watchers {
		names = append(names, name)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("panic while reaping watcher", log.Service(name), log.Any("panic", r))
				}
			}()
			s.reap(name)
		}(name)
	}
	wg.Wait()
}

// Watchers 当前全部 Watcher 的快照，按名字排序
func (s *Supervisor) Watchers() []WatcherInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]WatcherInfo, 0, len(s.watchers))
	for name, h := range s.watchers {
		info := WatcherInfo{
			Name:     name,
			Reporter: h.spec.ReporterType,
			Alive:    h.runner.Alive(),
			Status:   h.runner.Status().String(),
			Version:  h.version,
			Started:  h.started,
		}
		if err := h.runner.Err(); err != nil {
			info.Error = err.Error()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LastHeartbeat 最近一次完成主循环的时间
func (s *Supervisor) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// Healthy 主循环没有卡住
func (s *Supervisor) Healthy() bool {
	last := s.LastHeartbeat()
	if last.IsZero() {
		return false
	}
	return time.Since(last) <= 2*s.tick+s.overlapTimeout
}

// Ready 配置已加载且每个 Watcher 都已确定状态
func (s *Supervisor) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return false
	}
	for _, h := range s.watchers {
		if !h.runner.Status().Known() {
			return false
		}
	}
	return true
}

// Tick 主循环间隔
func (s *Supervisor) Tick() time.Duration {
	return s.tick
}

// CheckConfig 校验配置并构造每个 Watcher，不启动
func (s *Supervisor) CheckConfig() error {
	cfg := s.source.Config()
	if err := s.validate(cfg); err != nil {
		return err
	}

	desired := cfg.Desired()
	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		r, err := s.build(desired[name])
		if err != nil {
			return errors.Wrapf(err, errors.CodeConfig, "service %s", name)
		}
		if closer, ok := r.(interface{ Close() }); ok {
			closer.Close()
		}
		s.logger.Info("service config ok", log.Service(name))
	}
	return nil
}
