package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goupter/nerve/pkg/config"
	"github.com/goupter/nerve/pkg/log"
)

// Supervisor 主循环
type Supervisor interface {
	Run(ctx context.Context) error
	RequestReload()
}

// Server 可选的后台服务，例如状态服务
type Server interface {
	Start() error
	Stop(ctx context.Context) error
}

// App 进程生命周期：信号、配置监听、状态服务和主循环
type App struct {
	name       string
	logger     log.Logger
	supervisor Supervisor
	server     Server
	watcher    config.Watcher
	signals    <-chan os.Signal

	shutdownTimeout time.Duration

	// 生命周期钩子
	beforeStart []func() error
	afterStop   []func() error

	// 状态
	running bool
	mu      sync.Mutex
}

// Option 应用选项
type Option func(*App)

// WithName 设置应用名称
func WithName(name string) Option {
	return func(a *App) {
		a.name = name
	}
}

// WithLogger 设置日志
func WithLogger(logger log.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithServer 设置状态服务
func WithServer(s Server) Option {
	return func(a *App) {
		a.server = s
	}
}

// WithConfigWatcher 配置变化时触发重新加载
func WithConfigWatcher(w config.Watcher) Option {
	return func(a *App) {
		a.watcher = w
	}
}

// WithSignals 使用外部信号通道，默认监听 SIGHUP SIGINT SIGTERM
func WithSignals(ch <-chan os.Signal) Option {
	return func(a *App) {
		a.signals = ch
	}
}

// WithShutdownTimeout 关闭状态服务的超时
func WithShutdownTimeout(d time.Duration) Option {
	return func(a *App) {
		a.shutdownTimeout = d
	}
}

// BeforeStart 启动前钩子
func BeforeStart(fn func() error) Option {
	return func(a *App) {
		a.beforeStart = append(a.beforeStart, fn)
	}
}

// AfterStop 停止后钩子，用于释放共享连接
func AfterStop(fn func() error) Option {
	return func(a *App) {
		a.afterStop = append(a.afterStop, fn)
	}
}

// New 创建应用
func New(supervisor Supervisor, opts ...Option) *App {
	a := &App{
		name:            "nerve",
		supervisor:      supervisor,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = log.Named("app")
	}
	return a
}

// Name 应用名称
func (a *App) Name() string {
	return a.name
}

// Run 运行直到收到 SIGINT/SIGTERM、ctx 取消或主循环退出
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	for _, fn := range a.beforeStart {
		if err := fn(); err != nil {
			return fmt.Errorf("before start hook failed: %w", err)
		}
	}
	defer a.runAfterStop()

	if a.server != nil {
		if err := a.server.Start(); err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
		defer a.stopServer()
	}

	signals := a.signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		signals = ch
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.watcher != nil {
		go func() {
			err := a.watcher.Watch(ctx, func() {
				a.logger.Info("config changed, reloading")
				a.supervisor.RequestReload()
			})
			if err != nil {
				a.logger.Warn("config watch stopped", log.Error(err))
			}
		}()
	}

	done := make(chan error, 1)
	go func() {
		done <- a.supervisor.Run(ctx)
	}()

	a.logger.Info("application started", log.String("name", a.name))

	for {
		select {
		case err := <-done:
			return err
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				a.logger.Info("received SIGHUP, reloading")
				a.supervisor.RequestReload()
				continue
			}
			a.logger.Info("shutting down application...", log.String("signal", sig.String()))
			cancel()
			return <-done
		}
	}
}

func (a *App) stopServer() {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	if err := a.server.Stop(ctx); err != nil {
		a.logger.Warn("stop status server failed", log.Error(err))
	}
}

func (a *App) runAfterStop() {
	for _, fn := range a.afterStop {
		if err := fn(); err != nil {
			a.logger.Warn("after stop hook failed", log.Error(err))
		}
	}
	_ = a.logger.Sync()
}
