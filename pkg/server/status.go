package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/goupter/nerve/pkg/log"
	"github.com/goupter/nerve/pkg/metrics"
	"github.com/goupter/nerve/pkg/nerve"
)

// Supervisor 状态服务读取的主循环信息
type Supervisor interface {
	Watchers() []nerve.WatcherInfo
	Healthy() bool
	Ready() bool
	LastHeartbeat() time.Time
}

// StatusServer 本机状态 HTTP 服务
type StatusServer struct {
	engine     *gin.Engine
	server     *http.Server
	listener   net.Listener
	addr       string
	logger     log.Logger
	supervisor Supervisor
	metrics    *metrics.Registry
	pprof      bool
	middleware []gin.HandlerFunc
}

// Option 状态服务选项
type Option func(*StatusServer)

// WithAddr 监听地址
func WithAddr(addr string) Option {
	return func(s *StatusServer) {
		s.addr = addr
	}
}

// WithLogger 设置日志
func WithLogger(logger log.Logger) Option {
	return func(s *StatusServer) {
		s.logger = logger
	}
}

// WithMetrics 设置指标注册表
func WithMetrics(m *metrics.Registry) Option {
	return func(s *StatusServer) {
		s.metrics = m
	}
}

// WithPProf 挂载 /debug/pprof
func WithPProf(enabled bool) Option {
	return func(s *StatusServer) {
		s.pprof = enabled
	}
}

// WithMiddleware 添加中间件
func WithMiddleware(middleware ...gin.HandlerFunc) Option {
	return func(s *StatusServer) {
		s.middleware = append(s.middleware, middleware...)
	}
}

// NewStatusServer 创建状态服务
func NewStatusServer(sup Supervisor, opts ...Option) *StatusServer {
	s := &StatusServer{
		addr:       "127.0.0.1:1025",
		supervisor: sup,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Named("status")
	}
	if s.metrics == nil {
		s.metrics = metrics.NewRegistry()
	}

	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	s.engine = gin.New()
	s.engine.Use(Recovery(s.logger), RequestLogger(s.logger))
	s.engine.Use(s.middleware...)

	s.engine.GET("/health", s.health)
	s.engine.GET("/ready", s.ready)
	s.engine.GET("/watchers", s.watchers)
	s.engine.GET("/metrics", s.metricsHandler)
	if s.pprof {
		registerPProf(s.engine, "/debug/pprof")
	}
	return s
}

// Engine 获取Gin引擎
func (s *StatusServer) Engine() *gin.Engine {
	return s.engine
}

// Start 监听端口并在后台处理请求，监听失败时返回错误
func (s *StatusServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("status server starting", log.String("addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", log.Error(err))
		}
	}()
	return nil
}

// Stop 停止状态服务
func (s *StatusServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("status server stopping")
	return s.server.Shutdown(ctx)
}

// Addr 实际监听地址，未启动时为配置的地址
func (s *StatusServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *StatusServer) health(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if !s.supervisor.Healthy() {
		status, code = "stale", http.StatusServiceUnavailable
	}
	resp := gin.H{"status": status}
	if last := s.supervisor.LastHeartbeat(); !last.IsZero() {
		resp["last_heartbeat"] = last.Format(time.RFC3339)
	}
	c.JSON(code, resp)
}

func (s *StatusServer) ready(c *gin.Context) {
	ready := s.supervisor.Ready()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"ready": ready})
}

func (s *StatusServer) watchers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"watchers": s.supervisor.Watchers()})
}

func (s *StatusServer) metricsHandler(c *gin.Context) {
	if c.Query("format") == "json" {
		c.JSON(http.StatusOK, gin.H{
			"services":       s.metrics.Snapshot(),
			"uptime_seconds": s.metrics.Uptime().Seconds(),
		})
		return
	}

	var buf bytes.Buffer
	if err := s.metrics.WritePrometheus(&buf, "nerve"); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
