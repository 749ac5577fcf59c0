package reporter

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/log"
)

const defaultZKSessionTimeout = 10 * time.Second

// zkConn 共享的 zookeeper 会话
type zkConn struct {
	conn *zk.Conn
}

func (c *zkConn) Connected() bool {
	return c.conn.State() == zk.StateHasSession
}

func (c *zkConn) Close() error {
	c.conn.Close()
	return nil
}

// zkLogger 把 zk 库的日志降级为 debug
type zkLogger struct {
	logger log.Logger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// dialZookeeper 建立会话并等待 StateHasSession，超时即失败
func dialZookeeper(hosts []string, sessionTimeout time.Duration, logger log.Logger) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		conn, events, err := zk.Connect(hosts, sessionTimeout, zk.WithLogger(zkLogger{logger: logger}))
		if err != nil {
			return nil, errors.Transient(err, "zookeeper connect")
		}

		ready := make(chan struct{})
		go func() {
			var once sync.Once
			for ev := range events {
				if ev.Type != zk.EventSession {
					continue
				}
				logger.Debug("zookeeper session event", log.String("state", ev.State.String()))
				if ev.State == zk.StateHasSession {
					once.Do(func() { close(ready) })
				}
			}
		}()

		timer := time.NewTimer(sessionTimeout)
		defer timer.Stop()
		select {
		case <-ready:
			return &zkConn{conn: conn}, nil
		case <-timer.C:
			conn.Close()
			return nil, errors.Newf(errors.CodeTransient, "zookeeper %s: no session within %s", strings.Join(hosts, ","), sessionTimeout)
		case <-ctx.Done():
			conn.Close()
			return nil, errors.Transient(ctx.Err(), "zookeeper connect")
		}
	}
}

// classifyZK 把 zk 错误归类
func classifyZK(err error, op string) error {
	if err == nil {
		return nil
	}
	var classified *errors.Error
	if stderrors.As(err, &classified) {
		return err
	}
	switch {
	case stderrors.Is(err, zk.ErrNoNode):
		return errors.ErrNoNode.WithCause(err)
	case stderrors.Is(err, zk.ErrConnectionClosed),
		stderrors.Is(err, zk.ErrSessionExpired),
		stderrors.Is(err, zk.ErrSessionMoved),
		stderrors.Is(err, zk.ErrClosing),
		stderrors.Is(err, zk.ErrNoServer),
		stderrors.Is(err, context.DeadlineExceeded),
		stderrors.Is(err, context.Canceled):
		return errors.Transient(err, "zookeeper "+op)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.Transient(err, "zookeeper "+op)
	}
	return errors.Protocol(err, "zookeeper "+op)
}

// zookeeperReporter 在 <path> 下创建临时顺序节点
type zookeeperReporter struct {
	spec    Spec
	cfg     ZookeeperConfig
	data    []byte
	child   string
	pool    *Pool
	poolKey string
	retry   RetryPolicy
	logger  log.Logger
	renewer *Renewer

	mu   sync.Mutex
	conn *zkConn
	node string
}

func newZookeeper(spec Spec, deps Deps) (Reporter, error) {
	if err := requireFields(spec, "zookeeper"); err != nil {
		return nil, err
	}
	cfg := spec.Zookeeper
	if len(cfg.Hosts) == 0 {
		return nil, errors.New(errors.CodeConfig, "zookeeper reporter: missing zookeeper.hosts")
	}
	if cfg.Path == "" || !strings.HasPrefix(cfg.Path, "/") {
		return nil, errors.Newf(errors.CodeConfig, "zookeeper reporter: zookeeper.path must be absolute, got %q", cfg.Path)
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultZKSessionTimeout
	}
	keyFn, err := KeyStrategyByName(cfg.KeyStrategy)
	if err != nil {
		return nil, err
	}

	rec := spec.Record()
	data, err := rec.Encode()
	if err != nil {
		return nil, err
	}
	child, err := keyFn(cfg.Path, rec)
	if err != nil {
		return nil, err
	}

	r := &zookeeperReporter{
		spec:    spec,
		cfg:     cfg,
		data:    data,
		child:   child,
		pool:    deps.Pool,
		poolKey: PoolKey("zookeeper", cfg.Hosts),
		retry:   deps.Retry,
		logger:  deps.Logger.With(log.Reporter("zookeeper"), log.Service(spec.Name)),
	}
	if cfg.TTL > 0 {
		r.renewer = NewRenewer(cfg.TTL, r.renew, r.logger)
	}
	return r, nil
}

func (r *zookeeperReporter) Start(ctx context.Context) error {
	r.logger.Info("waiting to connect to zookeeper", log.Strings("hosts", r.cfg.Hosts))
	conn, err := r.pool.Acquire(ctx, r.poolKey, dialZookeeper(r.cfg.Hosts, r.cfg.SessionTimeout, r.logger))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn.(*zkConn)
	r.mu.Unlock()

	if err := classifyZK(r.mkdirP(r.cfg.Path), "mkdir"); err != nil && !errors.IsTransient(err) {
		return err
	}
	if r.renewer != nil {
		r.renewer.Start(ctx)
	}
	r.logger.Info("zookeeper reporter started", log.String("path", r.cfg.Path))
	return nil
}

func (r *zookeeperReporter) Stop(ctx context.Context) error {
	_, err := r.ReportDown(ctx)
	if r.renewer != nil {
		r.renewer.Stop()
	}
	r.mu.Lock()
	held := r.conn != nil
	r.conn = nil
	r.mu.Unlock()
	if held {
		if rerr := r.pool.Release(r.poolKey); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

func (r *zookeeperReporter) session() *zkConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || !r.conn.Connected() {
		return nil
	}
	return r.conn
}

// mkdirP 逐级创建持久节点
func (r *zookeeperReporter) mkdirP(path string) error {
	conn := r.session()
	if conn == nil {
		return errors.ErrNotConnected
	}
	acl := zk.WorldACL(zk.PermAll)
	current := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		current += "/" + part
		if _, err := conn.conn.Create(current, nil, 0, acl); err != nil && !stderrors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

// save 有节点则 Set，节点不存在或尚未创建则新建
func (r *zookeeperReporter) save(ctx context.Context) error {
	conn := r.session()
	if conn == nil {
		return errors.ErrNotConnected
	}

	r.mu.Lock()
	node := r.node
	r.mu.Unlock()

	if node != "" {
		_, err := conn.conn.Set(node, r.data, -1)
		if !stderrors.Is(err, zk.ErrNoNode) {
			return classifyZK(err, "set")
		}
		r.logger.Warn("registration node vanished, recreating", log.String("node", node))
	}

	created, err := conn.conn.Create(r.child, r.data, zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if stderrors.Is(err, zk.ErrNoNode) {
		if err = r.mkdirP(r.cfg.Path); err == nil {
			created, err = conn.conn.Create(r.child, r.data, zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
		}
	}
	if err != nil {
		return classifyZK(err, "create")
	}

	r.mu.Lock()
	r.node = created
	r.mu.Unlock()
	r.logger.Info("created zookeeper node", log.String("node", created))
	return nil
}

func (r *zookeeperReporter) ReportUp(ctx context.Context) (bool, error) {
	if r.session() == nil {
		return false, nil
	}
	err := r.retry.Do(ctx, r.save)
	if err == nil && r.renewer != nil {
		r.renewer.MarkWritten()
	}
	return result(r.logger, "report up", err)
}

func (r *zookeeperReporter) ReportDown(ctx context.Context) (bool, error) {
	if r.renewer != nil {
		r.renewer.Clear()
	}
	r.mu.Lock()
	node := r.node
	r.mu.Unlock()
	if node == "" {
		return true, nil
	}
	conn := r.session()
	if conn == nil {
		return false, nil
	}

	err := r.retry.Do(ctx, func(context.Context) error {
		err := conn.conn.Delete(node, -1)
		if stderrors.Is(err, zk.ErrNoNode) {
			return nil
		}
		return classifyZK(err, "delete")
	})
	if err == nil {
		r.mu.Lock()
		r.node = ""
		r.mu.Unlock()
		r.logger.Info("deleted zookeeper node", log.String("node", node))
	}
	return result(r.logger, "report down", err)
}

// renew 重写节点内容以刷新 mtime
func (r *zookeeperReporter) renew(ctx context.Context) error {
	conn := r.session()
	if conn == nil {
		return errors.ErrNotConnected
	}
	r.mu.Lock()
	node := r.node
	r.mu.Unlock()
	if node == "" {
		return nil
	}
	_, err := conn.conn.Set(node, r.data, -1)
	if stderrors.Is(err, zk.ErrNoNode) {
		r.mu.Lock()
		r.node = ""
		r.mu.Unlock()
	}
	return classifyZK(err, "renew")
}

func (r *zookeeperReporter) Ping(ctx context.Context) (bool, error) {
	conn := r.session()
	if conn == nil {
		return false, nil
	}
	if ok, err := r.renewer.check(); !ok || err != nil {
		return ok, err
	}
	_, _, err := conn.conn.Exists(r.cfg.Path)
	return result(r.logger, "ping", classifyZK(err, "exists"))
}
