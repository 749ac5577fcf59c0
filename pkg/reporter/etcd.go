package reporter

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"

	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/log"
)

const (
	defaultEtcdTTL         = 30 * time.Second
	defaultEtcdDialTimeout = 5 * time.Second
)

// etcdConn 共享的 etcd 客户端
type etcdConn struct {
	client *clientv3.Client
}

func (c *etcdConn) Connected() bool {
	cc := c.client.ActiveConnection()
	if cc == nil {
		return false
	}
	switch cc.GetState() {
	case connectivity.Ready:
		return true
	case connectivity.Idle, connectivity.Connecting:
		cc.Connect()
		return true
	default:
		return false
	}
}

func (c *etcdConn) Close() error {
	return c.client.Close()
}

// dialEtcd 创建客户端并确认至少一个端点可达
func dialEtcd(cfg EtcdConfig) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Endpoints,
			DialTimeout: cfg.DialTimeout,
			Username:    cfg.Username,
			Password:    cfg.Password,
		})
		if err != nil {
			return nil, errors.Transient(err, "etcd connect")
		}

		var lastErr error
		for _, ep := range cfg.Endpoints {
			sctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
			_, lastErr = client.Status(sctx, ep)
			cancel()
			if lastErr == nil {
				return &etcdConn{client: client}, nil
			}
		}
		client.Close()
		return nil, classifyEtcd(lastErr, "connect")
	}
}

// classifyEtcd 把 etcd/gRPC 错误归类
func classifyEtcd(err error, op string) error {
	if err == nil {
		return nil
	}
	var classified *errors.Error
	if stderrors.As(err, &classified) {
		return err
	}
	if stderrors.Is(err, rpctypes.ErrLeaseNotFound) {
		return errors.ErrNoNode.WithCause(err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.Transient(err, "etcd "+op)
	}

	code := codes.Unknown
	var etcdErr rpctypes.EtcdError
	if stderrors.As(err, &etcdErr) {
		code = etcdErr.Code()
	} else if s, ok := status.FromError(err); ok {
		code = s.Code()
	}
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted, codes.Aborted:
		return errors.Transient(err, "etcd "+op)
	case codes.NotFound:
		return errors.ErrNoNode.WithCause(err)
	}
	return errors.Protocol(err, "etcd "+op)
}

// etcdReporter 在租约下写入 <path>/<key><lease>，租约到期记录自动消失
type etcdReporter struct {
	spec    Spec
	cfg     EtcdConfig
	data    string
	prefix  string
	pool    *Pool
	poolKey string
	retry   RetryPolicy
	logger  log.Logger
	renewer *Renewer

	mu    sync.Mutex
	conn  *etcdConn
	lease clientv3.LeaseID
	key   string
}

func newEtcd(spec Spec, deps Deps) (Reporter, error) {
	if err := requireFields(spec, "etcd"); err != nil {
		return nil, err
	}
	cfg := spec.Etcd
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New(errors.CodeConfig, "etcd reporter: missing etcd.endpoints")
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultEtcdTTL
	}
	if cfg.TTL < time.Second {
		return nil, errors.Newf(errors.CodeConfig, "etcd reporter: ttl must be at least 1s, got %s", cfg.TTL)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultEtcdDialTimeout
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
	prefix, err := keyFn(cfg.Path, rec)
	if err != nil {
		return nil, err
	}

	r := &etcdReporter{
		spec:    spec,
		cfg:     cfg,
		data:    string(data),
		prefix:  prefix,
		pool:    deps.Pool,
		poolKey: PoolKey("etcd", cfg.Endpoints),
		retry:   deps.Retry,
		logger:  deps.Logger.With(log.Reporter("etcd"), log.Service(spec.Name)),
	}
	r.renewer = NewRenewer(cfg.TTL/3, r.renew, r.logger)
	return r, nil
}

func (r *etcdReporter) Start(ctx context.Context) error {
	r.logger.Info("waiting to connect to etcd", log.Strings("endpoints", r.cfg.Endpoints))
	conn, err := r.pool.Acquire(ctx, r.poolKey, dialEtcd(r.cfg))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn.(*etcdConn)
	r.mu.Unlock()
	r.renewer.Start(ctx)
	return nil
}

func (r *etcdReporter) Stop(ctx context.Context) error {
	_, err := r.ReportDown(ctx)
	r.renewer.Stop()
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

func (r *etcdReporter) client() *clientv3.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || !r.conn.Connected() {
		return nil
	}
	return r.conn.client
}

// save 没有租约时申请租约并生成唯一键，然后 Put
func (r *etcdReporter) save(ctx context.Context) error {
	client := r.client()
	if client == nil {
		return errors.ErrNotConnected
	}

	r.mu.Lock()
	lease, key := r.lease, r.key
	r.mu.Unlock()

	if lease == 0 {
		grant, err := client.Grant(ctx, int64(r.cfg.TTL/time.Second))
		if err != nil {
			return classifyEtcd(err, "grant")
		}
		lease = grant.ID
		key = fmt.Sprintf("%s%016x", r.prefix, int64(lease))
	}

	_, err := client.Put(ctx, key, r.data, clientv3.WithLease(lease))
	if stderrors.Is(err, rpctypes.ErrLeaseNotFound) {
		r.logger.Warn("etcd lease expired, granting a new one", log.String("key", key))
		r.mu.Lock()
		r.lease, r.key = 0, ""
		r.mu.Unlock()
		return errors.ErrNoNode.WithCause(err)
	}
	if err != nil {
		return classifyEtcd(err, "put")
	}

	r.mu.Lock()
	created := r.key == ""
	r.lease, r.key = lease, key
	r.mu.Unlock()
	if created {
		r.logger.Info("created etcd key", log.String("key", key))
	}
	return nil
}

func (r *etcdReporter) ReportUp(ctx context.Context) (bool, error) {
	if r.client() == nil {
		return false, nil
	}
	err := r.retry.Do(ctx, r.save)
	if err == nil {
		r.renewer.MarkWritten()
	}
	return result(r.logger, "report up", err)
}

func (r *etcdReporter) ReportDown(ctx context.Context) (bool, error) {
	r.renewer.Clear()
	r.mu.Lock()
	lease, key := r.lease, r.key
	r.mu.Unlock()
	if key == "" {
		return true, nil
	}
	client := r.client()
	if client == nil {
		return false, nil
	}

	err := r.retry.Do(ctx, func(ctx context.Context) error {
		if _, err := client.Delete(ctx, key); err != nil {
			return classifyEtcd(err, "delete")
		}
		// 撤销租约失败不影响结果，租约会自行过期
		if _, err := client.Revoke(ctx, lease); err != nil {
			r.logger.Debug("revoke lease failed", log.Error(err))
		}
		return nil
	})
	if err == nil {
		r.mu.Lock()
		r.lease, r.key = 0, ""
		r.mu.Unlock()
		r.logger.Info("deleted etcd key", log.String("key", key))
	}
	return result(r.logger, "report down", err)
}

// renew 续约一次，租约丢失时清空状态等待重新注册
func (r *etcdReporter) renew(ctx context.Context) error {
	client := r.client()
	if client == nil {
		return errors.ErrNotConnected
	}
	r.mu.Lock()
	lease := r.lease
	r.mu.Unlock()
	if lease == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()
	_, err := client.KeepAliveOnce(ctx, lease)
	err = classifyEtcd(err, "keepalive")
	if errors.IsCode(err, errors.CodeNoNode) {
		r.mu.Lock()
		r.lease, r.key = 0, ""
		r.mu.Unlock()
	}
	return err
}

func (r *etcdReporter) Ping(ctx context.Context) (bool, error) {
	client := r.client()
	if client == nil {
		return false, nil
	}
	if ok, err := r.renewer.check(); !ok || err != nil {
		return ok, err
	}
	_, err := client.Get(ctx, strings.TrimRight(r.cfg.Path, "/")+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	return result(r.logger, "ping", classifyEtcd(err, "get"))
}
