package reporter

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/log"
)

const (
	defaultRedisTTL    = 30 * time.Second
	redisDialTimeout   = 5 * time.Second
	defaultRedisPrefix = "/nerve"
)

type redisConn struct {
	client redis.UniversalClient
	closed bool
	mu     sync.Mutex
}

func (c *redisConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *redisConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.client.Close()
}

func dialRedis(cfg RedisConfig) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        cfg.Addrs,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  redisDialTimeout,
			ReadTimeout:  redisDialTimeout,
			WriteTimeout: redisDialTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, classifyRedis(err, "connect")
		}
		return &redisConn{client: client}, nil
	}
}

// classifyRedis 把 redis 错误归类
func classifyRedis(err error, op string) error {
	if err == nil {
		return nil
	}
	var classified *errors.Error
	if stderrors.As(err, &classified) {
		return err
	}
	if stderrors.Is(err, redis.Nil) {
		return errors.ErrNoNode.WithCause(err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) ||
		stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, redis.ErrClosed) {
		return errors.Transient(err, "redis "+op)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.Transient(err, "redis "+op)
	}
	var redisErr redis.Error
	if stderrors.As(err, &redisErr) {
		msg := redisErr.Error()
		for _, prefix := range []string{"LOADING", "READONLY", "CLUSTERDOWN", "TRYAGAIN", "MASTERDOWN"} {
			if strings.HasPrefix(msg, prefix) {
				return errors.Transient(err, "redis "+op)
			}
		}
	}
	return errors.Protocol(err, "redis "+op)
}

// redisReporter 写入带过期时间的键 <prefix>/<key><uuid>
type redisReporter struct {
	spec    Spec
	cfg     RedisConfig
	data    string
	key     string
	pool    *Pool
	poolKey string
	retry   RetryPolicy
	logger  log.Logger
	renewer *Renewer

	mu      sync.Mutex
	conn    *redisConn
	written bool
}

func newRedis(spec Spec, deps Deps) (Reporter, error) {
	if err := requireFields(spec, "redis"); err != nil {
		return nil, err
	}
	cfg := spec.Redis
	if len(cfg.Addrs) == 0 {
		return nil, errors.New(errors.CodeConfig, "redis reporter: missing redis.addrs")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultRedisTTL
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
	base, err := keyFn(joinKey(cfg.Prefix, spec.Name), rec)
	if err != nil {
		return nil, err
	}

	r := &redisReporter{
		spec:    spec,
		cfg:     cfg,
		data:    string(data),
		key:     base + uuid.New().String(),
		pool:    deps.Pool,
		poolKey: PoolKey("redis", append(append([]string(nil), cfg.Addrs...), "db="+strconv.Itoa(cfg.DB))),
		retry:   deps.Retry,
		logger:  deps.Logger.With(log.Reporter("redis"), log.Service(spec.Name)),
	}
	r.renewer = NewRenewer(cfg.TTL/3, r.renew, r.logger)
	return r, nil
}

func (r *redisReporter) Start(ctx context.Context) error {
	conn, err := r.pool.Acquire(ctx, r.poolKey, dialRedis(r.cfg))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn.(*redisConn)
	r.mu.Unlock()
	r.renewer.Start(ctx)
	return nil
}

func (r *redisReporter) Stop(ctx context.Context) error {
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

func (r *redisReporter) client() redis.UniversalClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || !r.conn.Connected() {
		return nil
	}
	return r.conn.client
}

func (r *redisReporter) ReportUp(ctx context.Context) (bool, error) {
	client := r.client()
	if client == nil {
		return false, nil
	}
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		return classifyRedis(client.Set(ctx, r.key, r.data, r.cfg.TTL).Err(), "set")
	})
	if err == nil {
		r.mu.Lock()
		created := !r.written
		r.written = true
		r.mu.Unlock()
		r.renewer.MarkWritten()
		if created {
			r.logger.Info("created redis key", log.String("key", r.key))
		}
	}
	return result(r.logger, "report up", err)
}

func (r *redisReporter) ReportDown(ctx context.Context) (bool, error) {
	r.renewer.Clear()
	r.mu.Lock()
	written := r.written
	r.mu.Unlock()
	if !written {
		return true, nil
	}
	client := r.client()
	if client == nil {
		return false, nil
	}

	err := r.retry.Do(ctx, func(ctx context.Context) error {
		return classifyRedis(client.Del(ctx, r.key).Err(), "del")
	})
	if err == nil {
		r.mu.Lock()
		r.written = false
		r.mu.Unlock()
		r.logger.Info("deleted redis key", log.String("key", r.key))
	}
	return result(r.logger, "report down", err)
}

// renew 只刷新已存在的键，键已过期返回 ErrNoNode
func (r *redisReporter) renew(ctx context.Context) error {
	client := r.client()
	if client == nil {
		return errors.ErrNotConnected
	}
	ok, err := client.SetXX(ctx, r.key, r.data, r.cfg.TTL).Result()
	if err != nil {
		return classifyRedis(err, "renew")
	}
	if !ok {
		r.mu.Lock()
		r.written = false
		r.mu.Unlock()
		return errors.ErrNoNode.WithDetails(map[string]interface{}{"key": r.key})
	}
	return nil
}

func (r *redisReporter) Ping(ctx context.Context) (bool, error) {
	client := r.client()
	if client == nil {
		return false, nil
	}
	if ok, err := r.renewer.check(); !ok || err != nil {
		return ok, err
	}
	return result(r.logger, "ping", classifyRedis(client.Ping(ctx).Err(), "ping"))
}
