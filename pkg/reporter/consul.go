package reporter

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/consul/api"

	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/log"
)

const (
	defaultConsulTTL             = 30 * time.Second
	defaultConsulDeregisterAfter = time.Minute
	defaultConsulTimeout         = 5 * time.Second
)

// consulConn 共享的 consul agent 客户端，HTTP 无会话状态，连通性由 Ping 判断
type consulConn struct {
	client *api.Client
}

func (c *consulConn) Connected() bool {
	return true
}

func (c *consulConn) Close() error {
	return nil
}

func dialConsul(cfg ConsulConfig) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		config := api.DefaultConfig()
		if cfg.Address != "" {
			config.Address = cfg.Address
		}
		if cfg.Token != "" {
			config.Token = cfg.Token
		}
		if cfg.Datacenter != "" {
			config.Datacenter = cfg.Datacenter
		}
		config.HttpClient = &http.Client{Timeout: cfg.Timeout}

		client, err := api.NewClient(config)
		if err != nil {
			return nil, errors.Protocol(err, "create consul client")
		}
		if _, err := client.Status().Leader(); err != nil {
			return nil, classifyConsul(err, "connect")
		}
		return &consulConn{client: client}, nil
	}
}

// classifyConsul consul api 只返回字符串化的 HTTP 错误，按内容归类
func classifyConsul(err error, op string) error {
	if err == nil {
		return nil
	}
	var classified *errors.Error
	if stderrors.As(err, &classified) {
		return err
	}
	var urlErr *url.Error
	var netErr net.Error
	if stderrors.As(err, &urlErr) || stderrors.As(err, &netErr) ||
		stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.Transient(err, "consul "+op)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "Unknown check"),
		strings.Contains(msg, "Unknown service"),
		strings.Contains(msg, "does not have associated TTL"),
		strings.Contains(msg, "Unexpected response code: 404"):
		return errors.ErrNoNode.WithCause(err)
	case strings.Contains(msg, "Unexpected response code: 5"),
		strings.Contains(msg, "No cluster leader"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "EOF"):
		return errors.Transient(err, "consul "+op)
	}
	return errors.Protocol(err, "consul "+op)
}

// consulReporter 通过本机 agent 注册服务和 TTL 检查，续约即刷新 TTL
type consulReporter struct {
	spec      Spec
	cfg       ConsulConfig
	serviceID string
	checkID   string
	pool      *Pool
	poolKey   string
	retry     RetryPolicy
	logger    log.Logger
	renewer   *Renewer

	mu         sync.Mutex
	conn       *consulConn
	registered bool
}

func newConsul(spec Spec, deps Deps) (Reporter, error) {
	if err := requireFields(spec, "consul"); err != nil {
		return nil, err
	}
	cfg := spec.Consul
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8500"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultConsulTTL
	}
	if cfg.DeregisterAfter <= 0 {
		cfg.DeregisterAfter = defaultConsulDeregisterAfter
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultConsulTimeout
	}

	// 每个 Reporter 的服务ID唯一，配置切换期间新旧两个 Watcher 互不覆盖
	serviceID := fmt.Sprintf("%s_%s_%s", spec.InstanceID, spec.Name, uuid.New().String()[:8])
	r := &consulReporter{
		spec:      spec,
		cfg:       cfg,
		serviceID: serviceID,
		checkID:   "service:" + serviceID,
		pool:      deps.Pool,
		poolKey:   PoolKey("consul", []string{cfg.Address, cfg.Datacenter}),
		retry:     deps.Retry,
		logger:    deps.Logger.With(log.Reporter("consul"), log.Service(spec.Name), log.String("service_id", serviceID)),
	}
	r.renewer = NewRenewer(cfg.TTL/3, r.renew, r.logger)
	return r, nil
}

func (r *consulReporter) Start(ctx context.Context) error {
	conn, err := r.pool.Acquire(ctx, r.poolKey, dialConsul(r.cfg))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn.(*consulConn)
	r.mu.Unlock()
	r.renewer.Start(ctx)
	return nil
}

func (r *consulReporter) Stop(ctx context.Context) error {
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

func (r *consulReporter) client() *api.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.client
}

func (r *consulReporter) registration() *api.AgentServiceRegistration {
	meta := map[string]string{"instance_id": r.spec.InstanceID}
	for k, v := range r.spec.Labels {
		meta[k] = v
	}
	if r.spec.HAProxyServerOptions != "" {
		meta["haproxy_server_options"] = r.spec.HAProxyServerOptions
	}
	reg := &api.AgentServiceRegistration{
		ID:      r.serviceID,
		Name:    r.spec.Name,
		Address: r.spec.Host,
		Port:    r.spec.Port,
		Tags:    r.cfg.Tags,
		Meta:    meta,
		Check: &api.AgentServiceCheck{
			CheckID:                        r.checkID,
			TTL:                            r.cfg.TTL.String(),
			DeregisterCriticalServiceAfter: r.cfg.DeregisterAfter.String(),
		},
	}
	if r.spec.Weight != nil {
		reg.Weights = &api.AgentWeights{Passing: *r.spec.Weight, Warning: 1}
	}
	return reg
}

// save 未注册时注册服务，然后把 TTL 检查置为 passing
func (r *consulReporter) save(ctx context.Context) error {
	client := r.client()
	if client == nil {
		return errors.ErrNotConnected
	}

	r.mu.Lock()
	registered := r.registered
	r.mu.Unlock()

	if !registered {
		if err := client.Agent().ServiceRegister(r.registration()); err != nil {
			return classifyConsul(err, "register")
		}
		r.mu.Lock()
		r.registered = true
		r.mu.Unlock()
		r.logger.Info("registered consul service")
	}

	err := classifyConsul(client.Agent().UpdateTTL(r.checkID, "nerve: up", api.HealthPassing), "update ttl")
	if errors.IsCode(err, errors.CodeNoNode) {
		r.mu.Lock()
		r.registered = false
		r.mu.Unlock()
	}
	return err
}

func (r *consulReporter) ReportUp(ctx context.Context) (bool, error) {
	if r.client() == nil {
		return false, nil
	}
	err := r.retry.Do(ctx, r.save)
	if err == nil {
		r.renewer.MarkWritten()
	}
	return result(r.logger, "report up", err)
}

func (r *consulReporter) ReportDown(ctx context.Context) (bool, error) {
	r.renewer.Clear()
	r.mu.Lock()
	registered := r.registered
	r.mu.Unlock()
	if !registered {
		return true, nil
	}
	client := r.client()
	if client == nil {
		return false, nil
	}

	err := r.retry.Do(ctx, func(context.Context) error {
		err := classifyConsul(client.Agent().ServiceDeregister(r.serviceID), "deregister")
		if errors.IsCode(err, errors.CodeNoNode) {
			return nil
		}
		return err
	})
	if err == nil {
		r.mu.Lock()
		r.registered = false
		r.mu.Unlock()
		r.logger.Info("deregistered consul service")
	}
	return result(r.logger, "report down", err)
}

func (r *consulReporter) renew(ctx context.Context) error {
	client := r.client()
	if client == nil {
		return errors.ErrNotConnected
	}
	err := classifyConsul(client.Agent().UpdateTTL(r.checkID, "nerve: up", api.HealthPassing), "renew")
	if errors.IsCode(err, errors.CodeNoNode) {
		r.mu.Lock()
		r.registered = false
		r.mu.Unlock()
	}
	return err
}

func (r *consulReporter) Ping(ctx context.Context) (bool, error) {
	client := r.client()
	if client == nil {
		return false, nil
	}
	if ok, err := r.renewer.check(); !ok || err != nil {
		return ok, err
	}
	_, err := client.Status().Leader()
	return result(r.logger, "ping", classifyConsul(err, "leader"))
}

// ServiceID 注册到 consul 的服务ID
func (r *consulReporter) ServiceID() string {
	return r.serviceID
}
