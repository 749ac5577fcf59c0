package config

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
	"gopkg.in/yaml.v3"

	"github.com/goupter/nerve/pkg/errors"
)

// ConsulSource Consul KV 配置源，KV 中存放与配置文件相同的 YAML/JSON 文档
type ConsulSource struct {
	client     *api.Client
	path       string
	opts       *options
	retryDelay time.Duration
	waitTime   time.Duration

	mu        sync.RWMutex
	cfg       *Config
	lastIndex uint64
}

// ConsulSourceOption Consul配置源选项
type ConsulSourceOption func(*ConsulSource)

// WithConfigOptions 解析配置时使用的选项，例如命令行实例ID
func WithConfigOptions(opts ...Option) ConsulSourceOption {
	return func(s *ConsulSource) {
		s.opts = newOptions(opts)
	}
}

// WithWaitTime 阻塞查询的最长等待时间
func WithWaitTime(d time.Duration) ConsulSourceOption {
	return func(s *ConsulSource) {
		s.waitTime = d
	}
}

// WithRetryDelay 监听出错后的重试间隔
func WithRetryDelay(d time.Duration) ConsulSourceOption {
	return func(s *ConsulSource) {
		s.retryDelay = d
	}
}

// NewConsulSource 创建Consul配置源并立即加载一次
func NewConsulSource(addr, path string, opts ...ConsulSourceOption) (*ConsulSource, error) {
	config := api.DefaultConfig()
	if addr != "" {
		config.Address = addr
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConfig, "创建Consul客户端失败")
	}

	source := &ConsulSource{
		client:     client,
		path:       path,
		opts:       newOptions(nil),
		retryDelay: time.Second,
		waitTime:   time.Minute,
	}
	for _, opt := range opts {
		opt(source)
	}

	if err := source.Reload(); err != nil {
		return nil, err
	}
	return source, nil
}

// Reload 从Consul重新读取配置
func (s *ConsulSource) Reload() error {
	pair, meta, err := s.client.KV().Get(s.path, nil)
	if err != nil {
		return errors.Wrap(err, errors.CodeConfig, "从Consul获取配置失败")
	}
	if pair == nil {
		return errors.Newf(errors.CodeConfig, "配置路径 %s 不存在", s.path)
	}

	cfg, err := s.parse(pair.Value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.lastIndex = meta.LastIndex
	s.mu.Unlock()
	return nil
}

// parse YAML 是 JSON 的超集，两种格式都用 yaml.v3 解析
func (s *ConsulSource) parse(data []byte) (*Config, error) {
	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, errors.CodeConfig, "解析Consul配置失败")
	}

	v := newViper(s.opts)
	if err := v.MergeConfigMap(raw); err != nil {
		return nil, errors.Wrap(err, errors.CodeConfig, "合并Consul配置失败")
	}
	return decode(v, s.opts)
}

// Config 当前配置
func (s *ConsulSource) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Watch 阻塞查询监听配置变更
func (s *ConsulSource) Watch(ctx context.Context, onChange func()) error {
	kv := s.client.KV()

	for {
		s.mu.RLock()
		lastIndex := s.lastIndex
		s.mu.RUnlock()

		q := (&api.QueryOptions{WaitIndex: lastIndex, WaitTime: s.waitTime}).WithContext(ctx)
		_, meta, err := kv.Get(s.path, q)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			// 短暂等待后重试
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.retryDelay):
			}
			continue
		}

		// 索引回退说明 KV 被重建，从头开始
		if meta.LastIndex < lastIndex {
			s.mu.Lock()
			s.lastIndex = 0
			s.mu.Unlock()
			continue
		}
		if meta.LastIndex > lastIndex {
			s.mu.Lock()
			s.lastIndex = meta.LastIndex
			s.mu.Unlock()
			onChange()
		}
	}
}

// Client 获取Consul客户端
func (s *ConsulSource) Client() *api.Client {
	return s.client
}

// Path 获取配置路径
func (s *ConsulSource) Path() string {
	return s.path
}

var (
	_ Source  = (*ConsulSource)(nil)
	_ Watcher = (*ConsulSource)(nil)
)
