package reporter

import (
	"sort"
	"sync"

	"github.com/goupter/nerve/pkg/errors"
)

// Factory 根据服务信息构造 Reporter
type Factory func(spec Spec, deps Deps) (Reporter, error)

// Registry 上报后端注册表
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry 创建注册表并注册内置后端
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("zookeeper", newZookeeper)
	r.Register("etcd", newEtcd)
	r.Register("consul", newConsul)
	r.Register("redis", newRedis)
	r.Register("serf", newSerf)
	r.Register("memory", newMemory)
	return r
}

// Register 注册后端，同名覆盖
func (r *Registry) Register(typ string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = factory
}

// Has 是否支持该类型，空类型按默认后端处理
func (r *Registry) Has(typ string) bool {
	if typ == "" {
		typ = DefaultType
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// Types 已注册的后端
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Build 构造 Reporter，未知类型返回 CodeUnknownType
func (r *Registry) Build(spec Spec, deps Deps) (Reporter, error) {
	if spec.Type == "" {
		spec.Type = DefaultType
	}
	r.mu.RLock()
	factory, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.CodeUnknownType, "unknown reporter_type %q", spec.Type)
	}
	return factory(spec, deps.withDefaults())
}
