package check

import (
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/log"
)

// Factory 根据配置构造探测器
type Factory func(spec Spec) (Probe, error)

// Registry 检查类型注册表
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry 创建注册表并注册内置检查类型
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("tcp", newTCPProbe)
	r.Register("http", newHTTPProbe)
	r.Register("redis", newRedisProbe)
	r.Register("mysql", newMySQLProbe)
	r.Register("nats", newNATSProbe)
	r.Register("grpc", newGRPCProbe)
	r.Register("noop", newNoopProbe)
	return r
}

// Register 注册检查类型，同名覆盖
func (r *Registry) Register(typ string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = factory
}

// Has 是否支持该类型
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// Types 已注册的类型
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

// Build 构造检查，spec 应已补全默认值
func (r *Registry) Build(spec Spec, opts ...Option) (*Check, error) {
	r.mu.RLock()
	factory, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.CodeUnknownType, "unknown check type %q", spec.Type)
	}

	probe, err := factory(spec)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeConfig, "invalid %s check %q", spec.Type, spec.Name)
	}
	return New(spec, probe, opts...), nil
}

// decodeParams 把类型相关参数解码进结构体，支持字符串数字和时长字符串
func decodeParams(params map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func componentLogger(name string) log.Logger {
	return log.Named("check." + name)
}
