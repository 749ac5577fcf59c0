package reporter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/log"
)

// DefaultType 未指定 reporter_type 时使用的后端
const DefaultType = "zookeeper"

// Reporter 把服务状态写入注册中心
//
// 所有方法可重复调用。ReportUp/ReportDown 都是 upsert 语义，不依赖上一次调用的结果。
// 返回 (false, nil) 表示可恢复的失败；返回 error 表示协议级错误，调用方应当退出。
type Reporter interface {
	// Start 获取共享连接，新建连接失败时立即返回错误
	Start(ctx context.Context) error
	// Stop 先 ReportDown，再释放连接引用
	Stop(ctx context.Context) error
	ReportUp(ctx context.Context) (bool, error)
	ReportDown(ctx context.Context) (bool, error)
	// Ping 探测连接，带 TTL 的后端在这里暴露续约中的错误
	Ping(ctx context.Context) (bool, error)
}

// Record 注册记录
type Record struct {
	Host                 string            `json:"host"`
	Port                 int               `json:"port"`
	Name                 string            `json:"name"`
	Weight               *int              `json:"weight,omitempty"`
	Labels               map[string]string `json:"labels,omitempty"`
	HAProxyServerOptions string            `json:"haproxy_server_options,omitempty"`
}

// Encode 序列化为注册中心节点内容
func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// ZookeeperConfig zookeeper 后端配置
type ZookeeperConfig struct {
	Hosts          []string      `mapstructure:"hosts" json:"hosts,omitempty"`
	Path           string        `mapstructure:"path" json:"path,omitempty"`
	KeyStrategy    string        `mapstructure:"key_strategy" json:"key_strategy,omitempty"`
	TTL            time.Duration `mapstructure:"ttl" json:"ttl,omitempty"`
	SessionTimeout time.Duration `mapstructure:"session_timeout" json:"session_timeout,omitempty"`
}

// EtcdConfig etcd 后端配置
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints" json:"endpoints,omitempty"`
	Path        string        `mapstructure:"path" json:"path,omitempty"`
	KeyStrategy string        `mapstructure:"key_strategy" json:"key_strategy,omitempty"`
	TTL         time.Duration `mapstructure:"ttl" json:"ttl,omitempty"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" json:"dial_timeout,omitempty"`
	Username    string        `mapstructure:"username" json:"username,omitempty"`
	Password    string        `mapstructure:"password" json:"password,omitempty"`
}

// ConsulConfig consul 后端配置
type ConsulConfig struct {
	Address         string        `mapstructure:"address" json:"address,omitempty"`
	Token           string        `mapstructure:"token" json:"token,omitempty"`
	Datacenter      string        `mapstructure:"datacenter" json:"datacenter,omitempty"`
	Tags            []string      `mapstructure:"tags" json:"tags,omitempty"`
	TTL             time.Duration `mapstructure:"ttl" json:"ttl,omitempty"`
	DeregisterAfter time.Duration `mapstructure:"deregister_after" json:"deregister_after,omitempty"`
	Timeout         time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
}

// RedisConfig redis 后端配置
type RedisConfig struct {
	Addrs       []string      `mapstructure:"addrs" json:"addrs,omitempty"`
	Prefix      string        `mapstructure:"prefix" json:"prefix,omitempty"`
	KeyStrategy string        `mapstructure:"key_strategy" json:"key_strategy,omitempty"`
	TTL         time.Duration `mapstructure:"ttl" json:"ttl,omitempty"`
	Password    string        `mapstructure:"password" json:"password,omitempty"`
	DB          int           `mapstructure:"db" json:"db,omitempty"`
}

// SerfConfig serf 标签文件后端配置
type SerfConfig struct {
	ConfigDir     string        `mapstructure:"config_dir" json:"config_dir,omitempty"`
	ReloadCommand string        `mapstructure:"reload_command" json:"reload_command,omitempty"`
	TTL           time.Duration `mapstructure:"ttl" json:"ttl,omitempty"`
}

// MemoryConfig 进程内后端配置
type MemoryConfig struct {
	Namespace string `mapstructure:"namespace" json:"namespace,omitempty"`
}

// Spec 构造 Reporter 所需的合并后的服务信息
type Spec struct {
	Type                 string
	Name                 string
	InstanceID           string
	Host                 string
	Port                 int
	Weight               *int
	Labels               map[string]string
	HAProxyServerOptions string

	Zookeeper ZookeeperConfig
	Etcd      EtcdConfig
	Consul    ConsulConfig
	Redis     RedisConfig
	Serf      SerfConfig
	Memory    MemoryConfig
}

// Record 由服务信息生成注册记录，name 字段为实例ID
func (s Spec) Record() Record {
	return Record{
		Host:                 s.Host,
		Port:                 s.Port,
		Name:                 s.InstanceID,
		Weight:               s.Weight,
		Labels:               s.Labels,
		HAProxyServerOptions: s.HAProxyServerOptions,
	}
}

// Deps Reporter 的共享依赖，由组合根创建
type Deps struct {
	Pool   *Pool
	Memory *MemoryStore
	Retry  RetryPolicy
	Logger log.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Pool == nil {
		d.Pool = NewPool()
	}
	if d.Memory == nil {
		d.Memory = NewMemoryStore()
	}
	if d.Retry.Attempts == 0 {
		d.Retry = DefaultRetryPolicy
	}
	if d.Logger == nil {
		d.Logger = log.Named("reporter")
	}
	return d
}

// result 把后端错误归类为 Reporter 的返回约定
func result(logger log.Logger, op string, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.IsTransient(err) {
		logger.Warn(op+" failed", log.Error(err))
		return false, nil
	}
	logger.Error(op+" failed with unrecoverable error", log.Error(err))
	return false, err
}

func requireFields(spec Spec, backend string) error {
	switch {
	case spec.Name == "":
		return errors.Newf(errors.CodeConfig, "%s reporter: missing service name", backend)
	case spec.InstanceID == "":
		return errors.Newf(errors.CodeConfig, "%s reporter: missing instance_id", backend)
	case spec.Host == "":
		return errors.Newf(errors.CodeConfig, "%s reporter: missing host", backend)
	case spec.Port <= 0:
		return errors.Newf(errors.CodeConfig, "%s reporter: missing port", backend)
	}
	return nil
}
