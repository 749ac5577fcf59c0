package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/goupter/nerve/pkg/check"
	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/log"
	"github.com/goupter/nerve/pkg/reporter"
)

// ReservedSuffix 配置更新期间主循环给旧 Watcher 加的名字后缀
const ReservedSuffix = "_nerve_old"

// Config nerve 配置结构
type Config struct {
	InstanceID                string                 `mapstructure:"instance_id"`
	HeartbeatPath             string                 `mapstructure:"heartbeat_path"`
	MaxRepeatedReportFailures int                    `mapstructure:"max_repeated_report_failures"`
	CheckInterval             time.Duration          `mapstructure:"check_interval"`
	RateLimit                 RateLimitConfig        `mapstructure:"rate_limit"`
	ServiceConfDir            string                 `mapstructure:"service_conf_dir"`
	Services                  map[string]ServiceSpec `mapstructure:"services"`
	Log                       log.Config             `mapstructure:"log"`
	Status                    StatusConfig           `mapstructure:"status"`
	Nerve                     NerveConfig            `mapstructure:"nerve"`
	ReloadOnChange            bool                   `mapstructure:"reload_on_change"`
}

// RateLimitConfig 上报限流配置，默认关闭
type RateLimitConfig struct {
	Enabled     bool    `mapstructure:"enabled" json:"enabled"`
	AverageRate float64 `mapstructure:"average_rate" json:"average_rate"`
	MaxBurst    float64 `mapstructure:"max_burst" json:"max_burst"`
}

// MarshalJSON 无穷大编码为字符串 "inf"，标准库不支持 Inf
func (r RateLimitConfig) MarshalJSON() ([]byte, error) {
	enc := func(f float64) interface{} {
		if math.IsInf(f, 1) {
			return "inf"
		}
		return f
	}
	return json.Marshal(map[string]interface{}{
		"enabled":      r.Enabled,
		"average_rate": enc(r.AverageRate),
		"max_burst":    enc(r.MaxBurst),
	})
}

// StatusConfig 状态服务配置
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	PProf   bool   `mapstructure:"pprof"`
}

// Addr 监听地址
func (s StatusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// NerveConfig 主循环配置
type NerveConfig struct {
	Tick           time.Duration `mapstructure:"tick"`
	OverlapTimeout time.Duration `mapstructure:"overlap_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

// ServiceSpec 单个服务的配置
type ServiceSpec struct {
	Name                      string            `mapstructure:"name" json:"name"`
	InstanceID                string            `mapstructure:"instance_id" json:"instance_id"`
	Host                      string            `mapstructure:"host" json:"host"`
	Port                      int               `mapstructure:"port" json:"port"`
	CheckInterval             time.Duration     `mapstructure:"check_interval" json:"check_interval"`
	Weight                    *int              `mapstructure:"weight" json:"weight,omitempty"`
	Labels                    map[string]string `mapstructure:"labels" json:"labels,omitempty"`
	HAProxyServerOptions      string            `mapstructure:"haproxy_server_options" json:"haproxy_server_options,omitempty"`
	ReporterType              string            `mapstructure:"reporter_type" json:"reporter_type"`
	MaxRepeatedReportFailures int               `mapstructure:"max_repeated_report_failures" json:"max_repeated_report_failures"`
	RateLimit                 *RateLimitConfig  `mapstructure:"rate_limit" json:"rate_limit,omitempty"`
	Checks                    []check.Spec      `mapstructure:"checks" json:"checks"`

	Zookeeper reporter.ZookeeperConfig `mapstructure:"zookeeper" json:"zookeeper"`
	Etcd      reporter.EtcdConfig      `mapstructure:"etcd" json:"etcd"`
	Consul    reporter.ConsulConfig    `mapstructure:"consul" json:"consul"`
	Redis     reporter.RedisConfig     `mapstructure:"redis" json:"redis"`
	Serf      reporter.SerfConfig      `mapstructure:"serf" json:"serf"`
	Memory    reporter.MemoryConfig    `mapstructure:"memory" json:"memory"`
}

// ReporterSpec 转成构造 Reporter 所需的信息
func (s ServiceSpec) ReporterSpec() reporter.Spec {
	return reporter.Spec{
		Type:                 s.ReporterType,
		Name:                 s.Name,
		InstanceID:           s.InstanceID,
		Host:                 s.Host,
		Port:                 s.Port,
		Weight:               s.Weight,
		Labels:               s.Labels,
		HAProxyServerOptions: s.HAProxyServerOptions,
		Zookeeper:            s.Zookeeper,
		Etcd:                 s.Etcd,
		Consul:               s.Consul,
		Redis:                s.Redis,
		Serf:                 s.Serf,
		Memory:               s.Memory,
	}
}

// Clone 深拷贝，Watcher 持有的副本被修改不会影响期望状态
func (s ServiceSpec) Clone() ServiceSpec {
	out := s
	if s.Weight != nil {
		w := *s.Weight
		out.Weight = &w
	}
	if s.RateLimit != nil {
		rl := *s.RateLimit
		out.RateLimit = &rl
	}
	out.Labels = cloneStrings(s.Labels)
	if s.Checks != nil {
		out.Checks = make([]check.Spec, len(s.Checks))
		for i, c := range s.Checks {
			c.Params = cloneValue(c.Params).(map[string]interface{})
			out.Checks[i] = c
		}
	}
	out.Zookeeper.Hosts = cloneSlice(s.Zookeeper.Hosts)
	out.Etcd.Endpoints = cloneSlice(s.Etcd.Endpoints)
	out.Consul.Tags = cloneSlice(s.Consul.Tags)
	out.Redis.Addrs = cloneSlice(s.Redis.Addrs)
	return out
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSlice(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if t == nil {
			return t
		}
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			out[k] = cloneValue(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, v := range t {
			out[i] = cloneValue(v)
		}
		return out
	default:
		return v
	}
}

// Desired 把全局默认值合并进每个服务，返回深拷贝
func (c *Config) Desired() map[string]ServiceSpec {
	out := make(map[string]ServiceSpec, len(c.Services))
	for name, svc := range c.Services {
		spec := svc.Clone()
		spec.Name = name
		if spec.InstanceID == "" {
			spec.InstanceID = c.InstanceID
		}
		if spec.CheckInterval <= 0 {
			spec.CheckInterval = c.CheckInterval
		}
		if spec.MaxRepeatedReportFailures <= 0 {
			spec.MaxRepeatedReportFailures = c.MaxRepeatedReportFailures
		}
		if spec.RateLimit == nil {
			rl := c.RateLimit
			spec.RateLimit = &rl
		}
		if spec.ReporterType == "" {
			spec.ReporterType = reporter.DefaultType
		}
		out[name] = spec
	}
	return out
}

// ServiceNames 已排序的服务名
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Option 配置选项
type Option func(*options)

type options struct {
	configFile  string
	configType  string
	configPaths []string
	envPrefix   string
	instanceID  string
}

// WithConfigFile 设置配置文件路径
func WithConfigFile(file string) Option {
	return func(o *options) {
		o.configFile = file
	}
}

// WithConfigType 设置配置文件类型
func WithConfigType(t string) Option {
	return func(o *options) {
		o.configType = t
	}
}

// WithConfigPaths 设置配置文件搜索路径
func WithConfigPaths(paths ...string) Option {
	return func(o *options) {
		o.configPaths = paths
	}
}

// WithEnvPrefix 设置环境变量前缀
func WithEnvPrefix(prefix string) Option {
	return func(o *options) {
		o.envPrefix = prefix
	}
}

// WithInstanceID 命令行指定的实例ID，优先级最高
func WithInstanceID(id string) Option {
	return func(o *options) {
		o.instanceID = id
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		configType:  "yaml",
		configPaths: []string{".", "./config", "/etc/nerve"},
		envPrefix:   "NERVE",
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func newViper(o *options) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load 加载配置文件和 service_conf_dir 下的服务文件
func Load(opts ...Option) (*Config, error) {
	_, cfg, err := read(newOptions(opts))
	return cfg, err
}

func read(o *options) (*viper.Viper, *Config, error) {
	v := newViper(o)
	if o.configFile != "" {
		v.SetConfigFile(o.configFile)
	} else {
		v.SetConfigName("nerve")
		v.SetConfigType(o.configType)
		for _, path := range o.configPaths {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || o.configFile != "" {
			return nil, nil, errors.Wrap(err, errors.CodeConfig, "读取配置文件失败")
		}
		// 配置文件不存在时使用默认值
	}

	cfg, err := decode(v, o)
	if err != nil {
		return nil, nil, err
	}
	return v, cfg, nil
}

// decode 解析 viper 中的配置并补全服务目录和实例ID
func decode(v *viper.Viper, o *options) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.CodeConfig, "解析配置失败")
	}
	if cfg.Services == nil {
		cfg.Services = make(map[string]ServiceSpec)
	}

	if cfg.ServiceConfDir != "" {
		services, err := loadServiceDir(cfg.ServiceConfDir)
		if err != nil {
			return nil, err
		}
		for name, svc := range services {
			cfg.Services[name] = svc
		}
	}

	if o.instanceID != "" {
		cfg.InstanceID = o.instanceID
	}
	return cfg, nil
}

// loadServiceDir 目录下每个 yaml/json 文件是一个服务，服务名取文件名
func loadServiceDir(dir string) (map[string]ServiceSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeConfig, "读取服务配置目录 %s 失败", dir)
	}

	services := make(map[string]ServiceSpec)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !isServiceFile(entry.Name()) {
			continue
		}
		ext := filepath.Ext(entry.Name())

		path := filepath.Join(dir, entry.Name())
		vp := viper.New()
		vp.SetConfigFile(path)
		if err := vp.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, errors.CodeConfig, "读取服务配置 %s 失败", path)
		}
		var svc ServiceSpec
		if err := vp.Unmarshal(&svc); err != nil {
			return nil, errors.Wrapf(err, errors.CodeConfig, "解析服务配置 %s 失败", path)
		}
		services[strings.TrimSuffix(entry.Name(), ext)] = svc
	}
	return services, nil
}

func isServiceFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("instance_id", "")
	v.SetDefault("heartbeat_path", "")
	v.SetDefault("max_repeated_report_failures", 10)
	v.SetDefault("check_interval", "500ms")
	v.SetDefault("reload_on_change", false)

	// 限流默认值
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.average_rate", 10)
	v.SetDefault("rate_limit.max_burst", 20)

	// 主循环默认值
	v.SetDefault("nerve.tick", "10s")
	v.SetDefault("nerve.overlap_timeout", "30s")
	v.SetDefault("nerve.stop_timeout", "10s")

	// 状态服务默认值
	v.SetDefault("status.enabled", false)
	v.SetDefault("status.host", "127.0.0.1")
	v.SetDefault("status.port", 1025)
	v.SetDefault("status.pprof", false)

	// 日志默认值
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 7)
	v.SetDefault("log.compress", true)
}
