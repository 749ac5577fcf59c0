package config

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/goupter/nerve/pkg/check"
	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/reporter"
)

// ValidationError 校验错误
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("配置校验失败 [%s]: %s", e.Field, e.Message)
}

// ValidationErrors 多个校验错误
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors 是否有错误
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// ValidationRule 校验规则
type ValidationRule func(value any, field string) *ValidationError

// TypeSet 已注册的类型集合
type TypeSet interface {
	Has(typ string) bool
	Types() []string
}

// ConfigValidator 配置校验器
type ConfigValidator struct {
	checks    TypeSet
	reporters TypeSet
	errors    ValidationErrors
}

// ValidatorOption 校验器选项
type ValidatorOption func(*ConfigValidator)

// WithCheckTypes 使用自定义的检查类型注册表
func WithCheckTypes(types TypeSet) ValidatorOption {
	return func(v *ConfigValidator) {
		v.checks = types
	}
}

// WithReporterTypes 使用自定义的上报后端注册表
func WithReporterTypes(types TypeSet) ValidatorOption {
	return func(v *ConfigValidator) {
		v.reporters = types
	}
}

// NewConfigValidator 创建配置校验器，默认使用内置的检查和后端类型
func NewConfigValidator(opts ...ValidatorOption) *ConfigValidator {
	v := &ConfigValidator{}
	for _, opt := range opts {
		opt(v)
	}
	if v.checks == nil {
		v.checks = check.NewRegistry()
	}
	if v.reporters == nil {
		v.reporters = reporter.NewRegistry()
	}
	return v
}

func (v *ConfigValidator) add(err *ValidationError) {
	if err != nil {
		v.errors = append(v.errors, err)
	}
}

func (v *ConfigValidator) apply(value any, field string, rules ...ValidationRule) {
	for _, rule := range rules {
		if err := rule(value, field); err != nil {
			v.errors = append(v.errors, err)
			return
		}
	}
}

// ValidateConfig 校验配置
func (v *ConfigValidator) ValidateConfig(cfg *Config) ValidationErrors {
	v.errors = make(ValidationErrors, 0)

	if cfg == nil {
		v.add(&ValidationError{
			Field:   "config",
			Message: "配置不能为空",
		})
		return v.errors
	}

	v.apply(cfg.MaxRepeatedReportFailures, "max_repeated_report_failures", Min(1))
	if cfg.CheckInterval <= 0 {
		v.add(&ValidationError{
			Field:   "check_interval",
			Message: "检查间隔必须大于 0",
			Value:   cfg.CheckInterval.String(),
		})
	}
	v.validateRateLimit(cfg.RateLimit, "rate_limit")
	v.validateLog(cfg)
	v.validateNerve(cfg.Nerve)
	if cfg.Status.Enabled {
		v.apply(cfg.Status.Port, "status.port", Port)
	}

	desired := cfg.Desired()
	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v.validateService(desired[name], "services."+name)
	}

	return v.errors
}

// validateService 校验合并后的服务配置
func (v *ConfigValidator) validateService(svc ServiceSpec, prefix string) {
	if strings.HasSuffix(svc.Name, ReservedSuffix) {
		v.add(&ValidationError{
			Field:   prefix,
			Message: fmt.Sprintf("服务名不能以 %s 结尾", ReservedSuffix),
			Value:   svc.Name,
		})
	}
	v.apply(svc.InstanceID, prefix+".instance_id", Required)
	v.apply(svc.Host, prefix+".host", Required)
	v.apply(svc.Port, prefix+".port", Required, Port)

	if !v.reporters.Has(svc.ReporterType) {
		v.add(&ValidationError{
			Field:   prefix + ".reporter_type",
			Message: fmt.Sprintf("未知的上报后端，必须是: %s", strings.Join(v.reporters.Types(), ", ")),
			Value:   svc.ReporterType,
		})
	}
	if svc.Weight != nil && *svc.Weight < 0 {
		v.add(&ValidationError{
			Field:   prefix + ".weight",
			Message: "权重不能为负数",
			Value:   *svc.Weight,
		})
	}
	if svc.RateLimit != nil {
		v.validateRateLimit(*svc.RateLimit, prefix+".rate_limit")
	}

	for i, c := range svc.Checks {
		field := fmt.Sprintf("%s.checks[%d]", prefix, i)
		if !v.checks.Has(c.Type) {
			v.add(&ValidationError{
				Field:   field + ".type",
				Message: fmt.Sprintf("未知的检查类型，必须是: %s", strings.Join(v.checks.Types(), ", ")),
				Value:   c.Type,
			})
		}
		v.apply(c.Rise, field+".rise", Min(0))
		v.apply(c.Fall, field+".fall", Min(0))
		v.apply(c.Port, field+".port", Port)
		if c.Timeout < 0 {
			v.add(&ValidationError{
				Field:   field + ".timeout",
				Message: "超时不能为负数",
				Value:   c.Timeout.String(),
			})
		}
	}
}

// validateRateLimit 速率不能为负，桶容量至少为 1
func (v *ConfigValidator) validateRateLimit(rl RateLimitConfig, prefix string) {
	if math.IsNaN(rl.AverageRate) || rl.AverageRate < 0 {
		v.add(&ValidationError{
			Field:   prefix + ".average_rate",
			Message: "平均速率不能为负数",
			Value:   rl.AverageRate,
		})
	}
	if math.IsNaN(rl.MaxBurst) || (rl.Enabled && rl.MaxBurst < 1) || rl.MaxBurst < 0 {
		v.add(&ValidationError{
			Field:   prefix + ".max_burst",
			Message: "桶容量至少为 1",
			Value:   rl.MaxBurst,
		})
	}
}

// validateLog 校验日志配置
func (v *ConfigValidator) validateLog(cfg *Config) {
	v.apply(strings.ToLower(cfg.Log.Level), "log.level", OneOf("debug", "info", "warn", "error"))
	if cfg.Log.Format != "" {
		v.apply(cfg.Log.Format, "log.format", OneOf("json", "console"))
	}
	if cfg.Log.Output != "" {
		v.apply(cfg.Log.Output, "log.output", OneOf("stdout", "stderr", "file", "both"))
	}
	if (cfg.Log.Output == "file" || cfg.Log.Output == "both") && cfg.Log.Filename == "" {
		v.add(&ValidationError{
			Field:   "log.filename",
			Message: "输出到文件时必须指定文件名",
		})
	}
}

// validateNerve 校验主循环配置
func (v *ConfigValidator) validateNerve(cfg NerveConfig) {
	for field, d := range map[string]int64{
		"nerve.tick":            int64(cfg.Tick),
		"nerve.overlap_timeout": int64(cfg.OverlapTimeout),
		"nerve.stop_timeout":    int64(cfg.StopTimeout),
	} {
		if d < 0 {
			v.add(&ValidationError{
				Field:   field,
				Message: "时间间隔不能为负数",
				Value:   d,
			})
		}
	}
}

// containsString 检查字符串是否在切片中
func containsString(slice []string, s string) bool {
	for _, item := range slice {
		if item == s {
			return true
		}
	}
	return false
}

// ==================== 通用校验规则 ====================

// Required 必填校验
func Required(value any, field string) *ValidationError {
	if isEmptyValue(value) {
		return &ValidationError{
			Field:   field,
			Message: "该字段为必填项",
		}
	}
	return nil
}

// Min 最小值校验
func Min(min int) ValidationRule {
	return func(value any, field string) *ValidationError {
		v := reflect.ValueOf(value)
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v.Int() < int64(min) {
				return &ValidationError{
					Field:   field,
					Message: fmt.Sprintf("值不能小于 %d", min),
					Value:   value,
				}
			}
		case reflect.Slice, reflect.Array:
			if v.Len() < min {
				return &ValidationError{
					Field:   field,
					Message: fmt.Sprintf("元素数量不能少于 %d", min),
					Value:   value,
				}
			}
		}
		return nil
	}
}

// OneOf 枚举值校验
func OneOf(values ...string) ValidationRule {
	return func(value any, field string) *ValidationError {
		s, ok := value.(string)
		if !ok {
			return nil
		}
		if !containsString(values, s) {
			return &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("值必须是以下之一: %s", strings.Join(values, ", ")),
				Value:   value,
			}
		}
		return nil
	}
}

// Port 端口校验
func Port(value any, field string) *ValidationError {
	port, ok := value.(int)
	if !ok {
		return nil
	}
	if port < 0 || port > 65535 {
		return &ValidationError{
			Field:   field,
			Message: "端口必须在 0-65535 范围内",
			Value:   value,
		}
	}
	return nil
}

// isEmptyValue 检查值是否为空
func isEmptyValue(value any) bool {
	if value == nil {
		return true
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.String:
		return v.String() == ""
	case reflect.Array, reflect.Slice, reflect.Map:
		return v.Len() == 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// ==================== 便捷函数 ====================

// ValidateConfig 使用内置类型校验配置
func ValidateConfig(cfg *Config) ValidationErrors {
	return NewConfigValidator().ValidateConfig(cfg)
}

// Validate 校验失败时返回 CodeConfig 错误
func Validate(cfg *Config, opts ...ValidatorOption) error {
	if errs := NewConfigValidator(opts...).ValidateConfig(cfg); errs.HasErrors() {
		return errors.Wrap(errs, errors.CodeConfig, "配置校验失败").WithDetails(errs)
	}
	return nil
}

// ValidateAndLoad 加载并校验配置
func ValidateAndLoad(opts ...Option) (*Config, error) {
	cfg, err := Load(opts...)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
