package log

import (
	"context"
	"strings"
)

// Level 日志级别
type Level int8

const (
	// DebugLevel 调试级别
	DebugLevel Level = iota - 1
	// InfoLevel 信息级别
	InfoLevel
	// WarnLevel 警告级别
	WarnLevel
	// ErrorLevel 错误级别
	ErrorLevel
	// FatalLevel 致命错误级别
	FatalLevel
)

// String 返回日志级别字符串
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseLevel 解析日志级别字符串
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// Field 日志字段
type Field struct {
	Key   string
	Value interface{}
}

// String 创建字符串字段
func String(key string, val string) Field {
	return Field{Key: key, Value: val}
}

// Int 创建整数字段
func Int(key string, val int) Field {
	return Field{Key: key, Value: val}
}

// Int64 创建int64字段
func Int64(key string, val int64) Field {
	return Field{Key: key, Value: val}
}

// Float64 创建float64字段
func Float64(key string, val float64) Field {
	return Field{Key: key, Value: val}
}

// Bool 创建布尔字段
func Bool(key string, val bool) Field {
	return Field{Key: key, Value: val}
}

// Error 创建错误字段
func Error(err error) Field {
	return Field{Key: "error", Value: err}
}

// Any 创建任意类型字段
func Any(key string, val interface{}) Field {
	return Field{Key: key, Value: val}
}

// Logger 日志接口
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// Fatal 输出致命错误日志并退出程序
	Fatal(msg string, fields ...Field)

	// With 返回带有预设字段的新Logger
	With(fields ...Field) Logger
	// WithContext 附加上下文中的服务信息
	WithContext(ctx context.Context) Logger

	SetLevel(level Level)
	GetLevel() Level

	// Sync 同步日志缓冲
	Sync() error
}

// Config 日志配置
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, console
	Output     string `mapstructure:"output"` // stdout, stderr, file, both
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

type contextKey int

const (
	serviceKey contextKey = iota
	instanceKey
)

// WithService 把服务名写入上下文
func WithService(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, serviceKey, name)
}

// ServiceFromContext 从上下文获取服务名
func ServiceFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(serviceKey).(string); ok {
		return name
	}
	return ""
}

// WithInstanceID 把实例ID写入上下文
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceKey, id)
}

// InstanceIDFromContext 从上下文获取实例ID
func InstanceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(instanceKey).(string); ok {
		return id
	}
	return ""
}
