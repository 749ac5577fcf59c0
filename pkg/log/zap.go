package log

import (
	"context"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	defaultLogger Logger
	defaultMu     sync.RWMutex
)

// zapLogger zap日志实现
type zapLogger struct {
	logger *zap.Logger
	level  zap.AtomicLevel
	fields []Field
}

// New 创建zap日志实例
func New(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level := zap.NewAtomicLevelAt(toZapLevel(ParseLevel(cfg.Level)))

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writers []io.Writer
	switch cfg.Output {
	case "stderr":
		writers = append(writers, os.Stderr)
	case "file":
		if cfg.Filename != "" {
			writers = append(writers, newFileWriter(cfg))
		}
	case "both":
		writers = append(writers, os.Stdout)
		if cfg.Filename != "" {
			writers = append(writers, newFileWriter(cfg))
		}
	default:
		writers = append(writers, os.Stdout)
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	writeSyncers := make([]zapcore.WriteSyncer, 0, len(writers))
	for _, w := range writers {
		writeSyncers = append(writeSyncers, zapcore.AddSync(w))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writeSyncers...), level)
	return newZapLogger(core, level), nil
}

// NewWithWriter 输出到指定 writer 的日志实例，主要用于测试
func NewWithWriter(w io.Writer, level Level) Logger {
	atom := zap.NewAtomicLevelAt(toZapLevel(level))
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(w), atom)
	return newZapLogger(core, atom)
}

// Nop 丢弃所有输出
func Nop() Logger {
	return &zapLogger{
		logger: zap.NewNop(),
		level:  zap.NewAtomicLevelAt(zapcore.InfoLevel),
	}
}

func newZapLogger(core zapcore.Core, level zap.AtomicLevel) *zapLogger {
	return &zapLogger{
		logger: zap.New(core,
			zap.AddCaller(),
			zap.AddCallerSkip(1),
			zap.AddStacktrace(zapcore.ErrorLevel),
		),
		level: level,
	}
}

// newFileWriter 创建滚动文件写入器
func newFileWriter(cfg *Config) io.Writer {
	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields []Field) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok && f.Key == "error" {
			zapFields = append(zapFields, zap.Error(err))
			continue
		}
		zapFields = append(zapFields, zap.Any(f.Key, f.Value))
	}
	return zapFields
}

func (l *zapLogger) merge(fields []Field) []zap.Field {
	if len(l.fields) == 0 {
		return toZapFields(fields)
	}
	all := make([]Field, 0, len(l.fields)+len(fields))
	all = append(all, l.fields...)
	all = append(all, fields...)
	return toZapFields(all)
}

func (l *zapLogger) Debug(msg string, fields ...Field) {
	l.logger.Debug(msg, l.merge(fields)...)
}

func (l *zapLogger) Info(msg string, fields ...Field) {
	l.logger.Info(msg, l.merge(fields)...)
}

func (l *zapLogger) Warn(msg string, fields ...Field) {
	l.logger.Warn(msg, l.merge(fields)...)
}

func (l *zapLogger) Error(msg string, fields ...Field) {
	l.logger.Error(msg, l.merge(fields)...)
}

func (l *zapLogger) Fatal(msg string, fields ...Field) {
	l.logger.Fatal(msg, l.merge(fields)...)
}

func (l *zapLogger) With(fields ...Field) Logger {
	newFields := make([]Field, 0, len(l.fields)+len(fields))
	newFields = append(newFields, l.fields...)
	newFields = append(newFields, fields...)
	return &zapLogger{
		logger: l.logger,
		level:  l.level,
		fields: newFields,
	}
}

func (l *zapLogger) WithContext(ctx context.Context) Logger {
	var fields []Field
	if name := ServiceFromContext(ctx); name != "" {
		fields = append(fields, Service(name))
	}
	if id := InstanceIDFromContext(ctx); id != "" {
		fields = append(fields, InstanceID(id))
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

func (l *zapLogger) SetLevel(level Level) {
	l.level.SetLevel(toZapLevel(level))
}

func (l *zapLogger) GetLevel() Level {
	switch l.level.Level() {
	case zapcore.DebugLevel:
		return DebugLevel
	case zapcore.WarnLevel:
		return WarnLevel
	case zapcore.ErrorLevel:
		return ErrorLevel
	case zapcore.FatalLevel:
		return FatalLevel
	default:
		return InfoLevel
	}
}

func (l *zapLogger) Sync() error {
	return l.logger.Sync()
}

// Default 获取默认日志实例
func Default() Logger {
	defaultMu.RLock()
	logger := defaultLogger
	defaultMu.RUnlock()
	if logger != nil {
		return logger
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger, _ = New(&Config{Level: "info", Format: "json", Output: "stdout"})
	}
	return defaultLogger
}

// SetDefault 设置默认日志实例
func SetDefault(logger Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// Info 使用默认Logger输出信息日志
func Info(msg string, fields ...Field) {
	Default().Info(msg, fields...)
}

// Warn 使用默认Logger输出警告日志
func Warn(msg string, fields ...Field) {
	Default().Warn(msg, fields...)
}

// Err 使用默认Logger输出错误日志
func Err(msg string, fields ...Field) {
	Default().Error(msg, fields...)
}

// Sync 同步默认日志缓冲
func Sync() error {
	return Default().Sync()
}
