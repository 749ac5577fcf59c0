package log

import (
	"context"
	"sync"
)

// NamedLogger wraps a Logger with a component name
type NamedLogger struct {
	Logger
	name string
}

// NewNamedLogger creates a named logger
func NewNamedLogger(name string, logger Logger) *NamedLogger {
	return &NamedLogger{
		Logger: logger.With(String("logger", name)),
		name:   name,
	}
}

// Name returns the logger name
func (l *NamedLogger) Name() string {
	return l.name
}

func (l *NamedLogger) With(fields ...Field) Logger {
	return &NamedLogger{
		Logger: l.Logger.With(fields...),
		name:   l.name,
	}
}

func (l *NamedLogger) WithContext(ctx context.Context) Logger {
	return &NamedLogger{
		Logger: l.Logger.WithContext(ctx),
		name:   l.name,
	}
}

var (
	namedLoggers = make(map[string]*NamedLogger)
	namedMu      sync.RWMutex
)

// Named returns the registered logger for a component, creating it from Default
func Named(name string) *NamedLogger {
	namedMu.RLock()
	logger, ok := namedLoggers[name]
	namedMu.RUnlock()
	if ok {
		return logger
	}

	namedMu.Lock()
	defer namedMu.Unlock()
	if logger, ok := namedLoggers[name]; ok {
		return logger
	}
	logger = NewNamedLogger(name, Default())
	namedLoggers[name] = logger
	return logger
}

// ResetNamed drops cached named loggers so they pick up a new Default
func ResetNamed() {
	namedMu.Lock()
	namedLoggers = make(map[string]*NamedLogger)
	namedMu.Unlock()
}
