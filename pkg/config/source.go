package config

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/goupter/nerve/pkg/errors"
)

// Source 配置源，主循环只通过它读取期望状态
type Source interface {
	// Reload 重新读取配置
	Reload() error
	// Config 最近一次成功读取的配置
	Config() *Config
}

// Watcher 支持变更通知的配置源
type Watcher interface {
	// Watch 阻塞直到 ctx 取消，配置变化时调用 onChange
	Watch(ctx context.Context, onChange func()) error
}

// FileSource 文件配置源
type FileSource struct {
	opts *options

	mu  sync.RWMutex
	cfg *Config
	v   *viper.Viper
}

// NewFileSource 创建文件配置源并立即加载一次
func NewFileSource(opts ...Option) (*FileSource, error) {
	s := &FileSource{opts: newOptions(opts)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload 重新读取配置文件
func (s *FileSource) Reload() error {
	v, cfg, err := read(s.opts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.v = v
	s.mu.Unlock()
	return nil
}

// Config 当前配置
func (s *FileSource) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// File 实际使用的配置文件，未找到时为空
func (s *FileSource) File() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.v == nil {
		return ""
	}
	return s.v.ConfigFileUsed()
}

// Watch 监听配置文件和 service_conf_dir 的变化
func (s *FileSource) Watch(ctx context.Context, onChange func()) error {
	s.mu.RLock()
	v, cfg := s.v, s.cfg
	s.mu.RUnlock()

	if v != nil && v.ConfigFileUsed() != "" {
		// 只用这个 viper 实例监听，重新加载始终走 Reload
		v.OnConfigChange(func(fsnotify.Event) {
			if ctx.Err() == nil {
				onChange()
			}
		})
		v.WatchConfig()
	}

	if cfg != nil && cfg.ServiceConfDir != "" {
		return watchServiceDir(ctx, cfg.ServiceConfDir, onChange)
	}
	<-ctx.Done()
	return nil
}

// watchServiceDir 服务目录下的 yaml/json 文件增删改都触发 onChange
func watchServiceDir(ctx context.Context, dir string, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.CodeConfig, "创建目录监听失败")
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, errors.CodeConfig, "监听服务配置目录 %s 失败", dir)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if isServiceFile(event.Name) && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return errors.Wrapf(err, errors.CodeConfig, "服务配置目录 %s 监听出错", dir)
		}
	}
}

var (
	_ Source  = (*FileSource)(nil)
	_ Watcher = (*FileSource)(nil)
)
