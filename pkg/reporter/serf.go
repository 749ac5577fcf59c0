package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/log"
)

const (
	defaultSerfConfigDir = "/etc/serf"
	defaultSerfReload    = "killall -HUP serf"
	defaultSerfTTL       = time.Minute
	serfFilePrefix       = "zzz_nerve_"
)

// serfTags serf 配置片段，标签 smart:<name> = host:port
type serfTags struct {
	Tags map[string]string `json:"tags"`
}

// serfReporter 在 serf 配置目录写标签文件并让 serf 重新加载
//
// 没有远端连接，Ping 只反映续约状态；续约只刷新文件 mtime，启动时清理过期文件。
type serfReporter struct {
	spec   Spec
	cfg    SerfConfig
	path   string
	data   []byte
	retry  RetryPolicy
	logger log.Logger

	renewer *Renewer

	mu       sync.Mutex
	written  bool
	reloaded bool
	// removed 标签文件已删除但 serf 还未成功重载
	removed bool
}

func newSerf(spec Spec, deps Deps) (Reporter, error) {
	if err := requireFields(spec, "serf"); err != nil {
		return nil, err
	}
	cfg := spec.Serf
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = defaultSerfConfigDir
	}
	if cfg.ReloadCommand == "" {
		cfg.ReloadCommand = defaultSerfReload
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultSerfTTL
	}

	data, err := json.Marshal(serfTags{Tags: map[string]string{
		"smart:" + spec.Name: fmt.Sprintf("%s:%d", spec.Host, spec.Port),
	}})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConfig, "serf reporter: encode tags")
	}

	token := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	r := &serfReporter{
		spec:   spec,
		cfg:    cfg,
		path:   filepath.Join(cfg.ConfigDir, fmt.Sprintf("%s%s_%s.json", serfFilePrefix, sanitizeFileName(spec.Name), token)),
		data:   data,
		retry:  deps.Retry,
		logger: deps.Logger.With(log.Reporter("serf"), log.Service(spec.Name)),
	}
	r.renewer = NewRenewer(cfg.TTL/2, r.renew, r.logger)
	return r, nil
}

func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, name)
}

func (r *serfReporter) Start(ctx context.Context) error {
	if err := os.MkdirAll(r.cfg.ConfigDir, 0o755); err != nil {
		return errors.Wrapf(err, errors.CodeProtocol, "serf reporter: create %s", r.cfg.ConfigDir)
	}
	r.sweep()
	r.renewer.Start(ctx)
	return nil
}

// sweep 删除超过 2*TTL 未刷新的标签文件，它们属于已经退出的进程
func (r *serfReporter) sweep() {
	matches, err := filepath.Glob(filepath.Join(r.cfg.ConfigDir, serfFilePrefix+"*.json"))
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-2 * r.cfg.TTL)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			r.logger.Info("removed stale serf tag file", log.String("path", path))
		}
	}
}

func (r *serfReporter) Stop(ctx context.Context) error {
	_, err := r.ReportDown(ctx)
	r.renewer.Stop()
	return err
}

// reload 执行重载命令，失败视为可恢复
func (r *serfReporter) reload(ctx context.Context) error {
	return r.retry.Do(ctx, func(ctx context.Context) error {
		out, err := exec.CommandContext(ctx, "sh", "-c", r.cfg.ReloadCommand).CombinedOutput()
		if err != nil {
			return errors.Transient(err, "serf reload: "+strings.TrimSpace(string(out)))
		}
		return nil
	})
}

func (r *serfReporter) ReportUp(ctx context.Context) (bool, error) {
	r.mu.Lock()
	written, reloaded := r.written, r.reloaded
	r.mu.Unlock()
	if written && reloaded {
		// 内容不变，只需保证文件存在
		if _, err := os.Stat(r.path); err == nil {
			r.renewer.MarkWritten()
			return true, nil
		}
	}

	if err := writeFileAtomic(r.path, r.data); err != nil {
		return result(r.logger, "report up", errors.Wrap(err, errors.CodeProtocol, "serf write tag file"))
	}
	r.mu.Lock()
	r.written, r.reloaded, r.removed = true, false, false
	r.mu.Unlock()
	r.renewer.MarkWritten()
	r.logger.Info("wrote serf tag file", log.String("path", r.path))

	err := r.reload(ctx)
	if err == nil {
		r.mu.Lock()
		r.reloaded = true
		r.mu.Unlock()
	}
	return result(r.logger, "report up", err)
}

func (r *serfReporter) ReportDown(ctx context.Context) (bool, error) {
	r.renewer.Clear()
	r.mu.Lock()
	written, removed := r.written, r.removed
	r.mu.Unlock()
	if !written && !removed {
		return true, nil
	}

	if written {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return result(r.logger, "report down", errors.Wrap(err, errors.CodeProtocol, "serf remove tag file"))
		}
		r.mu.Lock()
		r.written, r.reloaded, r.removed = false, false, true
		r.mu.Unlock()
		r.logger.Info("removed serf tag file", log.String("path", r.path))
	}

	err := r.reload(ctx)
	if err == nil {
		r.mu.Lock()
		r.removed = false
		r.mu.Unlock()
	}
	return result(r.logger, "report down", err)
}

// renew 刷新文件 mtime，文件被删则返回 ErrNoNode
func (r *serfReporter) renew(ctx context.Context) error {
	now := time.Now()
	err := os.Chtimes(r.path, now, now)
	if os.IsNotExist(err) {
		r.mu.Lock()
		r.written = false
		r.mu.Unlock()
		return errors.ErrNoNode.WithCause(err)
	}
	if err != nil {
		return errors.Transient(err, "serf touch tag file")
	}
	return nil
}

func (r *serfReporter) Ping(ctx context.Context) (bool, error) {
	return r.renewer.check()
}

// Path 标签文件路径
func (r *serfReporter) Path() string {
	return r.path
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".nerve-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
