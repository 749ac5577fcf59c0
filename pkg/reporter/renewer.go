package reporter

import (
	"context"
	"sync"
	"time"

	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/log"
)

// RenewFunc 重写一次已存在的注册记录
type RenewFunc func(ctx context.Context) error

// Renewer 独立于检查周期的 TTL 续约循环
//
// 每 refresh/2 检查一次，距离上次写入超过 refresh 时调用 renew。
// 记录从未写入时不做任何事。节点丢失和临时错误只记日志，
// 节点丢失额外置 lost 标记；协议错误保存下来，由下一次 Ping 暴露。
type Renewer struct {
	refresh time.Duration
	renew   RenewFunc
	logger  log.Logger
	now     func() time.Time

	mu        sync.Mutex
	written   bool
	lastWrite time.Time
	lost      bool
	err       error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRenewer 创建续约器
func NewRenewer(refresh time.Duration, renew RenewFunc, logger log.Logger) *Renewer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Renewer{
		refresh: refresh,
		renew:   renew,
		logger:  logger,
		now:     time.Now,
	}
}

// Start 启动后台循环，重复调用无效果
func (r *Renewer) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil || r.refresh <= 0 {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Stop 停止后台循环并等待退出
func (r *Renewer) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *Renewer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := r.refresh / 2
	if interval <= 0 {
		interval = r.refresh
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick 执行一次续约判断
func (r *Renewer) tick(ctx context.Context) {
	r.mu.Lock()
	due := r.written && r.now().Sub(r.lastWrite) >= r.refresh
	r.mu.Unlock()
	if !due {
		return
	}

	err := r.renew(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case err == nil:
		if r.written {
			r.lastWrite = r.now()
		}
	case errors.IsCode(err, errors.CodeNoNode):
		r.logger.Warn("registration vanished during renewal", log.Error(err))
		r.written = false
		r.lost = true
	case errors.IsTransient(err):
		r.logger.Warn("renewal failed, will retry", log.Error(err))
	default:
		r.logger.Error("renewal failed with unrecoverable error", log.Error(err))
		if r.err == nil {
			r.err = err
		}
	}
}

// MarkWritten 记录一次成功写入
func (r *Renewer) MarkWritten() {
	r.mu.Lock()
	r.written = true
	r.lost = false
	r.lastWrite = r.now()
	r.mu.Unlock()
}

// Clear 记录已删除，停止续约
func (r *Renewer) Clear() {
	r.mu.Lock()
	r.written = false
	r.mu.Unlock()
}

// TakeLost 返回并清除节点丢失标记
func (r *Renewer) TakeLost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	lost := r.lost
	r.lost = false
	return lost
}

// Err 续约中遇到的第一个协议错误
func (r *Renewer) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// check 给 Ping 用：有协议错误返回错误，节点丢失返回 false
func (r *Renewer) check() (bool, error) {
	if r == nil {
		return true, nil
	}
	if err := r.Err(); err != nil {
		return false, err
	}
	if r.TakeLost() {
		return false, nil
	}
	return true, nil
}
