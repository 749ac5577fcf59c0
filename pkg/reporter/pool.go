package reporter

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/log"
)

// Conn 可被多个 Reporter 共享的注册中心连接
type Conn interface {
	Connected() bool
	Close() error
}

// DialFunc 建立一个新连接
type DialFunc func(ctx context.Context) (Conn, error)

type poolEntry struct {
	conn Conn
	refs int
}

// Pool 按端点集合共享连接，引用计数归零时关闭
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	logger  log.Logger
}

// PoolOption 连接池选项
type PoolOption func(*Pool)

// WithPoolLogger 设置日志
func WithPoolLogger(logger log.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool 创建连接池
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{entries: make(map[string]*poolEntry)}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.Nop()
	}
	return p
}

// PoolKey 连接池键：类型加排序后逗号拼接的端点列表
func PoolKey(kind string, endpoints []string) string {
	sorted := append([]string(nil), endpoints...)
	sort.Strings(sorted)
	return kind + "://" + strings.Join(sorted, ",")
}

// Acquire 取得连接并增加引用，首次使用时建立连接
func (p *Pool) Acquire(ctx context.Context, key string, dial DialFunc) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[key]; ok {
		e.refs++
		return e.conn, nil
	}

	conn, err := dial(ctx)
	if err != nil {
		if errors.GetCode(err) == errors.CodeInternal {
			err = errors.Transient(err, "connect "+key)
		}
		return nil, err
	}
	p.entries[key] = &poolEntry{conn: conn, refs: 1}
	p.logger.Info("pooled connection opened", log.String("key", key))
	return conn, nil
}

// Release 减少引用，归零时关闭物理连接
func (p *Pool) Release(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(p.entries, key)
	p.logger.Info("pooled connection closed", log.String("key", key))
	return e.conn.Close()
}

// Refs 当前引用数
func (p *Pool) Refs(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Len 打开中的连接数
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close 关闭全部连接，进程退出时调用
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for key, e := range p.entries {
		if err := e.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.entries, key)
	}
	return firstErr
}
