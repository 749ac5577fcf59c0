package reporter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goupter/nerve/pkg/log"
)

// Op 内存后端的一次写操作
type Op struct {
	Kind    string // up, down
	Service string
	Key     string
}

// MemoryStore 进程内注册中心，用于开发和测试
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]Record
	ops       []Op
	seq       int
	connected bool
	writeErr  error
	pingErr   error
	dials     int
	closes    int
}

// NewMemoryStore 创建内存注册中心
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]Record),
		connected: true,
	}
}

// SetConnected 模拟会话断开/恢复
func (s *MemoryStore) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
}

// FailWrites 之后的写操作返回 err，nil 恢复正常
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// FailPing 之后的 Ping 返回 err，nil 恢复正常
func (s *MemoryStore) FailPing(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

// Connected 当前是否连通
func (s *MemoryStore) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Records 以 prefix 开头的全部记录
func (s *MemoryStore) Records(prefix string) map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record)
	for k, v := range s.records {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// Keys 全部记录键，已排序
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Ops 写操作历史
func (s *MemoryStore) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// Count 某服务某类操作的次数
func (s *MemoryStore) Count(kind, service string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, op := range s.ops {
		if op.Kind == kind && op.Service == service {
			n++
		}
	}
	return n
}

// Dials 建立连接的次数
func (s *MemoryStore) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Closes 关闭连接的次数
func (s *MemoryStore) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *MemoryStore) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

// put upsert 记录，key 为空时分配新键
func (s *MemoryStore) put(service, base string, key *string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, Op{Kind: "up", Service: service, Key: *key})
	if s.writeErr != nil {
		return s.writeErr
	}
	if *key == "" {
		s.seq++
		*key = fmt.Sprintf("%s%010d", base, s.seq)
		s.ops[len(s.ops)-1].Key = *key
	}
	s.records[*key] = rec
	return nil
}

func (s *MemoryStore) remove(service, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, Op{Kind: "down", Service: service, Key: key})
	if s.writeErr != nil {
		return s.writeErr
	}
	delete(s.records, key)
	return nil
}

type memoryConn struct {
	store *MemoryStore
}

func (c *memoryConn) Connected() bool {
	return c.store.Connected()
}

func (c *memoryConn) Close() error {
	c.store.mu.Lock()
	c.store.closes++
	c.store.mu.Unlock()
	return nil
}

// memoryReporter 写入 MemoryStore，键为 <namespace>/<name>/<instance_id>_<seq>
type memoryReporter struct {
	spec    Spec
	record  Record
	base    string
	store   *MemoryStore
	pool    *Pool
	poolKey string
	logger  log.Logger

	mu   sync.Mutex
	conn Conn
	key  string
}

func newMemory(spec Spec, deps Deps) (Reporter, error) {
	if err := requireFields(spec, "memory"); err != nil {
		return nil, err
	}
	ns := spec.Memory.Namespace
	if ns == "" {
		ns = "nerve"
	}
	return &memoryReporter{
		spec:    spec,
		record:  spec.Record(),
		base:    fmt.Sprintf("/%s/%s/%s_", ns, spec.Name, spec.InstanceID),
		store:   deps.Memory,
		pool:    deps.Pool,
		poolKey: PoolKey("memory", []string{ns}),
		logger:  deps.Logger.With(log.Reporter("memory"), log.Service(spec.Name)),
	}, nil
}

func (r *memoryReporter) Start(ctx context.Context) error {
	conn, err := r.pool.Acquire(ctx, r.poolKey, func(context.Context) (Conn, error) {
		r.store.mu.Lock()
		r.store.dials++
		r.store.mu.Unlock()
		return &memoryConn{store: r.store}, nil
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return nil
}

func (r *memoryReporter) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil && r.conn.Connected()
}

func (r *memoryReporter) Stop(ctx context.Context) error {
	_, err := r.ReportDown(ctx)
	r.mu.Lock()
	held := r.conn != nil
	r.conn = nil
	r.mu.Unlock()
	if held {
		if rerr := r.pool.Release(r.poolKey); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

func (r *memoryReporter) ReportUp(ctx context.Context) (bool, error) {
	if !r.connected() {
		return false, nil
	}
	r.mu.Lock()
	err := r.store.put(r.spec.Name, r.base, &r.key, r.record)
	r.mu.Unlock()
	return result(r.logger, "report up", err)
}

func (r *memoryReporter) ReportDown(ctx context.Context) (bool, error) {
	if !r.connected() {
		return false, nil
	}
	r.mu.Lock()
	key := r.key
	err := r.store.remove(r.spec.Name, key)
	if err == nil {
		r.key = ""
	}
	r.mu.Unlock()
	return result(r.logger, "report down", err)
}

func (r *memoryReporter) Ping(ctx context.Context) (bool, error) {
	if !r.connected() {
		return false, nil
	}
	if err := r.store.ping(); err != nil {
		return result(r.logger, "ping", err)
	}
	return true, nil
}

// Key 当前注册键，未注册时为空
func (r *memoryReporter) Key() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key
}

var _ Reporter = (*memoryReporter)(nil)
