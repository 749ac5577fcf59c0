package metrics

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goupter/nerve/pkg/check"
)

// ServiceMetrics 单个服务的计数器，nil 接收者上的调用都是空操作
type ServiceMetrics struct {
	checks          int64
	reportsUp       int64
	reportsDown     int64
	reportFailures  int64
	throttled       int64
	watcherRestarts int64
	status          int64
	lastReport      int64 // unix nano

	// owner 最后写入 status 的 Watcher，更新期间新旧两个 Watcher 共用同一份指标
	statusMu sync.Mutex
	owner    uint64
}

// IncChecks 记录一次检查周期
func (m *ServiceMetrics) IncChecks() {
	if m != nil {
		atomic.AddInt64(&m.checks, 1)
	}
}

// IncReportsUp 记录一次成功的上线上报
func (m *ServiceMetrics) IncReportsUp() {
	if m != nil {
		atomic.AddInt64(&m.reportsUp, 1)
		atomic.StoreInt64(&m.lastReport, time.Now().UnixNano())
	}
}

// IncReportsDown 记录一次成功的下线上报
func (m *ServiceMetrics) IncReportsDown() {
	if m != nil {
		atomic.AddInt64(&m.reportsDown, 1)
		atomic.StoreInt64(&m.lastReport, time.Now().UnixNano())
	}
}

// IncReportFailures 记录一次失败的周期
func (m *ServiceMetrics) IncReportFailures() {
	if m != nil {
		atomic.AddInt64(&m.reportFailures, 1)
	}
}

// IncThrottled 记录一次被限流的上报
func (m *ServiceMetrics) IncThrottled() {
	if m != nil {
		atomic.AddInt64(&m.throttled, 1)
	}
}

// IncRestarts 记录一次 Watcher 重启
func (m *ServiceMetrics) IncRestarts() {
	if m != nil {
		atomic.AddInt64(&m.watcherRestarts, 1)
	}
}

// SetStatus 设置状态：1 up，0 down，-1 unknown
func (m *ServiceMetrics) SetStatus(s check.Status) {
	m.SetStatusBy(0, s)
}

// SetStatusBy 以 owner 的身份设置状态
func (m *ServiceMetrics) SetStatusBy(owner uint64, s check.Status) {
	if m == nil {
		return
	}
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.owner = owner
	atomic.StoreInt64(&m.status, statusValue(s))
}

// ClearStatus 只有 owner 仍是最后的写入者时才把状态置为 unknown
func (m *ServiceMetrics) ClearStatus(owner uint64) {
	if m == nil {
		return
	}
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	if m.owner != owner {
		return
	}
	atomic.StoreInt64(&m.status, -1)
}

func statusValue(s check.Status) int64 {
	switch s {
	case check.StatusUp:
		return 1
	case check.StatusDown:
		return 0
	}
	return -1
}

// Snapshot 读取当前值
func (m *ServiceMetrics) Snapshot() ServiceSnapshot {
	if m == nil {
		return ServiceSnapshot{Status: -1}
	}
	s := ServiceSnapshot{
		Checks:          atomic.LoadInt64(&m.checks),
		ReportsUp:       atomic.LoadInt64(&m.reportsUp),
		ReportsDown:     atomic.LoadInt64(&m.reportsDown),
		ReportFailures:  atomic.LoadInt64(&m.reportFailures),
		Throttled:       atomic.LoadInt64(&m.throttled),
		WatcherRestarts: atomic.LoadInt64(&m.watcherRestarts),
		Status:          atomic.LoadInt64(&m.status),
	}
	if ns := atomic.LoadInt64(&m.lastReport); ns > 0 {
		s.LastReport = time.Unix(0, ns)
	}
	return s
}

// ServiceSnapshot 服务指标快照
type ServiceSnapshot struct {
	Checks          int64     `json:"checks_total"`
	ReportsUp       int64     `json:"reports_up_total"`
	ReportsDown     int64     `json:"reports_down_total"`
	ReportFailures  int64     `json:"report_failures_total"`
	Throttled       int64     `json:"throttled_total"`
	WatcherRestarts int64     `json:"watcher_restarts_total"`
	Status          int64     `json:"status"`
	LastReport      time.Time `json:"last_report,omitempty"`
}

// Registry 全部服务的指标，由组合根创建
type Registry struct {
	mu        sync.RWMutex
	services  map[string]*ServiceMetrics
	startTime time.Time
}

// NewRegistry 创建指标注册表
func NewRegistry() *Registry {
	return &Registry{
		services:  make(map[string]*ServiceMetrics),
		startTime: time.Now(),
	}
}

// Service 获取或创建服务指标；重启后的 Watcher 继续累加同一组计数
func (r *Registry) Service(name string) *ServiceMetrics {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	m, ok := r.services[name]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok = r.services[name]; !ok {
		m = &ServiceMetrics{status: -1}
		r.services[name] = m
	}
	return m
}

// Remove 服务从配置中移除时删除其指标
func (r *Registry) Remove(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.services, name)
	r.mu.Unlock()
}

// Snapshot 全部服务的快照
func (r *Registry) Snapshot() map[string]ServiceSnapshot {
	out := make(map[string]ServiceSnapshot)
	if r == nil {
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, m := range r.services {
		out[name] = m.Snapshot()
	}
	return out
}

// Uptime 运行时长
func (r *Registry) Uptime() time.Duration {
	if r == nil {
		return 0
	}
	return time.Since(r.startTime)
}

type family struct {
	name  string
	typ   string
	help  string
	value func(ServiceSnapshot) int64
}

var families = []family{
	{"checks_total", "counter", "Check cycles run.", func(s ServiceSnapshot) int64 { return s.Checks }},
	{"reports_up_total", "counter", "Successful up reports.", func(s ServiceSnapshot) int64 { return s.ReportsUp }},
	{"reports_down_total", "counter", "Successful down reports.", func(s ServiceSnapshot) int64 { return s.ReportsDown }},
	{"report_failures_total", "counter", "Failed check cycles.", func(s ServiceSnapshot) int64 { return s.ReportFailures }},
	{"throttled_total", "counter", "Reports delayed by the rate limiter.", func(s ServiceSnapshot) int64 { return s.Throttled }},
	{"watcher_restarts_total", "counter", "Watchers relaunched after dying.", func(s ServiceSnapshot) int64 { return s.WatcherRestarts }},
	{"status", "gauge", "Reported status: 1 up, 0 down, -1 unknown.", func(s ServiceSnapshot) int64 { return s.Status }},
}

// WritePrometheus 以 Prometheus 文本格式输出，服务按名字排序
func (r *Registry) WritePrometheus(w io.Writer, namespace string) error {
	if namespace == "" {
		namespace = "nerve"
	}
	snap := r.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, f := range families {
		metric := namespace + "_" + f.name
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", metric, f.help, metric, f.typ); err != nil {
			return err
		}
		for _, name := range names {
			if _, err := fmt.Fprintf(w, "%s{service=%s} %d\n", metric, strconv.Quote(name), f.value(snap[name])); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintf(w, "%s_uptime_seconds %s\n", namespace, strconv.FormatFloat(r.Uptime().Seconds(), 'f', 3, 64))
	return err
}
