package watcher

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/goupter/nerve/pkg/check"
	"github.com/goupter/nerve/pkg/config"
	"github.com/goupter/nerve/pkg/log"
	"github.com/goupter/nerve/pkg/metrics"
	"github.com/goupter/nerve/pkg/reporter"
)

func TestWatcher_TCPEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	store := reporter.NewMemoryStore()
	m := metrics.NewRegistry()
	spec := config.ServiceSpec{
		Name:                      "svc",
		InstanceID:                "i-1",
		Host:                      "127.0.0.1",
		Port:                      port,
		CheckInterval:             5 * time.Millisecond,
		MaxRepeatedReportFailures: 10,
		ReporterType:              "memory",
		Checks:                    []check.Spec{{Type: "tcp", Timeout: time.Second, Fall: 2}},
	}
	w, err := New(spec,
		WithLogger(log.Nop()),
		WithMetrics(m.Service("svc")),
		WithReporterDeps(reporter.Deps{Memory: store, Retry: reporter.NoRetry, Logger: log.Nop()}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, "five ticks", func() bool { return m.Snapshot()["svc"].Checks >= 5 })
	if up, down := store.Count("up", "svc"), store.Count("down", "svc"); up != 1 || down != 0 {
		t.Fatalf("while listening: up = %d, down = %d, want 1/0", up, down)
	}

	ln.Close()
	waitFor(t, "down report", func() bool { return store.Count("down", "svc") > 0 })
	before := m.Snapshot()["svc"].Checks
	waitFor(t, "more ticks", func() bool { return m.Snapshot()["svc"].Checks >= before+5 })

	if up, down := store.Count("up", "svc"), store.Count("down", "svc"); up != 1 || down != 1 {
		t.Errorf("after close: up = %d, down = %d, want 1/1", up, down)
	}
	if w.Status() != check.StatusDown {
		t.Errorf("status = %s, want down", w.Status())
	}
}
