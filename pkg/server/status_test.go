package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/goupter/nerve/pkg/check"
	"github.com/goupter/nerve/pkg/log"
	"github.com/goupter/nerve/pkg/metrics"
	"github.com/goupter/nerve/pkg/nerve"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSupervisor struct {
	watchers []nerve.WatcherInfo
	healthy  bool
	ready    bool
	last     time.Time
}

func (f *fakeSupervisor) Watchers() []nerve.WatcherInfo { return f.watchers }
func (f *fakeSupervisor) Healthy() bool                 { return f.healthy }
func (f *fakeSupervisor) Ready() bool                   { return f.ready }
func (f *fakeSupervisor) LastHeartbeat() time.Time      { return f.last }

func newTestServer(sup Supervisor, opts ...Option) *StatusServer {
	opts = append([]Option{WithLogger(log.Nop())}, opts...)
	return NewStatusServer(sup, opts...)
}

func serve(s *StatusServer, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestStatusServer_Health(t *testing.T) {
	last := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name       string
		sup        *fakeSupervisor
		wantCode   int
		wantStatus string
		wantLast   bool
	}{
		{"healthy", &fakeSupervisor{healthy: true, last: last}, http.StatusOK, "ok", true},
		{"stale", &fakeSupervisor{healthy: false, last: last}, http.StatusServiceUnavailable, "stale", true},
		{"never beat", &fakeSupervisor{}, http.StatusServiceUnavailable, "stale", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(newTestServer(tt.sup), http.MethodGet, "/health")
			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", w.Code, tt.wantCode)
			}

			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %q, want %q", body["status"], tt.wantStatus)
			}
			_, ok := body["last_heartbeat"]
			if ok != tt.wantLast {
				t.Errorf("last_heartbeat present = %v, want %v", ok, tt.wantLast)
			}
			if tt.wantLast && body["last_heartbeat"] != "2026-01-02T03:04:05Z" {
				t.Errorf("last_heartbeat = %q", body["last_heartbeat"])
			}
		})
	}
}

func TestStatusServer_Ready(t *testing.T) {
	tests := []struct {
		name     string
		ready    bool
		wantCode int
	}{
		{"ready", true, http.StatusOK},
		{"not ready", false, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(newTestServer(&fakeSupervisor{ready: tt.ready}), http.MethodGet, "/ready")
			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", w.Code, tt.wantCode)
			}
			var body map[string]bool
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["ready"] != tt.ready {
				t.Errorf("ready = %v, want %v", body["ready"], tt.ready)
			}
		})
	}
}

func TestStatusServer_Watchers(t *testing.T) {
	sup := &fakeSupervisor{watchers: []nerve.WatcherInfo{
		{Name: "api", Reporter: "memory", Alive: true, Status: "up", Version: "abc"},
		{Name: "web", Reporter: "zookeeper", Alive: false, Status: "unknown", Error: "exhausted"},
	}}

	w := serve(newTestServer(sup), http.MethodGet, "/watchers")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}

	var body struct {
		Watchers []nerve.WatcherInfo `json:"watchers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Watchers) != 2 {
		t.Fatalf("len(watchers) = %d, want 2", len(body.Watchers))
	}
	if body.Watchers[0].Name != "api" || body.Watchers[0].Status != "up" {
		t.Errorf("watchers[0] = %+v", body.Watchers[0])
	}
	if body.Watchers[1].Error != "exhausted" {
		t.Errorf("watchers[1].Error = %q", body.Watchers[1].Error)
	}
}

func TestStatusServer_Metrics(t *testing.T) {
	reg := metrics.NewRegistry()
	web := reg.Service("web")
	web.IncChecks()
	web.IncReportsUp()
	web.SetStatus(check.StatusUp)

	s := newTestServer(&fakeSupervisor{}, WithMetrics(reg))

	t.Run("prometheus", func(t *testing.T) {
		w := serve(s, http.MethodGet, "/metrics")
		if w.Code != http.StatusOK {
			t.Fatalf("code = %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
			t.Errorf("Content-Type = %q", ct)
		}
		body := w.Body.String()
		for _, want := range []string{
			`nerve_reports_up_total{service="web"} 1`,
			`nerve_status{service="web"} 1`,
			"nerve_uptime_seconds",
		} {
			if !strings.Contains(body, want) {
				t.Errorf("body missing %q:\n%s", want, body)
			}
		}
	})

	t.Run("json", func(t *testing.T) {
		w := serve(s, http.MethodGet, "/metrics?format=json")
		if w.Code != http.StatusOK {
			t.Fatalf("code = %d", w.Code)
		}
		var body struct {
			Services map[string]metrics.ServiceSnapshot `json:"services"`
			Uptime   float64                            `json:"uptime_seconds"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Services["web"].ReportsUp != 1 {
			t.Errorf("reports_up = %d, want 1", body.Services["web"].ReportsUp)
		}
		if body.Uptime < 0 {
			t.Errorf("uptime = %v", body.Uptime)
		}
	})
}

func TestStatusServer_PProf(t *testing.T) {
	tests := []struct {
		name     string
		enabled  bool
		wantCode int
	}{
		{"enabled", true, http.StatusOK},
		{"disabled", false, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeSupervisor{}, WithPProf(tt.enabled))
			w := serve(s, http.MethodGet, "/debug/pprof/goroutine")
			if w.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestStatusServer_RequestID(t *testing.T) {
	s := newTestServer(&fakeSupervisor{ready: true})

	w := serve(s, http.MethodGet, "/ready")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not generated")
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	s.Engine().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want abc-123", got)
	}
}

func TestStatusServer_Recovery(t *testing.T) {
	s := newTestServer(&fakeSupervisor{})
	s.Engine().GET("/boom", func(c *gin.Context) {
		panic("boom")
	})

	w := serve(s, http.MethodGet, "/boom")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500", w.Code)
	}
}

func TestStatusServer_StartStop(t *testing.T) {
	s := newTestServer(&fakeSupervisor{healthy: true}, WithAddr("127.0.0.1:0"))
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if strings.HasSuffix(s.Addr(), ":0") {
		t.Fatalf("Addr() = %q, want bound port", s.Addr())
	}

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if _, err := http.Get("http://" + s.Addr() + "/health"); err == nil {
		t.Error("server still serving after Stop")
	}
}

func TestStatusServer_StartError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	s := newTestServer(&fakeSupervisor{}, WithAddr(ln.Addr().String()))
	if err := s.Start(); err == nil {
		_ = s.Stop(context.Background())
		t.Fatal("Start() expected error for address in use")
	}
}
