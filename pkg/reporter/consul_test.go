package reporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goupter/nerve/pkg/errors"
)

// fakeAgent 模拟 consul agent 的服务注册和 TTL 检查接口
type fakeAgent struct {
	mu       sync.Mutex
	services map[string]map[string]interface{}
	checks   map[string]string
	leader   string
}

func newFakeAgent() (*fakeAgent, *httptest.Server) {
	a := &fakeAgent{
		services: make(map[string]map[string]interface{}),
		checks:   make(map[string]string),
		leader:   "10.0.0.1:8300",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status/leader", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.leader == "" {
			http.Error(w, "No cluster leader", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(a.leader)
	})
	mux.HandleFunc("/v1/agent/service/register", func(w http.ResponseWriter, r *http.Request) {
		var reg map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		id := reg["ID"].(string)
		a.services[id] = reg
		a.checks["service:"+id] = "critical"
	})
	mux.HandleFunc("/v1/agent/check/update/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/agent/check/update/")
		var body struct{ Status string }
		json.NewDecoder(r.Body).Decode(&body)
		a.mu.Lock()
		defer a.mu.Unlock()
		if _, ok := a.checks[id]; !ok {
			http.Error(w, "Unknown check ID \""+id+"\"", http.StatusNotFound)
			return
		}
		a.checks[id] = body.Status
	})
	mux.HandleFunc("/v1/agent/service/deregister/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/")
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.services, id)
		delete(a.checks, "service:"+id)
	})
	return a, httptest.NewServer(mux)
}

func (a *fakeAgent) service(id string) map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.services[id]
}

func (a *fakeAgent) check(id string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checks[id]
}

func (a *fakeAgent) forget(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.services, id)
	delete(a.checks, "service:"+id)
}

func newConsulReporter(t *testing.T, srv *httptest.Server) *consulReporter {
	t.Helper()
	spec := memorySpec("web", "i-1")
	spec.Type = "consul"
	spec.Labels = map[string]string{"zone": "a"}
	spec.Consul = ConsulConfig{
		Address: strings.TrimPrefix(srv.URL, "http://"),
		Tags:    []string{"nerve"},
		TTL:     9 * time.Second,
		Timeout: time.Second,
	}
	rep, err := NewRegistry().Build(spec, newMemoryDeps())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return rep.(*consulReporter)
}

func TestConsulReporter_Lifecycle(t *testing.T) {
	agent, srv := newFakeAgent()
	defer srv.Close()
	rep := newConsulReporter(t, srv)
	ctx := context.Background()

	if err := rep.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ok, err := rep.ReportUp(ctx); !ok || err != nil {
		t.Fatalf("ReportUp() = %v, %v", ok, err)
	}

	id := rep.ServiceID()
	if !strings.HasPrefix(id, "i-1_web_") {
		t.Errorf("ServiceID() = %s", id)
	}
	svc := agent.service(id)
	if svc == nil {
		t.Fatal("service not registered")
	}
	if svc["Name"] != "web" || svc["Address"] != "127.0.0.1" || svc["Port"].(float64) != 8080 {
		t.Errorf("registration = %v", svc)
	}
	if meta := svc["Meta"].(map[string]interface{}); meta["zone"] != "a" || meta["instance_id"] != "i-1" {
		t.Errorf("meta = %v", meta)
	}
	if got := agent.check("service:" + id); got != "passing" {
		t.Errorf("check status = %s, want passing", got)
	}

	if ok, err := rep.Ping(ctx); !ok || err != nil {
		t.Errorf("Ping() = %v, %v", ok, err)
	}

	if err := rep.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if agent.service(id) != nil {
		t.Error("service should be deregistered")
	}
}

func TestConsulReporter_UniqueServiceID(t *testing.T) {
	_, srv := newFakeAgent()
	defer srv.Close()
	a := newConsulReporter(t, srv)
	b := newConsulReporter(t, srv)
	if a.ServiceID() == b.ServiceID() {
		t.Error("two reporters for the same service must not share a service id")
	}
}

func TestConsulReporter_ReregistersLostService(t *testing.T) {
	agent, srv := newFakeAgent()
	defer srv.Close()
	rep := newConsulReporter(t, srv)
	ctx := context.Background()
	rep.Start(ctx)
	defer rep.Stop(ctx)

	rep.ReportUp(ctx)
	agent.forget(rep.ServiceID())

	rep.renewer.now = func() time.Time { return time.Now().Add(time.Hour) }
	rep.renewer.tick(ctx)

	if ok, err := rep.Ping(ctx); ok || err != nil {
		t.Errorf("Ping() = %v, %v, want false, nil", ok, err)
	}
	if ok, err := rep.ReportUp(ctx); !ok || err != nil {
		t.Fatalf("ReportUp() = %v, %v", ok, err)
	}
	if agent.service(rep.ServiceID()) == nil {
		t.Error("service should be registered again")
	}
}

func TestConsulReporter_NoLeader(t *testing.T) {
	agent, srv := newFakeAgent()
	defer srv.Close()
	rep := newConsulReporter(t, srv)
	ctx := context.Background()
	rep.Start(ctx)
	defer rep.Stop(ctx)

	agent.mu.Lock()
	agent.leader = ""
	agent.mu.Unlock()

	if ok, err := rep.Ping(ctx); ok || err != nil {
		t.Errorf("Ping() = %v, %v, want false, nil", ok, err)
	}
}

func TestConsulReporter_StartUnreachable(t *testing.T) {
	_, srv := newFakeAgent()
	rep := newConsulReporter(t, srv)
	srv.Close()

	err := rep.Start(context.Background())
	if !errors.IsTransient(err) {
		t.Errorf("Start() error = %v, want transient", err)
	}
}
