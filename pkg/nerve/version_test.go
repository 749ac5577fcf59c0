package nerve

import (
	"testing"

	"github.com/goupter/nerve/pkg/check"
	"github.com/goupter/nerve/pkg/config"
)

func TestVersion(t *testing.T) {
	base := func() config.ServiceSpec {
		return config.ServiceSpec{
			Name:       "web",
			InstanceID: "i-1",
			Host:       "10.0.0.1",
			Port:       80,
			Labels:     map[string]string{"az": "a", "dc": "x"},
			Checks: []check.Spec{{
				Type:   "http",
				Params: map[string]interface{}{"uri": "/health", "expect": "ok"},
			}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*config.ServiceSpec)
		same   bool
	}{
		{"identical", func(*config.ServiceSpec) {}, true},
		{"map rebuilt in another order", func(s *config.ServiceSpec) {
			s.Labels = map[string]string{"dc": "x", "az": "a"}
		}, true},
		{"port", func(s *config.ServiceSpec) { s.Port = 81 }, false},
		{"instance id", func(s *config.ServiceSpec) { s.InstanceID = "i-2" }, false},
		{"check param", func(s *config.ServiceSpec) { s.Checks[0].Params["uri"] = "/ping" }, false},
		{"rate limit", func(s *config.ServiceSpec) {
			s.RateLimit = &config.RateLimitConfig{Enabled: true, AverageRate: 1, MaxBurst: 1}
		}, false},
	}

	want := Version(base())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base()
			tt.mutate(&spec)
			if got := Version(spec); (got == want) != tt.same {
				t.Errorf("Version() = %s, base = %s, same = %v", got, want, tt.same)
			}
			if len(Version(spec)) != 16 {
				t.Errorf("Version() = %q, want 16 hex chars", Version(spec))
			}
		})
	}
}

func TestVersion_NonJSONParams(t *testing.T) {
	spec := config.ServiceSpec{
		Name:   "web",
		Checks: []check.Spec{{Type: "tcp", Params: map[string]interface{}{"bad": make(chan int)}}},
	}
	if Version(spec) == "" {
		t.Error("Version() should fall back for values JSON cannot encode")
	}
}
