package reporter

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/goupter/nerve/pkg/errors"
)

func TestInstanceKey(t *testing.T) {
	rec := Record{Host: "10.0.0.1", Port: 8080, Name: "i-abc"}
	tests := []struct {
		base string
		want string
	}{
		{"/nerve/services/web", "/nerve/services/web/i-abc_"},
		{"/nerve/services/web/", "/nerve/services/web/i-abc_"},
		{"/", "/i-abc_"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := InstanceKey(tt.base, rec)
			if err != nil {
				t.Fatalf("InstanceKey() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("InstanceKey() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEncodedKey(t *testing.T) {
	weight := 3
	rec := Record{Host: "10.0.0.1", Port: 8080, Name: "i-abc", Weight: &weight}

	key, err := EncodedKey("/svc", rec)
	if err != nil {
		t.Fatalf("EncodedKey() error = %v", err)
	}
	if !strings.HasPrefix(key, "/svc/base64_") || !strings.HasSuffix(key, "_") {
		t.Fatalf("EncodedKey() = %s", key)
	}

	// zookeeper 追加的序号不影响解码
	data, err := DecodeEncodedKey(key + "0000000042")
	if err != nil {
		t.Fatalf("DecodeEncodedKey() error = %v", err)
	}
	var got Record
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Host != rec.Host || got.Port != rec.Port || got.Name != rec.Name || got.Weight == nil || *got.Weight != 3 {
		t.Errorf("decoded record = %+v", got)
	}
}

func TestDecodeEncodedKey_Invalid(t *testing.T) {
	for _, child := range []string{"i-abc_0001", "base64_x", "base64_999_abc_"} {
		t.Run(child, func(t *testing.T) {
			if _, err := DecodeEncodedKey(child); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestKeyStrategyByName(t *testing.T) {
	for _, name := range []string{"", "instance", "encoded"} {
		if _, err := KeyStrategyByName(name); err != nil {
			t.Errorf("KeyStrategyByName(%q) error = %v", name, err)
		}
	}
	_, err := KeyStrategyByName("random")
	if errors.GetCode(err) != errors.CodeConfig {
		t.Errorf("unknown strategy code = %d, want %d", errors.GetCode(err), errors.CodeConfig)
	}
}
