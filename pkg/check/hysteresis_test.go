package check

import "testing"

func TestHysteresis(t *testing.T) {
	const (
		U = StatusUp
		D = StatusDown
	)

	tests := []struct {
		name    string
		rise    int
		fall    int
		samples []bool
		want    []Status
	}{
		{
			name:    "rise 3 fall 2 goes up on seed and down after two failures",
			rise:    3,
			fall:    2,
			samples: []bool{true, true, true, false, false},
			want:    []Status{U, U, U, U, D},
		},
		{
			name:    "single failure does not flip",
			rise:    3,
			fall:    2,
			samples: []bool{true, false, true, false, true},
			want:    []Status{U, U, U, U, U},
		},
		{
			name:    "rise 2 fall 2 from down",
			rise:    2,
			fall:    2,
			samples: []bool{false, true, true, false, true, false, false},
			want:    []Status{D, D, U, U, U, U, D},
		},
		{
			name:    "rise 3 needs three consecutive successes",
			rise:    3,
			fall:    1,
			samples: []bool{false, true, true, false, true, true, true},
			want:    []Status{D, D, D, D, D, D, U},
		},
		{
			name:    "rise 1 fall 1 follows every sample",
			rise:    1,
			fall:    1,
			samples: []bool{true, false, true, false},
			want:    []Status{U, D, U, D},
		},
		{
			name:    "zero values are clamped to one",
			rise:    0,
			fall:    -1,
			samples: []bool{false, true},
			want:    []Status{D, U},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHysteresis(tt.rise, tt.fall)
			if h.Status() != StatusUnknown {
				t.Fatalf("initial status = %s, want unknown", h.Status())
			}
			for i, sample := range tt.samples {
				if got := h.Observe(sample); got != tt.want[i] {
					t.Errorf("sample %d (%v): status = %s, want %s", i+1, sample, got, tt.want[i])
				}
			}
		})
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
		known  bool
	}{
		{StatusUnknown, "unknown", false},
		{StatusUp, "up", true},
		{StatusDown, "down", true},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if tt.status.String() != tt.want {
				t.Errorf("String() = %s, want %s", tt.status.String(), tt.want)
			}
			if tt.status.Known() != tt.known {
				t.Errorf("Known() = %v, want %v", tt.status.Known(), tt.known)
			}
		})
	}
	if StatusOf(true) != StatusUp || StatusOf(false) != StatusDown {
		t.Error("StatusOf mismatch")
	}
}
