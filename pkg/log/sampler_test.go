package log

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestWindowSampler_Sample(t *testing.T) {
	now := time.Unix(1000, 0)
	sampler := NewWindowSampler(time.Minute, 2)
	sampler.now = func() time.Time { return now }

	if !sampler.Sample(WarnLevel, "check failed") {
		t.Error("first message should be sampled")
	}
	if !sampler.Sample(WarnLevel, "check failed") {
		t.Error("second message should be sampled")
	}
	if sampler.Sample(WarnLevel, "check failed") {
		t.Error("third message in window should be dropped")
	}
	if !sampler.Sample(WarnLevel, "other") {
		t.Error("different message should be counted separately")
	}

	now = now.Add(time.Minute + time.Second)
	if !sampler.Sample(WarnLevel, "check failed") {
		t.Error("message should be sampled after window reset")
	}
}

func TestSampledLogger_ErrorsAlwaysWritten(t *testing.T) {
	var buf bytes.Buffer
	sampler := NewWindowSampler(time.Hour, 1)
	logger := NewSampledLogger(NewWithWriter(&buf, DebugLevel), sampler)

	for i := 0; i < 3; i++ {
		logger.Warn("flap")
		logger.Error("boom")
	}

	out := buf.String()
	if n := strings.Count(out, `"flap"`); n != 1 {
		t.Errorf("warn written %d times, want 1", n)
	}
	if n := strings.Count(out, `"boom"`); n != 3 {
		t.Errorf("error written %d times, want 3", n)
	}
}

func TestNamed(t *testing.T) {
	prev := Default()
	defer func() {
		SetDefault(prev)
		ResetNamed()
	}()

	var buf bytes.Buffer
	SetDefault(NewWithWriter(&buf, InfoLevel))
	ResetNamed()

	a := Named("watcher")
	if a != Named("watcher") {
		t.Error("Named should return the cached logger")
	}
	if a.Name() != "watcher" {
		t.Errorf("Name() = %s", a.Name())
	}

	a.Info("hello")
	if !strings.Contains(buf.String(), `"logger":"watcher"`) {
		t.Errorf("named field missing: %s", buf.String())
	}
}
