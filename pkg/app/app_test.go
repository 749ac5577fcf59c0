package app

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/goupter/nerve/pkg/log"
)

type fakeSupervisor struct {
	reloads atomic.Int32
	started chan struct{}
	err     error
	exitNow bool
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{started: make(chan struct{})}
}

func (f *fakeSupervisor) Run(ctx context.Context) error {
	close(f.started)
	if f.exitNow {
		return f.err
	}
	<-ctx.Done()
	return f.err
}

func (f *fakeSupervisor) RequestReload() { f.reloads.Add(1) }

type fakeServer struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	startErr error
}

func (f *fakeServer) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return f.startErr
}

func (f *fakeServer) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

type fakeWatcher struct {
	trigger chan struct{}
}

func (f *fakeWatcher) Watch(ctx context.Context, onChange func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.trigger:
			onChange()
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func runAsync(ctx context.Context, a *App) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- a.Run(ctx) }()
	return ch
}

func TestApp_SignalHandling(t *testing.T) {
	sup := newFakeSupervisor()
	srv := &fakeServer{}
	signals := make(chan os.Signal, 1)
	var stopped atomic.Bool

	a := New(sup,
		WithLogger(log.Nop()),
		WithServer(srv),
		WithSignals(signals),
		AfterStop(func() error { stopped.Store(true); return nil }),
	)
	done := runAsync(context.Background(), a)
	<-sup.started

	signals <- syscall.SIGHUP
	waitFor(t, func() bool { return sup.reloads.Load() == 1 })

	signals <- syscall.SIGTERM
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after SIGTERM")
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if !srv.started || !srv.stopped {
		t.Errorf("server started=%v stopped=%v", srv.started, srv.stopped)
	}
	if !stopped.Load() {
		t.Error("after stop hook not run")
	}
}

func TestApp_ConfigWatcherRequestsReload(t *testing.T) {
	sup := newFakeSupervisor()
	w := &fakeWatcher{trigger: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	a := New(sup, WithLogger(log.Nop()), WithConfigWatcher(w), WithSignals(make(chan os.Signal)))
	done := runAsync(ctx, a)
	<-sup.started

	w.trigger <- struct{}{}
	w.trigger <- struct{}{}
	waitFor(t, func() bool { return sup.reloads.Load() == 2 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestApp_SupervisorError(t *testing.T) {
	want := errors.New("boom")
	sup := newFakeSupervisor()
	sup.err = want
	sup.exitNow = true

	a := New(sup, WithLogger(log.Nop()), WithSignals(make(chan os.Signal)))
	if err := a.Run(context.Background()); !errors.Is(err, want) {
		t.Fatalf("Run() error = %v, want %v", err, want)
	}
}

func TestApp_StartFailures(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{
			name: "before start hook",
			opts: []Option{BeforeStart(func() error { return errors.New("hook") })},
		},
		{
			name: "server start",
			opts: []Option{WithServer(&fakeServer{startErr: errors.New("listen")})},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := newFakeSupervisor()
			opts := append([]Option{WithLogger(log.Nop()), WithSignals(make(chan os.Signal))}, tt.opts...)
			a := New(sup, opts...)
			if err := a.Run(context.Background()); err == nil {
				t.Fatal("Run() expected error")
			}
			select {
			case <-sup.started:
				t.Error("supervisor started despite start failure")
			default:
			}
		})
	}
}

func TestApp_AlreadyRunning(t *testing.T) {
	sup := newFakeSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	a := New(sup, WithLogger(log.Nop()), WithSignals(make(chan os.Signal)))
	done := runAsync(ctx, a)
	<-sup.started

	if err := a.Run(context.Background()); err == nil {
		t.Error("second Run() expected error")
	}

	cancel()
	<-done
	if a.Name() != "nerve" {
		t.Errorf("Name() = %q", a.Name())
	}
}
