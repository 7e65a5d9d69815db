package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type funcTask struct {
	name string
	run  func(ctx context.Context) error
}

func (f funcTask) Name() string { return f.name }
func (f funcTask) Run(ctx context.Context) error { return f.run(ctx) }

type stubLocker struct {
	ok       bool
	err      error
	released atomic.Int32
}

func (l *stubLocker) TryLock(context.Context, string, time.Duration) (func(context.Context), bool, error) {
	return func(context.Context) { l.released.Add(1) }, l.ok, l.err
}

func TestRunOnceUnknownJob(t *testing.T) {
	s := NewScheduler(nil, 0, nil)
	if err := s.RunOnce(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestRunOnceSkipsWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := NewScheduler(nil, 0, nil)
	s.Register(funcTask{name: "calls", run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}, 0)

	done := make(chan error, 1)
	go func() { done <- s.RunOnce(context.Background(), "calls") }()
	<-started

	if err := s.RunOnce(context.Background(), "calls"); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("expected ErrJobRunning, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestRunOnceHonoursSharedLock(t *testing.T) {
	var runs atomic.Int32
	task := funcTask{name: "ratings", run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}

	held := &stubLocker{ok: false}
	s := NewScheduler(held, time.Minute, nil)
	s.Register(task, 0)
	if err := s.RunOnce(context.Background(), "ratings"); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("expected ErrJobRunning, got %v", err)
	}

	free := &stubLocker{ok: true}
	s = NewScheduler(free, time.Minute, nil)
	s.Register(task, 0)
	if err := s.RunOnce(context.Background(), "ratings"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if free.released.Load() != 1 {
		t.Fatalf("lock not released")
	}

	broken := &stubLocker{err: errors.New("redis down")}
	s = NewScheduler(broken, time.Minute, nil)
	s.Register(task, 0)
	if err := s.RunOnce(context.Background(), "ratings"); err != nil {
		t.Fatalf("run without redis: %v", err)
	}
	if runs.Load() != 2 {
		t.Fatalf("runs = %d, want 2", runs.Load())
	}
}

func TestRunOnceRecoversPanics(t *testing.T) {
	s := NewScheduler(nil, 0, nil)
	s.Register(funcTask{name: "users", run: func(context.Context) error { panic("boom") }}, 0)
	if err := s.RunOnce(context.Background(), "users"); err == nil {
		t.Fatalf("expected panic to surface as error")
	}
	if err := s.RunOnce(context.Background(), "users"); errors.Is(err, ErrJobRunning) {
		t.Fatalf("guard not released after panic")
	}
}

func TestStartRunsTasksPeriodicallyUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fast, failing atomic.Int32
	s := NewScheduler(nil, 0, nil)
	s.Register(funcTask{name: "fast", run: func(context.Context) error {
		if fast.Add(1) >= 3 {
			cancel()
		}
		return nil
	}}, 5*time.Millisecond)
	s.Register(funcTask{name: "failing", run: func(context.Context) error {
		failing.Add(1)
		return errors.New("erp unavailable")
	}}, 5*time.Millisecond)
	s.Register(funcTask{name: "manual", run: func(context.Context) error {
		t.Errorf("manual job must not be scheduled")
		return nil
	}}, 0)

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
	if fast.Load() < 3 || failing.Load() < 1 {
		t.Fatalf("fast=%d failing=%d", fast.Load(), failing.Load())
	}
}
