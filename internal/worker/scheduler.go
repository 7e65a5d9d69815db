// Package worker runs the periodic sync jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrJobRunning is returned when a run is requested while the job is already running.
var ErrJobRunning = errors.New("job already running")

// ErrUnknownJob is returned for a job name that was never registered.
var ErrUnknownJob = errors.New("unknown job")

// Task is one schedulable unit of work.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// Locker guards a job across processes.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(context.Context), ok bool, err error)
}

type entry struct {
	task     Task
	interval time.Duration
	running  atomic.Bool
}

// Scheduler runs every task on its own ticker, skipping a tick while the previous run is still going.
type Scheduler struct {
	entries map[string]*entry
	locker  Locker
	lockTTL time.Duration
	logger  *zap.Logger
}

// NewScheduler creates a scheduler. locker may be nil.
func NewScheduler(locker Locker, lockTTL time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &Scheduler{entries: make(map[string]*entry), locker: locker, lockTTL: lockTTL, logger: logger}
}

// Register adds task. A non-positive interval registers it for manual runs only.
func (s *Scheduler) Register(task Task, interval time.Duration) {
	s.entries[task.Name()] = &entry{task: task, interval: interval}
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs all periodic tasks until ctx is done. Each task runs once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range s.Jobs() {
		e := s.entries[name]
		if e.interval <= 0 {
			continue
		}
		g.Go(func() error {
			s.loop(ctx, e)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	s.logger.Info("sync job scheduled", zap.String("job", e.task.Name()), zap.Duration("interval", e.interval))
	for {
		if err := s.execute(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
			if errors.Is(err, ErrJobRunning) {
				s.logger.Debug("sync job still running, tick skipped", zap.String("job", e.task.Name()))
			} else {
				s.logger.Warn("sync job failed", zap.String("job", e.task.Name()), zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs the named job now through the same guard as scheduled runs.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, e)
}

func (s *Scheduler) execute(ctx context.Context, e *entry) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		return ErrJobRunning
	}
	defer e.running.Store(false)

	name := e.task.Name()
	if s.locker != nil {
		release, ok, lockErr := s.locker.TryLock(ctx, name, s.lockTTL)
		switch {
		case lockErr != nil:
			s.logger.Warn("job lock unavailable, running with local guard only", zap.String("job", name), zap.Error(lockErr))
		case !ok:
			return ErrJobRunning
		default:
			defer release(context.WithoutCancel(ctx))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
	}()
	return e.task.Run(ctx)
}
