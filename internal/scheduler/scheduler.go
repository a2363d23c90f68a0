package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// Ticker is the part of time.Ticker the loops depend on.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Job is a background step run on a fixed interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Config struct {
	Jobs      []Job
	NewTicker func(d time.Duration) Ticker
}

// Scheduler drives the periodic jobs of the server. A failing run is logged and the job keeps its schedule.
type Scheduler struct {
	jobs      []Job
	newTicker func(d time.Duration) Ticker
}

func New(c Config) *Scheduler {
	s := &Scheduler{
		jobs:      c.Jobs,
		newTicker: c.NewTicker,
	}

	if s.newTicker == nil {
		s.newTicker = newTimeTicker
	}

	return s
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, j := range s.jobs {
		if j.Interval <= 0 {
			return fmt.Errorf("scheduler: job %s: interval must be positive", j.Name)
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		eg.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}

	return eg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	t := s.newTicker(j.Interval)
	defer t.Stop()

	slog.InfoContext(ctx, "scheduler: job started", "job", j.Name, "interval", j.Interval)
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "scheduler: job stopped", "job", j.Name)
			return
		case <-t.C():
			s.run(ctx, j)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "scheduler: job panic",
				"job", j.Name,
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}
	}()

	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		slog.ErrorContext(ctx, "scheduler: job failed", "job", j.Name, "error", err)
	}
}

type timeTicker struct {
	t *time.Ticker
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }

func (t timeTicker) Stop() { t.t.Stop() }
