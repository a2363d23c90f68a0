package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/etrivia/internal/scheduler"
)

type fakeTicker struct {
	c       chan time.Time
	stopped atomic.Bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.c }

func (f *fakeTicker) Stop() { f.stopped.Store(true) }

type tickers struct {
	mu   sync.Mutex
	byD  map[time.Duration]*fakeTicker
	made chan struct{}
}

func newTickers() *tickers {
	return &tickers{byD: make(map[time.Duration]*fakeTicker), made: make(chan struct{}, 8)}
}

func (ts *tickers) New(d time.Duration) scheduler.Ticker {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t := &fakeTicker{c: make(chan time.Time)}
	ts.byD[d] = t
	ts.made <- struct{}{}
	return t
}

func (ts *tickers) get(d time.Duration) *fakeTicker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.byD[d]
}

func TestScheduler_Run(t *testing.T) {
	ts := newTickers()

	var ticks, sweeps atomic.Int32
	done := make(chan string, 8)

	s := scheduler.New(scheduler.Config{
		NewTicker: ts.New,
		Jobs: []scheduler.Job{
			{
				Name:     "tick",
				Interval: time.Second,
				Run: func(context.Context) error {
					ticks.Add(1)
					done <- "tick"
					return errors.New("boom")
				},
			},
			{
				Name:     "sweep",
				Interval: time.Minute,
				Run: func(context.Context) error {
					if sweeps.Add(1) == 1 {
						panic("first sweep panics")
					}
					done <- "sweep"
					return nil
				},
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- s.Run(ctx) }()

	for range 2 {
		select {
		case <-ts.made:
		case <-time.After(time.Second):
			t.Fatal("tickers were not created")
		}
	}

	tick, sweep := ts.get(time.Second), ts.get(time.Minute)
	require.NotNil(t, tick)
	require.NotNil(t, sweep)

	tick.c <- time.Now()
	tick.c <- time.Now()
	assert.Equal(t, "tick", <-done)
	assert.Equal(t, "tick", <-done)

	sweep.c <- time.Now()
	sweep.c <- time.Now()
	assert.Equal(t, "sweep", <-done, "a panicking run must not stop the job")

	cancel()
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Equal(t, int32(2), ticks.Load())
	assert.Equal(t, int32(2), sweeps.Load())
	assert.True(t, tick.stopped.Load())
	assert.True(t, sweep.stopped.Load())
}

func TestScheduler_RejectsNonPositiveInterval(t *testing.T) {
	s := scheduler.New(scheduler.Config{
		Jobs: []scheduler.Job{{Name: "bad", Run: func(context.Context) error { return nil }}},
	})

	err := s.Run(context.Background())
	assert.ErrorContains(t, err, "interval must be positive")
}
