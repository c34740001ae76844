package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"medtime/internal/eventbus"
	"medtime/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, *eventbus.Memory) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestRunsTask(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	var ran atomic.Bool
	if err := s.Enqueue(Task{Name: "hello", Run: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitEvent(t, events, eventbus.TaskFinished)
	if !ran.Load() {
		t.Fatalf("task did not run")
	}
	if h := s.Snapshot().History; len(h) != 1 || h[0].Name != "hello" {
		t.Fatalf("history=%+v", h)
	}
}

func TestRetriesThenFails(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 2})
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "flaky", Opt: Options{RetryBase: time.Millisecond}, Run: func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("nope")
	}})
	e := waitEvent(t, events, eventbus.TaskFailed)
	if calls.Load() != 3 || e.Data.(Event).Attempts != 3 {
		t.Fatalf("calls=%d event=%+v", calls.Load(), e.Data)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 5})
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "bad", Run: func(ctx context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("invalid"))
	}})
	waitEvent(t, events, eventbus.TaskFailed)
	if calls.Load() != 1 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestOverlapSkip(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	started := make(chan struct{})
	st := &RunState{}
	task := Task{Name: "sweep", State: st, Opt: Options{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first: %v", err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second err=%v", err)
	}
	close(release)
}

func TestQueueFullAndStopped(t *testing.T) {
	s := New(Config{Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	noop := Task{Name: "x", Run: func(context.Context) error { return nil }}
	if err := s.Enqueue(noop); !errors.Is(err, ErrStopped) {
		t.Fatalf("before start err=%v", err)
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "busy", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	if err := s.Enqueue(noop); err != nil {
		t.Fatalf("fill queue: %v", err)
	}
	if err := s.Enqueue(noop); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v", err)
	}
	if s.Snapshot().Dropped != 1 {
		t.Fatalf("dropped=%d", s.Snapshot().Dropped)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 3})
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()
	_ = s.Enqueue(Task{Name: "panics", Run: func(context.Context) error { panic("x") }})
	e := waitEvent(t, events, eventbus.TaskFailed)
	if e.Data.(Event).Attempts != 1 {
		t.Fatalf("panic must not retry: %+v", e.Data)
	}
}
