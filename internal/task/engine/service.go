package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"medtime/internal/eventbus"
	"medtime/internal/runtime/supervisor"
	"medtime/pkg/logx"
)

type queued struct {
	task     Task
	state    *RunState
	enqueued time.Time
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q   chan queued
	sup *supervisor.Supervisor

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	seq     atomic.Uint64
	dropped atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64

	// OnResult observes every finished task; used for metrics.
	OnResult func(name string, dur time.Duration, err error)
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.Component("engine"),
		bus:    bus,
		states: map[string]*RunState{},
	}
}

// Start launches the workers. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	cfg := s.cfg
	s.q = make(chan queued, cfg.QueueSize)
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithBus(s.bus))
	q := s.q
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		s.sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			return s.worker(c, q, idx)
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels the workers and waits for in-flight attempts up to ctx.
// Queued tasks are discarded.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.q = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

// Apply swaps the config, restarting workers when pool geometry changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.sup != nil
	s.mu.Unlock()
	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Enqueue hands t to the pool without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	if t.ID == "" {
		t.ID = fmt.Sprintf("%s#%d", t.Name, s.seq.Add(1))
	}

	s.mu.Lock()
	q := s.q
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}

	st := t.State
	if st == nil {
		st = s.stateFor(t.Name)
	}
	gated := t.Opt.Overlap == OverlapSkipIfRunning
	if gated && !st.acquire() {
		s.skipped.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskSkipped, Data: Event{ID: t.ID, Name: t.Name, Error: "overlap"}})
		return ErrOverlapSkip
	}
	if !gated {
		st = nil
	}

	select {
	case q <- queued{task: t, state: st, enqueued: time.Now()}:
		return nil
	default:
		if st != nil {
			st.release()
		}
		s.dropped.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Data: Event{ID: t.ID, Name: t.Name, Error: "queue_full"}})
		return ErrQueueFull
	}
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) worker(ctx context.Context, q <-chan queued, idx int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case qt := <-q:
			s.exec(ctx, qt, rng)
		}
	}
}

func (s *Service) exec(ctx context.Context, qt queued, rng *rand.Rand) {
	if qt.state != nil {
		defer qt.state.release()
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := qt.task
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	retries := cfg.RetryMax
	switch {
	case t.Opt.RetryMax > 0:
		retries = t.Opt.RetryMax
	case t.Opt.RetryMax < 0:
		retries = 0
	}

	start := time.Now()
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: Event{ID: t.ID, Name: t.Name}})

	var err error
	attempts := 0
	for attempt := 1; attempt <= retries+1; attempt++ {
		attempts = attempt
		err = s.attempt(ctx, t, timeout)
		if err == nil || IsNoRetry(err) || ctx.Err() != nil || attempt > retries {
			break
		}
		delay := backoff(t.Opt, attempt, rng)
		s.log.Debug("task retry scheduled", logx.String("task", t.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(delay):
			continue
		}
		break
	}

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		s.log.Warn("task failed", logx.String("task", t.Name), logx.Int("attempts", attempts), logx.Duration("dur", dur), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: Event{ID: t.ID, Name: t.Name, Attempts: attempts, Duration: dur, Error: item.Error}})
	} else {
		s.log.Debug("task finished", logx.String("task", t.Name), logx.Int("attempts", attempts), logx.Duration("dur", dur))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: Event{ID: t.ID, Name: t.Name, Attempts: attempts, Duration: dur}})
	}
	if s.OnResult != nil {
		s.OnResult(t.Name, dur, err)
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := len(s.history) - cfg.HistorySize; n > 0 {
		s.history = s.history[n:]
	}
	s.hmu.Unlock()
}

// attempt runs one try, turning a panic into an error so the worker survives.
func (s *Service) attempt(ctx context.Context, t Task, timeout time.Duration) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", t.Name), logx.Any("panic", r))
			err = NoRetry(fmt.Errorf("panic: %v", r))
		}
	}()
	return t.Run(runCtx)
}

func backoff(opt Options, attempt int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	limit := opt.RetryCap
	if limit <= 0 {
		limit = 15 * time.Second
	}
	d := base
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	// +-20% jitter
	d = time.Duration(float64(d) * (0.8 + rng.Float64()*0.4))
	return min(d, limit)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.sup != nil
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap := Snapshot{
		Running: running,
		Workers: cfg.Workers,
		Dropped: s.dropped.Load(),
		Skipped: s.skipped.Load(),
		Failed:  s.failed.Load(),
		History: h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}
