package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"medtime/internal/task/engine"
	"medtime/pkg/logx"
)

// Job is the function a trigger hands to the engine.
type Job func(ctx context.Context) error

// Enqueuer is the part of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Config struct {
	Timezone string
}

type periodic struct {
	name    string
	spec    Spec
	sched   cron.Schedule
	timeout time.Duration
	job     Job
	state   *engine.RunState
	entry   cron.EntryID
}

type once struct {
	at      time.Time
	timeout time.Duration
	job     Job
	ver     uint64
	timer   *time.Timer
}

// requeueDelay is how long a one-shot waits before retrying a full queue.
const requeueDelay = time.Second

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	eng    Enqueuer
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	now    func() time.Time

	periodic map[string]*periodic
	once     map[string]*once
	ver      uint64

	warn warnThrottle
}

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	return &Service{
		cfg:      cfg,
		log:      log.Component("scheduler"),
		eng:      eng,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:      loadLocation(cfg.Timezone),
		now:      time.Now,
		periodic: map[string]*periodic{},
		once:     map[string]*once{},
		warn:     warnThrottle{every: 5 * time.Second, last: map[string]time.Time{}},
	}
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// Location is the zone cron expressions are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) running() bool { return s.c != nil }

// Start begins triggering. Schedules and one-shots added before Start are
// armed now; a one-shot whose instant already passed fires immediately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running() {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, p := range s.periodic {
		s.registerLocked(p)
	}
	s.c.Start()
	for name, o := range s.once {
		s.armLocked(name, o)
	}
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.periodic)), logx.Int("timers", len(s.once)))
}

// Stop halts triggering, waiting for cron to release its goroutine. Pending
// one-shots stay registered and re-arm on the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, o := range s.once {
		if o.timer != nil {
			o.timer.Stop()
			o.timer = nil
		}
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Apply switches the timezone, rebuilding cron entries when it changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	changed := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	s.loc = loadLocation(cfg.Timezone)
	wasRunning := s.running()
	s.mu.Unlock()
	if changed && wasRunning {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// AddSchedule registers or replaces a periodic job. Runs never overlap: a
// trigger that fires while the previous run is in flight is skipped.
func (s *Service) AddSchedule(name, raw string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" || job == nil {
		return errors.New("schedule name and job are required")
	}
	spec, err := ParseSpec(raw)
	if err != nil {
		return err
	}
	var sched cron.Schedule
	if spec.Kind == SpecInterval {
		sched = cron.Every(spec.Every)
	} else if sched, err = s.parser.Parse(spec.Cron); err != nil {
		return fmt.Errorf("parse cron %q: %w", spec.Cron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.periodic[name]; ok && s.running() {
		s.c.Remove(old.entry)
	}
	p := &periodic{name: name, spec: spec, sched: sched, timeout: timeout, job: job, state: &engine.RunState{}}
	s.periodic[name] = p
	if s.running() {
		s.registerLocked(p)
	}
	s.log.Debug("schedule added", logx.String("name", name), logx.String("spec", spec.String()))
	return nil
}

func (s *Service) registerLocked(p *periodic) {
	p.entry = s.c.Schedule(p.sched, cron.FuncJob(func() {
		s.enqueue(engine.Task{
			Name:    p.name,
			Timeout: p.timeout,
			Run:     p.job,
			State:   p.state,
			Opt:     engine.Options{Overlap: engine.OverlapSkipIfRunning},
		})
	}))
}

// AddOnce registers or replaces a one-shot job due at at.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" || job == nil {
		return errors.New("timer name and job are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.once[name]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.ver++
	o := &once{at: at, timeout: timeout, job: job, ver: s.ver}
	s.once[name] = o
	if s.running() {
		s.armLocked(name, o)
	}
	return nil
}

func (s *Service) armLocked(name string, o *once) {
	delay := o.at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	ver := o.ver
	o.timer = time.AfterFunc(delay, func() { s.fireOnce(name, ver) })
}

func (s *Service) fireOnce(name string, ver uint64) {
	s.mu.Lock()
	o, ok := s.once[name]
	if !ok || o.ver != ver || !s.running() {
		s.mu.Unlock()
		return
	}
	delete(s.once, name)
	s.mu.Unlock()

	err := s.enqueue(engine.Task{Name: name, Timeout: o.timeout, Run: o.job, Opt: engine.Options{Overlap: engine.OverlapSkipIfRunning}})
	if !errors.Is(err, engine.ErrQueueFull) {
		return
	}
	// Full queue: retry shortly rather than lose the trigger.
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, replaced := s.once[name]; replaced || !s.running() {
		return
	}
	o.at = s.now().Add(requeueDelay)
	s.once[name] = o
	s.armLocked(name, o)
}

// Remove drops a schedule or one-shot. It reports whether anything existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	if p, ok := s.periodic[name]; ok {
		if s.running() {
			s.c.Remove(p.entry)
		}
		delete(s.periodic, name)
		found = true
	}
	if o, ok := s.once[name]; ok {
		if o.timer != nil {
			o.timer.Stop()
		}
		delete(s.once, name)
		found = true
	}
	return found
}

// OnceAt reports the due instant of a pending one-shot.
func (s *Service) OnceAt(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.once[name]
	if !ok {
		return time.Time{}, false
	}
	return o.at, true
}

func (s *Service) enqueue(t engine.Task) error {
	err := s.eng.Enqueue(t)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("trigger skipped, previous run in flight", logx.String("task", t.Name))
	default:
		if s.warn.allow(t.Name, s.now()) {
			s.log.Warn("enqueue failed", logx.String("task", t.Name), logx.Err(err))
		}
	}
	return err
}

// Info describes one registered trigger for diagnostics.
type Info struct {
	Name string    `json:"name"`
	Kind string    `json:"kind"`
	Spec string    `json:"spec,omitempty"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.periodic)+len(s.once))
	for _, p := range s.periodic {
		in := Info{Name: p.name, Kind: p.spec.Kind.String(), Spec: p.spec.String()}
		if s.running() {
			e := s.c.Entry(p.entry)
			in.Next, in.Prev = e.Next, e.Prev
		} else {
			in.Next = p.sched.Next(s.now().In(s.loc))
		}
		out = append(out, in)
	}
	for name, o := range s.once {
		out = append(out, Info{Name: name, Kind: "once", Next: o.at})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Next.Equal(out[j].Next) {
			return out[i].Next.Before(out[j].Next)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

type warnThrottle struct {
	mu    sync.Mutex
	every time.Duration
	last  map[string]time.Time
}

func (w *warnThrottle) allow(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.last[key]; ok && now.Sub(prev) < w.every {
		return false
	}
	w.last[key] = now
	return true
}
