package alarm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"medtime/internal/catalog"
	"medtime/internal/medication"
	"medtime/internal/relay"
	"medtime/internal/storage"
	"medtime/internal/task/scheduler"
	"medtime/internal/transport"
	"medtime/pkg/logx"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type onceJob struct {
	at  time.Time
	job scheduler.Job
}

// fakeSched records registrations; tests fire them by hand.
type fakeSched struct {
	mu       sync.Mutex
	once     map[string]onceJob
	periodic map[string]scheduler.Job
	exactErr error
}

func newFakeSched() *fakeSched {
	return &fakeSched{once: map[string]onceJob{}, periodic: map[string]scheduler.Job{}}
}

func (f *fakeSched) AddOnce(name string, at time.Time, _ time.Duration, job scheduler.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exactErr != nil {
		return f.exactErr
	}
	f.once[name] = onceJob{at: at, job: job}
	return nil
}

func (f *fakeSched) AddSchedule(name, _ string, _ time.Duration, job scheduler.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.periodic[name] = job
	return nil
}

func (f *fakeSched) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.once[name]
	delete(f.once, name)
	return ok
}

func (f *fakeSched) get(name string) (onceJob, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.once[name]
	return j, ok
}

func (f *fakeSched) fire(t *testing.T, name string) {
	t.Helper()
	f.mu.Lock()
	j, ok := f.once[name]
	delete(f.once, name)
	f.mu.Unlock()
	require.True(t, ok, "no timer %s", name)
	require.NoError(t, j.job(context.Background()))
}

func (f *fakeSched) sweep(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	job := f.periodic[SweepName]
	f.mu.Unlock()
	require.NotNil(t, job, "sweep not registered")
	require.NoError(t, job(context.Background()))
}

type sentMsg struct {
	ref  transport.MessageRef
	text string
	opt  *transport.SendOptions
}

type fakeSender struct {
	mu      sync.Mutex
	next    int
	sent    []sentMsg
	edits   []sentMsg
	notices []string
	fail    bool
}

func (f *fakeSender) SendNow(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return transport.MessageRef{}, errors.New("offline")
	}
	f.next++
	ref := transport.MessageRef{ChatID: to.ChatID, MessageID: f.next}
	f.sent = append(f.sent, sentMsg{ref: ref, text: text, opt: opt})
	return ref, nil
}

func (f *fakeSender) Edit(_ context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sentMsg{ref: ref, text: text, opt: opt})
	return nil
}

func (f *fakeSender) Notify(_ context.Context, n transport.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n.Text)
	return nil
}

func (f *fakeSender) lastSent() sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentMsg{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) editTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.edits))
	for _, e := range f.edits {
		out = append(out, e.text)
	}
	return out
}

type harness struct {
	clock   *clock
	sched   *fakeSched
	sender  *fakeSender
	store   storage.Store
	catalog *catalog.Catalog
	ringer  *Ringer
	planner *Planner
}

func newHarness(t *testing.T, cfg Config, patient relay.Patient) *harness {
	t.Helper()
	h := &harness{clock: &clock{now: t0}, sched: newFakeSched(), sender: &fakeSender{}, store: storage.NewMemory()}
	cat, err := catalog.Open(context.Background(), h.store, catalog.Options{Now: h.clock.Now})
	require.NoError(t, err)
	h.catalog = cat

	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	h.ringer = NewRinger(h.sender, []transport.ChatTarget{{ChatID: 42}}, time.UTC, nil, nil, logx.Nop())
	h.ringer.now = h.clock.Now
	h.ringer.ringFor = func(medication.Medication, Kind) time.Duration { return time.Hour }

	h.planner = NewPlanner(cfg, Deps{
		Catalog:   cat,
		Scheduler: h.sched,
		Ringer:    h.ringer,
		Relay:     relay.New(patient, h.store, nil, nil, logx.Nop()),
		Store:     h.store,
		Log:       logx.Nop(),
	})
	h.planner.now = h.clock.Now
	return h
}

// addMed stores an active medication whose first dose was at 08:00 on t0's day.
func (h *harness) addMed(t *testing.T, name string, interval int) medication.Medication {
	t.Helper()
	m := medication.New(name, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), t0)
	m.IntervalHours = interval
	m.Notes = "con agua"
	m, err := h.catalog.Add(context.Background(), m)
	require.NoError(t, err)
	return m
}

func (h *harness) find(t *testing.T, id string) medication.Medication {
	t.Helper()
	m, err := h.catalog.Find(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (h *harness) eventKinds(t *testing.T, id string) []string {
	t.Helper()
	evs, err := h.store.ListEvents(context.Background(), id, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Kind)
	}
	return out
}

func contains(t *testing.T, s, sub string) {
	t.Helper()
	if !strings.Contains(s, sub) {
		t.Fatalf("%q does not contain %q", s, sub)
	}
}
