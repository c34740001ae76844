package alarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"medtime/internal/catalog"
	"medtime/internal/eventbus"
	"medtime/internal/medication"
	"medtime/internal/observability/metrics"
	"medtime/internal/relay"
	"medtime/internal/storage"
	"medtime/internal/task/scheduler"
	"medtime/pkg/logx"
)

const (
	SweepName = "alarm.sweep"

	ModeExact   = "exact"
	ModeInexact = "inexact"
)

type Config struct {
	// Exact arms one timer per alarm. When false every alarm waits for the
	// sweep, which fires it up to one sweep interval late.
	Exact       bool
	Sweep       string
	Snooze      time.Duration
	TestDelay   time.Duration
	StaleGrace  time.Duration
	FireTimeout time.Duration
	Location    *time.Location
}

func (c Config) withDefaults() Config {
	if c.Sweep == "" {
		c.Sweep = "every:30s"
	}
	if c.Snooze <= 0 {
		c.Snooze = 300 * time.Second
	}
	if c.TestDelay <= 0 {
		c.TestDelay = 10 * time.Second
	}
	if c.StaleGrace <= 0 {
		c.StaleGrace = time.Minute
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = 30 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type Catalog interface {
	All(ctx context.Context) ([]medication.Medication, error)
	Find(ctx context.Context, id string) (medication.Medication, error)
	SetNextAlarm(ctx context.Context, id string, at time.Time) error
}

type Scheduler interface {
	AddOnce(name string, at time.Time, timeout time.Duration, job scheduler.Job) error
	AddSchedule(name, spec string, timeout time.Duration, job scheduler.Job) error
	Remove(name string) bool
}

type Relay interface {
	Build(med medication.Medication, kind relay.Kind, loc *time.Location) relay.Alert
	Send(ctx context.Context, medID string, a relay.Alert) error
}

type Deps struct {
	Catalog   Catalog
	Scheduler Scheduler
	Ringer    *Ringer
	Relay     Relay
	Store     storage.Store
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

type armed struct {
	id   string
	kind Kind
	at   time.Time
	mode string
}

// Event is the bus payload for alarm.* events.
type Event struct {
	MedicationID string    `json:"medication_id"`
	Medication   string    `json:"medication,omitempty"`
	Kind         Kind      `json:"kind"`
	At           time.Time `json:"at"`
	Mode         string    `json:"mode,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// Armed describes the outcome of arming one medication. A zero At means no
// alarm is armed.
type Armed struct {
	At   time.Time
	Mode string
}

// Outcome is the result of a patient action.
type Outcome struct {
	Medication medication.Medication
	// Next is the next alarm instant: the regular dose after Taken, the
	// snooze one-off after Snooze. Zero when nothing was scheduled.
	Next time.Time
	// RelayErr is non-nil when the caregiver alert was not recorded. The
	// local action happened regardless.
	RelayErr error
}

type RearmReport struct {
	Armed     int
	Cancelled int
	Missed    int
}

type Planner struct {
	mu    sync.Mutex
	cfg   Config
	armed map[string]armed

	cat     Catalog
	sched   Scheduler
	ringer  *Ringer
	relay   Relay
	store   storage.Store
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time
}

func NewPlanner(cfg Config, d Deps) *Planner {
	bus := d.Bus
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Planner{
		cfg:     cfg.withDefaults(),
		armed:   map[string]armed{},
		cat:     d.Catalog,
		sched:   d.Scheduler,
		ringer:  d.Ringer,
		relay:   d.Relay,
		store:   d.Store,
		bus:     bus,
		metrics: d.Metrics,
		log:     d.Log.Component("planner"),
		now:     time.Now,
	}
}

func (p *Planner) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Start registers the inexact sweep and re-arms every stored medication.
func (p *Planner) Start(ctx context.Context) (RearmReport, error) {
	cfg := p.config()
	if err := p.sched.AddSchedule(SweepName, cfg.Sweep, 2*time.Minute, p.sweep); err != nil {
		return RearmReport{}, fmt.Errorf("register sweep: %w", err)
	}
	return p.RearmAll(ctx)
}

// Apply swaps the config and re-arms everything under it.
func (p *Planner) Apply(ctx context.Context, cfg Config) (RearmReport, error) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
	return p.Start(ctx)
}

// Arm schedules the next dose of med, or cancels it when med is inactive.
// Arming again replaces the previous timer.
func (p *Planner) Arm(ctx context.Context, med medication.Medication) (Armed, error) {
	if !med.Active {
		return Armed{}, p.Cancel(ctx, med.ID)
	}
	at := med.NextAlarm(p.now())
	if at.IsZero() {
		p.disarm(SchedName(KindRegular, med.ID))
		return Armed{}, nil
	}
	return p.armAt(ctx, med, at)
}

func (p *Planner) armAt(ctx context.Context, med medication.Medication, at time.Time) (Armed, error) {
	if !med.NextAlarmAt.Equal(at) {
		if err := p.cat.SetNextAlarm(ctx, med.ID, at); err != nil {
			return Armed{}, fmt.Errorf("persist next alarm: %w", err)
		}
	}
	mode := p.schedule(med, KindRegular, at)
	return Armed{At: at, Mode: mode}, nil
}

// schedule arms key exactly when allowed, else queues it for the sweep.
func (p *Planner) schedule(med medication.Medication, k Kind, at time.Time) string {
	cfg := p.config()
	key := SchedName(k, med.ID)
	mode := ModeInexact
	if cfg.Exact {
		id := med.ID
		err := p.sched.AddOnce(key, at, cfg.FireTimeout, func(ctx context.Context) error {
			a, ok := p.take(key, at)
			if !ok {
				return nil
			}
			if err := p.fire(ctx, id, k); err != nil {
				p.restore(key, a)
				return err
			}
			return nil
		})
		if err == nil {
			mode = ModeExact
		} else {
			p.log.Warn("exact alarm unavailable, using sweep", logx.String("med", med.Name), logx.Err(err))
			p.bus.Publish(eventbus.Event{Type: eventbus.AlarmDegraded, Data: Event{MedicationID: med.ID, Medication: med.Name, Kind: k, At: at, Reason: err.Error()}})
		}
	}
	if mode == ModeInexact {
		p.sched.Remove(key)
	}

	p.mu.Lock()
	p.armed[key] = armed{id: med.ID, kind: k, at: at, mode: mode}
	pending := p.pendingLocked()
	p.mu.Unlock()

	p.metrics.AlarmArmed(mode)
	p.metrics.SetPendingInexact(pending)
	p.bus.Publish(eventbus.Event{Type: eventbus.AlarmArmed, Data: Event{MedicationID: med.ID, Medication: med.Name, Kind: k, At: at, Mode: mode}})
	p.log.Debug("alarm armed", logx.String("med", med.Name), logx.String("kind", string(k)), logx.Time("at", at), logx.String("mode", mode))
	return mode
}

func (p *Planner) pendingLocked() int {
	n := 0
	for _, a := range p.armed {
		if a.mode == ModeInexact {
			n++
		}
	}
	return n
}

// take claims an armed entry for firing. It fails when the entry was
// re-armed for another instant or cancelled since.
func (p *Planner) take(key string, at time.Time) (armed, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.armed[key]
	if !ok || !a.at.Equal(at) {
		return armed{}, false
	}
	delete(p.armed, key)
	return a, true
}

// restore puts back an entry whose fire failed so the next attempt can claim
// it. The timer is spent, so it waits on the sweep unless the engine retries
// first. An entry armed meanwhile wins.
func (p *Planner) restore(key string, a armed) {
	p.mu.Lock()
	if _, ok := p.armed[key]; !ok {
		a.mode = ModeInexact
		p.armed[key] = a
	}
	pending := p.pendingLocked()
	p.mu.Unlock()
	p.metrics.SetPendingInexact(pending)
}

func (p *Planner) disarm(key string) bool {
	removed := p.sched.Remove(key)
	p.mu.Lock()
	_, had := p.armed[key]
	delete(p.armed, key)
	pending := p.pendingLocked()
	p.mu.Unlock()
	p.metrics.SetPendingInexact(pending)
	return removed || had
}

// Cancel removes the regular alarm for id and clears its persisted instant.
// A medication that no longer exists is not an error.
func (p *Planner) Cancel(ctx context.Context, id string) error {
	if p.disarm(SchedName(KindRegular, id)) {
		p.bus.Publish(eventbus.Event{Type: eventbus.AlarmCancelled, Data: Event{MedicationID: id, Kind: KindRegular}})
	}
	err := p.cat.SetNextAlarm(ctx, id, time.Time{})
	if errors.Is(err, catalog.ErrNotFound) {
		return nil
	}
	return err
}

// Forget drops every alarm and ring of a deleted medication.
func (p *Planner) Forget(ctx context.Context, id string) {
	p.disarm(SchedName(KindRegular, id))
	p.disarm(SchedName(KindOneOff, id))
	p.ringer.Resolve(ctx, id, "🗑️ Medicamento eliminado")
}

// RearmAll rebuilds every alarm from the catalog, as after a restart.
// Alarms persisted further than StaleGrace in the past are reported missed;
// one that is late by less than that fires right away.
func (p *Planner) RearmAll(ctx context.Context) (RearmReport, error) {
	meds, err := p.cat.All(ctx)
	if err != nil {
		return RearmReport{}, err
	}
	cfg := p.config()
	now := p.now()
	var rep RearmReport

	keep := make(map[string]bool, len(meds))
	for _, m := range meds {
		keep[m.ID] = true
	}
	p.mu.Lock()
	var orphans []string
	for key, a := range p.armed {
		if !keep[a.id] {
			orphans = append(orphans, key)
		}
	}
	p.mu.Unlock()
	for _, key := range orphans {
		p.disarm(key)
	}

	var errs []error
	for _, m := range meds {
		if !m.Active {
			if err := p.Cancel(ctx, m.ID); err != nil {
				errs = append(errs, err)
			}
			rep.Cancelled++
			continue
		}
		late := !m.NextAlarmAt.IsZero() && m.NextAlarmAt.Before(now)
		if late && now.Sub(m.NextAlarmAt) <= cfg.StaleGrace && m.IntervalHours > 0 {
			if _, err := p.armAt(ctx, m, m.NextAlarmAt); err != nil {
				errs = append(errs, err)
			}
			rep.Armed++
			continue
		}
		if late {
			p.missed(ctx, m)
			rep.Missed++
		}
		a, err := p.Arm(ctx, m)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !a.At.IsZero() {
			rep.Armed++
		}
	}
	p.log.Info("alarms rearmed", logx.Int("armed", rep.Armed), logx.Int("cancelled", rep.Cancelled), logx.Int("missed", rep.Missed))
	return rep, errors.Join(errs...)
}

func (p *Planner) missed(ctx context.Context, m medication.Medication) {
	loc := p.config().Location
	p.log.Warn("dose missed while offline", logx.String("med", m.Name), logx.Time("scheduled", m.NextAlarmAt))
	p.metrics.AlarmMissed()
	p.bus.Publish(eventbus.Event{Type: eventbus.AlarmMissed, Data: Event{MedicationID: m.ID, Medication: m.Name, Kind: KindRegular, At: m.NextAlarmAt}})
	p.record(ctx, m, storage.EventMissed, m.NextAlarmAt)
	p.ringer.Broadcast(ctx, fmt.Sprintf("⚠️ Dosis perdida: %s (programada %s)", m.Name, m.NextAlarmAt.In(loc).Format("02/01 15:04")))
}

func (p *Planner) record(ctx context.Context, m medication.Medication, kind string, scheduled time.Time) {
	err := p.store.AppendEvent(ctx, storage.DoseEvent{
		ID:           uuid.NewString(),
		At:           p.now(),
		MedicationID: m.ID,
		Medication:   m.Name,
		Kind:         kind,
		ScheduledAt:  scheduled,
	})
	if err != nil {
		p.log.Warn("dose event not recorded", logx.String("med", m.Name), logx.String("kind", kind), logx.Err(err))
	}
}

// Test arms a one-off alarm for id after delay (TestDelay when <= 0).
func (p *Planner) Test(ctx context.Context, id string, delay time.Duration) (time.Time, error) {
	med, err := p.cat.Find(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if delay <= 0 {
		delay = p.config().TestDelay
	}
	at := p.now().Add(delay)
	p.schedule(med, KindOneOff, at)
	return at, nil
}

func (p *Planner) Upcoming(ctx context.Context) ([]medication.Upcoming, error) {
	meds, err := p.cat.All(ctx)
	if err != nil {
		return nil, err
	}
	return medication.UpcomingAlarms(meds, p.now()), nil
}

func (p *Planner) sweep(ctx context.Context) error {
	now := p.now()
	p.mu.Lock()
	due := make(map[string]armed)
	for key, a := range p.armed {
		if a.mode == ModeInexact && !a.at.After(now) {
			due[key] = a
			delete(p.armed, key)
		}
	}
	pending := p.pendingLocked()
	p.mu.Unlock()
	p.metrics.SetPendingInexact(pending)

	var errs []error
	for key, a := range due {
		if err := p.fire(ctx, a.id, a.kind); err != nil {
			p.restore(key, a)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fire delivers one alarm. A regular fire also arms the following dose.
func (p *Planner) fire(ctx context.Context, id string, k Kind) error {
	med, err := p.cat.Find(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		p.log.Info("alarm dropped, medication gone", logx.String("id", id), logx.String("kind", string(k)))
		return nil
	}
	if err != nil {
		return err
	}
	if k == KindRegular && !med.Active {
		return p.Cancel(ctx, id)
	}

	p.metrics.AlarmFired(string(k))
	p.bus.Publish(eventbus.Event{Type: eventbus.AlarmFired, Data: Event{MedicationID: id, Medication: med.Name, Kind: k, At: p.now()}})
	p.record(ctx, med, storage.EventFired, med.NextAlarmAt)

	shown := med
	if k == KindOneOff {
		shown = oneOff(med)
	}
	if err := p.ringer.Ring(ctx, shown, k); err != nil {
		p.log.Error("reminder not delivered", logx.String("med", med.Name), logx.Err(err))
	}

	if k != KindRegular {
		return nil
	}
	next := med.NextAlarm(p.now())
	if next.IsZero() {
		p.disarm(SchedName(KindRegular, id))
		p.log.Warn("next dose not armed, interval unset", logx.String("med", med.Name), logx.Int("interval_hours", med.IntervalHours))
		return nil
	}
	_, err = p.armAt(ctx, med, next)
	return err
}

// Taken marks the current dose of id as taken and arms the next one.
func (p *Planner) Taken(ctx context.Context, id string) (Outcome, error) {
	med, err := p.cat.Find(ctx, id)
	if err != nil {
		p.ringer.Resolve(ctx, id, "❌ Medicamento no encontrado")
		return Outcome{}, err
	}
	cfg := p.config()
	now := p.now()
	p.ringer.Resolve(ctx, id, fmt.Sprintf("✅ Tomado a las %s", now.In(cfg.Location).Format("15:04")))

	out := Outcome{Medication: med}
	out.RelayErr = p.relay.Send(ctx, id, p.relay.Build(med, relay.KindTaken, cfg.Location))
	p.record(ctx, med, storage.EventTaken, med.NextAlarmAt)
	p.metrics.DoseAction(string(ActionTaken))
	p.bus.Publish(eventbus.Event{Type: eventbus.DoseTaken, Data: Event{MedicationID: id, Medication: med.Name, Kind: KindRegular, At: now}})

	if !med.Active {
		return out, nil
	}
	next := med.NextAlarm(now)
	if next.IsZero() || next.Before(now.Add(-cfg.StaleGrace)) {
		p.log.Warn("next dose not rescheduled, computed instant is in the past", logx.String("med", med.Name), logx.Time("next", next))
		return out, nil
	}
	a, err := p.armAt(ctx, med, next)
	if err != nil {
		return out, err
	}
	out.Next = a.At
	return out, nil
}

// Snooze postpones the current dose of id by the snooze interval. The
// regular schedule is left untouched.
func (p *Planner) Snooze(ctx context.Context, id string) (Outcome, error) {
	med, err := p.cat.Find(ctx, id)
	if err != nil {
		p.ringer.Resolve(ctx, id, "❌ Medicamento no encontrado")
		return Outcome{}, err
	}
	cfg := p.config()
	now := p.now()
	p.ringer.Resolve(ctx, id, fmt.Sprintf("⏰ Pospuesto %d minutos", int(cfg.Snooze.Minutes())))

	out := Outcome{Medication: med}
	out.RelayErr = p.relay.Send(ctx, id, p.relay.Build(med, relay.KindSkipped, cfg.Location))
	p.record(ctx, med, storage.EventSnoozed, med.NextAlarmAt)
	p.metrics.DoseAction(string(ActionSnooze))
	p.bus.Publish(eventbus.Event{Type: eventbus.DoseSnoozed, Data: Event{MedicationID: id, Medication: med.Name, Kind: KindOneOff, At: now}})

	out.Next = now.Add(cfg.Snooze)
	p.schedule(med, KindOneOff, out.Next)
	return out, nil
}

// Pending lists armed alarms for diagnostics.
func (p *Planner) Pending() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, 0, len(p.armed))
	for _, a := range p.armed {
		out = append(out, Event{MedicationID: a.id, Kind: a.kind, At: a.at, Mode: a.mode})
	}
	return out
}
