package alarm

import (
	"context"
	"slices"
	"sync"
	"time"

	"medtime/internal/eventbus"
	"medtime/internal/medication"
	"medtime/internal/observability/metrics"
	"medtime/internal/transport"
	"medtime/pkg/logx"
)

type RingState string

const (
	StateIdle     RingState = "idle"
	StateRinging  RingState = "ringing"
	StateSilenced RingState = "silenced"
	StateResolved RingState = "resolved"
)

// Sender is the delivery side the Ringer needs; *notifier.Service
// implements it.
type Sender interface {
	SendNow(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	Edit(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error
	Notify(ctx context.Context, n transport.Notification) error
}

type ring struct {
	med   medication.Medication
	kind  Kind
	at    time.Time
	state RingState
	refs  []transport.MessageRef
	timer *time.Timer
	seq   uint64
}

// RingInfo is a read-only view of an active ring.
type RingInfo struct {
	MedicationID string    `json:"medication_id"`
	Medication   string    `json:"medication"`
	Kind         Kind      `json:"kind"`
	State        RingState `json:"state"`
	At           time.Time `json:"at"`
}

type Ringer struct {
	mu      sync.Mutex
	sender  Sender
	targets []transport.ChatTarget
	loc     *time.Location
	rings   map[string]*ring
	seq     uint64

	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time
	// ringFor is how long a ring sounds before going silent.
	ringFor func(med medication.Medication, k Kind) time.Duration
}

func NewRinger(sender Sender, targets []transport.ChatTarget, loc *time.Location, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Ringer {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if loc == nil {
		loc = time.Local
	}
	return &Ringer{
		sender:  sender,
		targets: slices.Clone(targets),
		loc:     loc,
		rings:   map[string]*ring{},
		bus:     bus,
		metrics: m,
		log:     log.Component("ringer"),
		now:     time.Now,
		ringFor: func(med medication.Medication, k Kind) time.Duration {
			return med.SoundDuration(k == KindOneOff)
		},
	}
}

// SetTargets replaces the chats reminders go to.
func (r *Ringer) SetTargets(targets []transport.ChatTarget, loc *time.Location) {
	r.mu.Lock()
	r.targets = slices.Clone(targets)
	if loc != nil {
		r.loc = loc
	}
	r.mu.Unlock()
}

// State reports where the ring for id is; idle when none.
func (r *Ringer) State(id string) RingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rg, ok := r.rings[id]; ok {
		return rg.state
	}
	return StateIdle
}

func (r *Ringer) Active() []RingInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RingInfo, 0, len(r.rings))
	for id, rg := range r.rings {
		out = append(out, RingInfo{MedicationID: id, Medication: rg.med.Name, Kind: rg.kind, State: rg.state, At: rg.at})
	}
	slices.SortFunc(out, func(a, b RingInfo) int { return a.At.Compare(b.At) })
	return out
}

// Ring presents med to every target. A ring already active for the same
// medication is retired first, its buttons removed.
func (r *Ringer) Ring(ctx context.Context, med medication.Medication, k Kind) error {
	r.mu.Lock()
	prev := r.rings[med.ID]
	delete(r.rings, med.ID)
	if prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	targets := slices.Clone(r.targets)
	at := r.now().In(r.loc)
	r.mu.Unlock()

	if prev != nil {
		r.editAll(ctx, prev.refs, ringText(prev.med, prev.kind, prev.at)+"\n🔁 Aviso repetido", &transport.SendOptions{RemoveKeyboard: true})
	}

	text := ringText(med, k, at)
	opt := &transport.SendOptions{Keyboard: keyboard(med.ID)}
	var (
		refs    []transport.MessageRef
		lastErr error
	)
	for _, to := range targets {
		ref, err := r.sender.SendNow(ctx, to, text, opt)
		if err != nil {
			lastErr = err
			r.log.Warn("reminder delivery failed", logx.String("med", med.Name), logx.Int64("chat", to.ChatID), logx.Err(err))
			continue
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 && lastErr != nil {
		return lastErr
	}

	r.mu.Lock()
	r.seq++
	rg := &ring{med: med, kind: k, at: at, state: StateRinging, refs: refs, seq: r.seq}
	seq := rg.seq
	rg.timer = time.AfterFunc(r.ringFor(med, k), func() { r.silence(med.ID, seq) })
	r.rings[med.ID] = rg
	n := len(r.rings)
	r.mu.Unlock()

	r.metrics.SetActiveRings(n)
	r.bus.Publish(eventbus.Event{Type: eventbus.RingStarted, Data: RingInfo{MedicationID: med.ID, Medication: med.Name, Kind: k, State: StateRinging, At: at}})
	r.log.Info("ringing", logx.String("med", med.Name), logx.String("kind", string(k)), logx.Int("messages", len(refs)))
	return nil
}

func (r *Ringer) silence(id string, seq uint64) {
	r.mu.Lock()
	rg, ok := r.rings[id]
	if !ok || rg.seq != seq || rg.state != StateRinging {
		r.mu.Unlock()
		return
	}
	rg.state = StateSilenced
	refs := slices.Clone(rg.refs)
	text := silencedText(rg.med, rg.kind, rg.at)
	info := RingInfo{MedicationID: id, Medication: rg.med.Name, Kind: rg.kind, State: StateSilenced, At: rg.at}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	r.editAll(ctx, refs, text, &transport.SendOptions{Keyboard: keyboard(id)})
	r.bus.Publish(eventbus.Event{Type: eventbus.RingSilenced, Data: info})
}

// Resolve ends the ring for id, rewriting its messages to result without
// buttons. It reports whether a ring was active.
func (r *Ringer) Resolve(ctx context.Context, id, result string) bool {
	r.mu.Lock()
	rg, ok := r.rings[id]
	if ok {
		delete(r.rings, id)
		if rg.timer != nil {
			rg.timer.Stop()
		}
		rg.state = StateResolved
	}
	n := len(r.rings)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.metrics.SetActiveRings(n)
	r.editAll(ctx, rg.refs, title(rg.med, rg.kind)+"\n"+result, &transport.SendOptions{RemoveKeyboard: true})
	r.bus.Publish(eventbus.Event{Type: eventbus.RingResolved, Data: RingInfo{MedicationID: id, Medication: rg.med.Name, Kind: rg.kind, State: StateResolved, At: rg.at}})
	return true
}

// Broadcast queues an informational message to every target.
func (r *Ringer) Broadcast(ctx context.Context, text string) {
	r.mu.Lock()
	targets := slices.Clone(r.targets)
	r.mu.Unlock()
	for _, to := range targets {
		if err := r.sender.Notify(ctx, transport.Notification{Target: to, Text: text}); err != nil {
			r.log.Warn("broadcast failed", logx.Int64("chat", to.ChatID), logx.Err(err))
		}
	}
}

func (r *Ringer) editAll(ctx context.Context, refs []transport.MessageRef, text string, opt *transport.SendOptions) {
	for _, ref := range refs {
		if err := r.sender.Edit(ctx, ref, text, opt); err != nil {
			r.log.Debug("edit failed", logx.Int64("chat", ref.ChatID), logx.Int("msg", ref.MessageID), logx.Err(err))
		}
	}
}
