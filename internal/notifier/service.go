package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"medtime/internal/eventbus"
	"medtime/internal/runtime/supervisor"
	"medtime/internal/storage"
	"medtime/internal/transport"
	"medtime/pkg/logx"
)

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	adapter transport.Adapter
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[transport.MessageRef]

	queue chan transport.Notification
	sup   *supervisor.Supervisor
	wg    sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time

	sent, failed, dropped, deduped atomic.Uint64

	now func() time.Time

	// OnOutcome observes every delivery outcome; used for metrics.
	OnOutcome func(outcome string)
}

func New(cfg Config, adapter transport.Adapter, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		log:     log.Component("notifier"),
		bus:     bus,
		store:   store,
		adapter: adapter,
		dedup:   map[string]time.Time{},
		now:     time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	trip := uint32(cfg.BreakerFailures)
	log := s.log
	s.breaker = gobreaker.NewCircuitBreaker[transport.MessageRef](gobreaker.Settings{
		Name:        "notifier." + s.adapter.Name(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= trip },
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("send breaker state changed", logx.String("breaker", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
}

// Apply swaps rate, retry and breaker settings. Worker and queue size apply
// on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan transport.Notification, s.cfg.QueueSize)
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithBus(s.bus))
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.worker(c, q)
		})
	}
}

// Stop refuses new notifications and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
	if q == nil {
		return
	}
	// In-flight Notify calls hold wg; close only after they returned.
	s.wg.Wait()
	close(q)

	done := make(chan struct{})
	go func() {
		_ = sup.Wait(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("notifier stop timed out, pending messages dropped", logx.Int("pending", len(q)))
	}
}

func (s *Service) worker(ctx context.Context, q <-chan transport.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-q:
			if !ok {
				return nil
			}
			if _, err := s.send(ctx, n.Target, n.Text, n.Options); err != nil {
				s.log.Warn("notification failed", logx.Int64("chat", n.Target.ChatID), logx.Err(err))
			}
		}
	}
}

// Notify queues n. A notification identical to one sent within the dedup
// window is dropped silently.
func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	q := s.queue
	window := s.cfg.DedupWindow
	persist := s.cfg.PersistDedup
	if q != nil {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}
	defer s.wg.Done()

	key := n.Key
	if key == "" {
		key = dedupKey(n)
	}
	if window > 0 && !s.dedupAllow(ctx, key, window, persist) {
		s.count(&s.deduped, OutcomeDeduped)
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifyDeduped, Data: Event{ChatID: n.Target.ChatID, Key: key}})
		return nil
	}

	select {
	case q <- n:
		return nil
	default:
		s.count(&s.dropped, OutcomeDropped)
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifyDropped, Data: Event{ChatID: n.Target.ChatID, Key: key, Error: ErrQueueFull.Error()}})
		return ErrQueueFull
	}
}

// SendNow delivers synchronously and returns the message reference.
func (s *Service) SendNow(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return s.send(ctx, to, text, opt)
}

// Edit rewrites a delivered message. Edits are rate limited and pass the
// breaker but are never retried.
func (s *Service) Edit(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	s.mu.Lock()
	lim, br, cfg := s.limiter, s.breaker, s.cfg
	s.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	_, err := br.Execute(func() (transport.MessageRef, error) {
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		return ref, s.adapter.EditText(cctx, ref, text, opt)
	})
	return err
}

func (s *Service) send(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	s.mu.Lock()
	lim, br, cfg := s.limiter, s.breaker, s.cfg
	s.mu.Unlock()

	var (
		ref transport.MessageRef
		err error
	)
	for attempt := 1; attempt <= cfg.RetryMax+1; attempt++ {
		if err = lim.Wait(ctx); err != nil {
			break
		}
		ref, err = br.Execute(func() (transport.MessageRef, error) {
			cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
			defer cancel()
			return s.adapter.SendText(cctx, to, text, opt)
		})
		if err == nil {
			s.count(&s.sent, OutcomeSent)
			s.bus.Publish(eventbus.Event{Type: eventbus.NotifySent, Data: Event{ChatID: to.ChatID}})
			return ref, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || attempt > cfg.RetryMax {
			break
		}
		delay := retryDelay(cfg, attempt)
		s.log.Debug("send failed, retrying", logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(delay):
			continue
		}
		break
	}
	s.count(&s.failed, OutcomeFailed)
	s.bus.Publish(eventbus.Event{Type: eventbus.NotifyFailed, Data: Event{ChatID: to.ChatID, Error: err.Error()}})
	return transport.MessageRef{}, err
}

func (s *Service) count(c *atomic.Uint64, outcome string) {
	c.Add(1)
	if s.OnOutcome != nil {
		s.OnOutcome(outcome)
	}
}

func dedupKey(n transport.Notification) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s", n.Target.ChatID, n.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, persist bool) bool {
	now := s.now()
	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if persist && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = until
	s.dmu.Unlock()

	if persist && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := s.store.PutDedup(cctx, key, until); err != nil {
			s.log.Debug("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	// jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	q, br := s.queue, s.breaker
	s.mu.Unlock()
	st := Stats{
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
		Deduped: s.deduped.Load(),
		Breaker: br.State().String(),
	}
	if q != nil {
		st.QueueLen = len(q)
	}
	return st
}
