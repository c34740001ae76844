package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medtime/internal/storage"
	"medtime/internal/transport"
	"medtime/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []string
	edits []string
	fail  int
	next  int
}

func (f *fakeAdapter) Name() string                                         { return "fake" }
func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return transport.MessageRef{}, errors.New("network down")
	}
	f.next++
	f.sent = append(f.sent, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.next}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ transport.MessageRef, text string, _ *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func fastConfig() Config {
	return Config{Workers: 1, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestSendNowRetriesAndReturnsRef(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{fail: 2}
	s := New(fastConfig(), ad, nil, logx.Nop(), nil)

	ref, err := s.SendNow(context.Background(), transport.ChatTarget{ChatID: 7}, "hola", nil)
	require.NoError(t, err)
	assert.Equal(t, transport.MessageRef{ChatID: 7, MessageID: 1}, ref)
	assert.Equal(t, uint64(1), s.Stats().Sent)

	require.NoError(t, s.Edit(context.Background(), ref, "editado", nil))
	assert.Equal(t, []string{"editado"}, ad.edits)
}

func TestSendNowGivesUp(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{fail: 10}
	s := New(fastConfig(), ad, nil, logx.Nop(), nil)
	_, err := s.SendNow(context.Background(), transport.ChatTarget{ChatID: 1}, "x", nil)
	require.Error(t, err)
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.RetryMax = 0
	cfg.BreakerFailures = 2
	cfg.BreakerCooldown = time.Hour
	ad := &fakeAdapter{fail: 100}
	s := New(cfg, ad, nil, logx.Nop(), nil)

	for i := 0; i < 2; i++ {
		_, _ = s.SendNow(context.Background(), transport.ChatTarget{ChatID: 1}, "x", nil)
	}
	assert.Equal(t, "open", s.Stats().Breaker)
	ad.fail = 0
	_, err := s.SendNow(context.Background(), transport.ChatTarget{ChatID: 1}, "x", nil)
	assert.Error(t, err, "open breaker must short-circuit")
	assert.Empty(t, ad.sentTexts())
}

func TestNotifyDedupsWithinWindow(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.DedupWindow = time.Minute
	cfg.PersistDedup = true
	ad := &fakeAdapter{}
	store := storage.NewMemory()
	s := New(cfg, ad, store, logx.Nop(), nil)
	s.Start(context.Background())

	n := transport.Notification{Target: transport.ChatTarget{ChatID: 3}, Text: "Dosis omitida"}
	require.NoError(t, s.Notify(context.Background(), n))
	require.NoError(t, s.Notify(context.Background(), n))
	s.Stop(context.Background())

	assert.Equal(t, []string{"Dosis omitida"}, ad.sentTexts())
	assert.Equal(t, uint64(1), s.Stats().Deduped)

	// A fresh service sharing the store still suppresses the repeat.
	again := New(cfg, ad, store, logx.Nop(), nil)
	again.Start(context.Background())
	require.NoError(t, again.Notify(context.Background(), n))
	again.Stop(context.Background())
	assert.Len(t, ad.sentTexts(), 1)
}

func TestNotifyAfterStop(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), &fakeAdapter{}, nil, logx.Nop(), nil)
	err := s.Notify(context.Background(), transport.Notification{Text: "x"})
	assert.ErrorIs(t, err, ErrStopped)
}
