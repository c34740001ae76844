package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutByPrefix(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	alarms, unsubAlarms := b.Subscribe(4, "alarm.")
	defer unsubAlarms()

	b.Publish(Event{Type: AlarmFired, Data: "a"})
	b.Publish(Event{Type: DoseTaken})

	if got := (<-all).Type; got != AlarmFired {
		t.Fatalf("all[0]=%s", got)
	}
	if got := (<-all).Type; got != DoseTaken {
		t.Fatalf("all[1]=%s", got)
	}
	e := <-alarms
	if e.Type != AlarmFired || e.Time.IsZero() {
		t.Fatalf("alarm sub got %+v", e)
	}
	select {
	case e := <-alarms:
		t.Fatalf("unexpected %+v", e)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(Event{Type: TaskStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked")
	}
	if b.Dropped() != 4 {
		t.Fatalf("dropped=%d", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open")
	}
	b.Publish(Event{Type: AlarmArmed})
}
