package eventbus

import (
	"testing"
	"time"
)

func TestBusFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	Publish(b, TimerFired, "alpha")

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TimerFired || e.Data != "alpha" {
				t.Fatalf("unexpected event %+v", e)
			}
			if e.Time.IsZero() {
				t.Fatalf("event time not set")
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TaskFailed})
	b.Publish(Event{Type: TaskFailed})

	if got := Dropped(b); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TaskStarted})
}

func TestPublishNilBus(t *testing.T) {
	t.Parallel()
	Publish(nil, TaskStarted, nil)
}
