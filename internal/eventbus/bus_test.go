package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeJobStarted, Data: "nightly"})

	select {
	case e := <-ch:
		if e.Type != TypeJobStarted || e.Data != "nightly" {
			t.Fatalf("got %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("publish did not stamp time")
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeJobStarted})
	done := make(chan struct{})
	go func() {
		// Buffer is full; this must not block.
		b.Publish(Event{Type: TypeJobFinished})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if got := (<-ch).Type; got != TypeJobStarted {
		t.Fatalf("surviving event = %q, want first published", got)
	}
}

func TestUnsubscribeDuringPublishIsSafe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Channel is closed; Publish must tolerate it.
	b.Publish(Event{Type: TypeConfigReloaded})
	if _, ok := <-ch; ok {
		t.Fatal("closed subscription still delivered an event")
	}
}
