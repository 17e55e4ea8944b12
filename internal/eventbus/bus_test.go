package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(2)
	defer unsub()

	b.Publish(Event{Type: TaskFinished, Data: "x"})
	select {
	case e := <-ch:
		if e.Type != TaskFinished || e.Time.IsZero() {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribeFiltersTopics(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, Outcomes...)
	defer unsub()

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: ActionFired})
	b.Publish(Event{Type: TaskFailed})

	if got := (<-ch).Type; got != TaskFailed {
		t.Fatalf("got %q, want %q", got, TaskFailed)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, must not block
	if got := (<-ch).Type; got != "a" {
		t.Fatalf("got %q, want a", got)
	}
	if b.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", b.Dropped())
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "c"})
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestPublishRacesUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		_, unsub := b.Subscribe(1)
		wg.Add(2)
		go func() { defer wg.Done(); unsub() }()
		go func() { defer wg.Done(); b.Publish(Event{Type: TaskStarted}) }()
	}
	wg.Wait()
}
