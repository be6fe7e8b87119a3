package events

import (
	"testing"
	"time"
)

func TestBusPublishAndRecent(t *testing.T) {
	b := NewBus(3)

	for _, id := range []string{"a", "b", "c", "d"} {
		b.Publish(Event{Type: EventRateLimit, AccountID: id})
	}

	recent := b.Recent()
	if len(recent) != 3 {
		t.Fatalf("ring kept %d, want 3", len(recent))
	}
	// Oldest entry fell off.
	if recent[0].AccountID != "b" || recent[2].AccountID != "d" {
		t.Fatalf("order: %v", recent)
	}
	if recent[0].Timestamp.IsZero() {
		t.Fatal("publish should stamp the event")
	}
}

func TestBusSubscribe(t *testing.T) {
	b := NewBus(10)
	b.Publish(Event{Type: EventOverload, AccountID: "pre"})

	id, ch, replay := b.Subscribe()
	defer b.Unsubscribe(id)

	if len(replay) != 1 || replay[0].AccountID != "pre" {
		t.Fatalf("replay = %v", replay)
	}

	b.Publish(Event{Type: EventRecover, AccountID: "live"})
	select {
	case e := <-ch:
		if e.AccountID != "live" {
			t.Fatalf("got %v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBusUnsubscribeCloses(t *testing.T) {
	b := NewBus(10)
	id, ch, _ := b.Subscribe()
	b.Unsubscribe(id)

	if _, open := <-ch; open {
		t.Fatal("channel should be closed")
	}
}
