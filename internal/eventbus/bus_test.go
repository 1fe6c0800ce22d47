package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: DispatchOutcome, Data: "x"})

	for i, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != DispatchOutcome {
				t.Fatalf("sub %d: type = %q", i, e.Type)
			}
			if e.Time.IsZero() {
				t.Fatalf("sub %d: expected time to be stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event", i)
		}
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, buffer full

	if e := <-ch; e.Type != "a" {
		t.Fatalf("type = %q, want a", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(Event{Type: "after"})
}
