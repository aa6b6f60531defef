package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeTaskFired, Data: TaskEvent{TaskID: "t1"}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TypeTaskFired || e.Time.IsZero() {
				t.Fatalf("unexpected event %+v", e)
			}
			if e.Data.(TaskEvent).TaskID != "t1" {
				t.Fatalf("payload lost: %+v", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: TypeTaskRetry})
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: TypeTaskFired})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	pub, dropped := b.Stats()
	if pub != 10 || dropped != 9 {
		t.Fatalf("stats: published=%d dropped=%d", pub, dropped)
	}
}
