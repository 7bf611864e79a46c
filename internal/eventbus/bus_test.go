package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	ch1, cancel1 := b.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(4, TopicPaused)
	defer cancel2()

	b.Publish(Event{Topic: TopicPublished, Destination: "main"})
	b.Publish(Event{Topic: TopicPaused, Destination: "alt"})

	ev := <-ch1
	if ev.Topic != TopicPublished || ev.At.IsZero() {
		t.Fatalf("first event = %+v", ev)
	}
	if ev = <-ch1; ev.Topic != TopicPaused {
		t.Fatalf("second event = %+v", ev)
	}

	// Topic-filtered subscriber only sees the pause.
	select {
	case ev = <-ch2:
		if ev.Topic != TopicPaused || ev.Destination != "alt" {
			t.Fatalf("filtered event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber got nothing")
	}
	select {
	case ev = <-ch2:
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Topic: TopicDropped})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if b.Dropped() == 0 {
		t.Fatal("expected dropped events to be counted")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(1)
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
	// Publishing after cancel must not panic.
	b.Publish(Event{Topic: TopicPublished})
}
