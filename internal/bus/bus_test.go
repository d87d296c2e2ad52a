package bus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	ch1, cancel1 := b.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(4)
	defer cancel2()

	ev := Event{Type: EventConnected, TenantID: "t1", BotID: "b1"}
	if err := b.Publish(ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Type != EventConnected || got.TenantID != "t1" || got.BotID != "b1" {
				t.Fatalf("subscriber %d got %+v", i, got)
			}
			if got.At.IsZero() {
				t.Fatalf("subscriber %d: expected At to be stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out waiting for event", i)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	_, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if err := b.Publish(Event{Type: EventQRReady, TenantID: "t", BotID: "b"}); err != nil {
				t.Errorf("Publish() error = %v", err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber channel")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe(4)
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after cancel")
	}

	if err := b.Publish(Event{Type: EventDisconnected}); err != nil {
		t.Fatalf("Publish() after cancel error = %v", err)
	}
}

func TestPublishAfterClose(t *testing.T) {
	t.Parallel()

	b := New()
	ch, _ := b.Subscribe(4)
	b.Close()
	b.Close() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("expected subscriber channel closed on bus close")
	}
	if err := b.Publish(Event{Type: EventConnected}); err != ErrClosed {
		t.Fatalf("Publish() after close = %v, want ErrClosed", err)
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	t.Parallel()

	b := New()
	b.Close()

	ch, cancel := b.Subscribe(4)
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel from Subscribe after Close")
	}
}
