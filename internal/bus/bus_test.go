package bus

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func quiet(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %q", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishStampsEvent(t *testing.T) {
	b := New()
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return at }
	sub := b.Subscribe(TopicJobFinished)
	defer b.Unsubscribe(sub)

	b.Publish(TopicJobFinished, JobEvent{JobID: "j1"})
	ev := recv(t, sub)
	if ev.Topic != TopicJobFinished || !ev.At.Equal(at) {
		t.Fatalf("event = %+v", ev)
	}
	if p, ok := ev.Payload.(JobEvent); !ok || p.JobID != "j1" {
		t.Fatalf("payload = %#v", ev.Payload)
	}
}

func TestSubscribe_MultiplePrefixes(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicJobFinished, "session.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicJobClaimed, nil)
	b.Publish(TopicJobFinished, nil)
	b.Publish(TopicSessionStateChanged, nil)
	b.Publish(TopicHeartbeatRun, nil)

	if got := recv(t, sub).Topic; got != TopicJobFinished {
		t.Fatalf("first = %q", got)
	}
	if got := recv(t, sub).Topic; got != TopicSessionStateChanged {
		t.Fatalf("second = %q", got)
	}
	quiet(t, sub)
}

func TestSubscribe_NoPrefixSeesEverything(t *testing.T) {
	b := New()
	all := b.Subscribe()
	empty := b.Subscribe("")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(empty)

	b.Publish(TopicHeartbeatRun, nil)
	b.Publish(TopicInboxStateChanged, nil)
	for _, sub := range []*Subscription{all, empty} {
		recv(t, sub)
		recv(t, sub)
	}
}

func TestPublish_FullBufferDrops(t *testing.T) {
	b := New()
	slow := b.SubscribeBuffered(2, "job.")
	defer b.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(TopicJobSubmitted, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := slow.Dropped(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
	if first := recv(t, slow).Payload; first != 0 {
		t.Fatalf("first kept payload = %v", first)
	}
}

func TestUnsubscribe_ClosesOnce(t *testing.T) {
	b := New()
	sub := b.Subscribe("job.")
	if b.Len() != 1 {
		t.Fatalf("len = %d, want 1", b.Len())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
	if b.Len() != 0 {
		t.Fatalf("len = %d, want 0", b.Len())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	b.Publish(TopicJobFinished, nil)
}

func TestPublish_Concurrent(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered(1000, "job.")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Publish(TopicJobClaimed, i)
			}
		}()
	}
	wg.Wait()
	if n := len(sub.Ch()); n != 500 {
		t.Fatalf("buffered = %d, want 500", n)
	}
}
