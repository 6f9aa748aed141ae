package bus

import "testing"

func TestJobTopicsShareJobPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("job.")
	defer b.Unsubscribe(sub)

	for _, topic := range []string{TopicJobSubmitted, TopicJobClaimed, TopicJobFinished, TopicJobDelivered, TopicJobCancelled} {
		b.Publish(topic, JobEvent{JobID: "j1", Status: topic})
	}
	b.Publish(TopicInboxStateChanged, InboxStateChangedEvent{TaskID: "t1"})

	for i := 0; i < 5; i++ {
		if _, ok := recv(t, sub).Payload.(JobEvent); !ok {
			t.Fatalf("event %d: unexpected payload type", i)
		}
	}
	quiet(t, sub)
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(TopicJobFinished, JobEvent{JobID: "j1"})
	b.Unsubscribe(&Subscription{})
	if b.Len() != 0 {
		t.Fatal("nil bus reports subscribers")
	}
}
