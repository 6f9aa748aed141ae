// Package bus fans queue, inbox, session and heartbeat transitions out to
// in-process listeners such as the result relay.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 128

type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Subscription receives the events whose topic starts with one of its
// prefixes. No prefixes means every topic.
type Subscription struct {
	prefixes []string
	ch       chan Event
	dropped  atomic.Uint64
}

func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus is a non-blocking publish/subscribe hub. Publishing on a nil *Bus is
// a no-op, so stores and queues work without one.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	now  func() time.Time
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{}), now: time.Now}
}

// Subscribe registers a listener with the default buffer.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	return b.SubscribeBuffered(DefaultBuffer, prefixes...)
}

// SubscribeBuffered registers a listener whose channel holds size events.
// Events published while it is full are dropped for that listener only.
func (b *Bus) SubscribeBuffered(size int, prefixes ...string) *Subscription {
	if size <= 0 {
		size = DefaultBuffer
	}
	sub := &Subscription{ch: make(chan Event, size)}
	for _, p := range prefixes {
		if p != "" {
			sub.prefixes = append(sub.prefixes, p)
		}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. It is safe to call more
// than once and with a nil sub.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload, At: b.now()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
