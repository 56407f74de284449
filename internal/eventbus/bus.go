// Package eventbus provides the in-process publish/subscribe hub shared by
// the run executor, scheduler, swarm orchestrator and the SSE gateway.
// Delivery is best-effort and in-memory: each subscriber owns a bounded
// queue, and on overflow the oldest event is dropped. Subscribers must
// treat streams as lossy.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventType enumerates the event kinds flowing through the bus.
type EventType string

const (
	EventToken        EventType = "token"
	EventToolCall     EventType = "tool_call"
	EventStatusChange EventType = "status_change"
	EventStepResult   EventType = "step_result"
	EventPhase        EventType = "phase"
	EventUsage        EventType = "usage"
	EventError        EventType = "error"
	EventDone         EventType = "done"
)

// Event is a single bus message. Payload is a JSON-shaped bag validated at
// subsystem boundaries.
type Event struct {
	Type    EventType      `json:"type"`
	Topic   string         `json:"-"`
	Time    time.Time      `json:"ts"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Topic name helpers. Topics are hierarchical strings.
func RunTopic(runID string) string { return "run." + runID }

func SwarmTopic(workflowID string) string { return "swarm." + workflowID }

// SchedulerTopic carries scheduler job lifecycle events.
const SchedulerTopic = "scheduler"

// DefaultQueueSize is the per-subscriber queue bound.
const DefaultQueueSize = 256

// Bus is a multi-producer, multi-consumer topic multiplexer. Publish never
// blocks on slow consumers.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscription is one consumer's handle on a topic. Events arrive on the
// channel returned by Events; the channel is closed when the subscription
// is released.
type Subscription struct {
	bus     *Bus
	topic   string
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe registers a consumer on the topic with the given queue size
// (DefaultQueueSize when size <= 0). The subscription is released when the
// context is cancelled or Close is called.
func (b *Bus) Subscribe(ctx context.Context, topic string, size int) *Subscription {
	if size <= 0 {
		size = DefaultQueueSize
	}
	sub := &Subscription{
		bus:   b,
		topic: topic,
		ch:    make(chan Event, size),
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}
	return sub
}

// Publish delivers the event to every subscriber of the topic. When a
// subscriber's queue is full, its oldest event is dropped and the dropped
// counter incremented. Per-topic publish order is preserved.
func (b *Bus) Publish(topic string, ev Event) {
	ev.Topic = topic
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Queue full: drop the oldest and retry once.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions on the topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
	close(sub.ch)
}

// Events returns the subscriber's queue. The channel closes on release.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded due to queue overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}
