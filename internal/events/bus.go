// Package events provides the in-process event bus that carries run status
// changes to observers. Delivery is best effort: slow subscribers lose their
// oldest buffered events and nothing is replayed.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is anything published on the bus.
type Event interface {
	EventType() string
	Timestamp() time.Time
	RunID() string
}

// allRuns keys subscriptions that receive every run's events.
const allRuns = ""

// subscription is one observer's buffered channel.
type subscription struct {
	// mu makes evict-then-send atomic with respect to other publishers.
	mu sync.Mutex
	ch chan Event
}

// offer delivers ev, evicting the oldest buffered events until it fits, and
// returns how many were evicted. The newest event is never lost, so a
// subscriber always sees a run's final status.
func (s *subscription) offer(ev Event) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted int64
	for {
		select {
		case s.ch <- ev:
			return evicted
		default:
		}
		select {
		case <-s.ch:
			evicted++
		default:
		}
	}
}

// EventBus fans run events out to subscribers, indexed by run.
type EventBus struct {
	mu         sync.RWMutex
	byRun      map[string][]*subscription
	bufferSize int
	dropped    atomic.Int64
	closed     bool
}

// New creates an EventBus whose subscribers buffer bufferSize events.
func New(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		byRun:      make(map[string][]*subscription),
		bufferSize: bufferSize,
	}
}

// Subscribe receives the events of every run.
func (eb *EventBus) Subscribe() <-chan Event {
	return eb.SubscribeRun(allRuns)
}

// SubscribeRun receives the events of one run. The channel is closed by
// Unsubscribe or Close.
func (eb *EventBus) SubscribeRun(runID string) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub := &subscription{ch: make(chan Event, eb.bufferSize)}
	if eb.closed {
		close(sub.ch)
		return sub.ch
	}
	eb.byRun[runID] = append(eb.byRun[runID], sub)
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for runID, subs := range eb.byRun {
		for i, sub := range subs {
			if sub.ch != ch {
				continue
			}
			close(sub.ch)
			subs = append(subs[:i:i], subs[i+1:]...)
			if len(subs) == 0 {
				delete(eb.byRun, runID)
			} else {
				eb.byRun[runID] = subs
			}
			return
		}
	}
}

// Publish delivers the event to the run's subscribers and to those watching
// all runs. It never blocks on a slow subscriber.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	if runID := event.RunID(); runID != allRuns {
		eb.deliver(eb.byRun[runID], event)
	}
	eb.deliver(eb.byRun[allRuns], event)
}

func (eb *EventBus) deliver(subs []*subscription, event Event) {
	for _, sub := range subs {
		if n := sub.offer(event); n > 0 {
			eb.dropped.Add(n)
		}
	}
}

// DroppedCount returns how many buffered events slow subscribers lost.
func (eb *EventBus) DroppedCount() int64 {
	return eb.dropped.Load()
}

// SubscriberCount returns the number of live subscriptions.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	n := 0
	for _, subs := range eb.byRun {
		n += len(subs)
	}
	return n
}

// Close closes every subscription. Later publishes are dropped and later
// subscriptions start closed.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for _, subs := range eb.byRun {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	eb.byRun = nil
}
