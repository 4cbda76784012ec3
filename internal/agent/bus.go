package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jimiagent/jimi/internal/observability"
	"github.com/jimiagent/jimi/pkg/models"
)

// DefaultSubscriberQueueSize is the default bound on each subscriber's
// pending-event queue.
const DefaultSubscriberQueueSize = 1024

// Bus is the in-process single-producer/multi-subscriber event stream
// ("wire"). Publish never blocks the caller; each
// subscriber owns a bounded queue and a pump goroutine that drains it into
// the subscriber's channel. When a subscriber's queue is full, the oldest
// event is dropped and replaced with (or folded into) a synthetic
// SubscriberLagged event, so a slow subscriber can never block publishers
// or other subscribers.
type Bus struct {
	mu       sync.Mutex
	subs     map[*subscription]struct{}
	sequence uint64
	metrics  *observability.Metrics
}

type subscription struct {
	mu       sync.Mutex
	queue    []models.Event
	capacity int
	notify   chan struct{}
	out      chan models.Event
	done     chan struct{}
	closeOne sync.Once
	metrics  *observability.Metrics
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

// SetMetrics attaches an optional metrics sink recording subscriber drops.
func (b *Bus) SetMetrics(m *observability.Metrics) {
	b.metrics = m
}

// Subscribe returns an independent cursor over all future events, delivered
// in publish order. Call the returned cancel function to stop receiving and
// release resources.
func (b *Bus) Subscribe() (<-chan models.Event, func()) {
	return b.SubscribeWithCapacity(DefaultSubscriberQueueSize)
}

// SubscribeWithCapacity is Subscribe with an explicit queue bound.
func (b *Bus) SubscribeWithCapacity(capacity int) (<-chan models.Event, func()) {
	if capacity <= 0 {
		capacity = DefaultSubscriberQueueSize
	}
	sub := &subscription{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		out:      make(chan models.Event, 1),
		done:     make(chan struct{}),
		metrics:  b.metrics,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.close()
	}
	return sub.out, cancel
}

// Publish delivers an event to every current subscriber. Non-blocking: a
// full subscriber queue drops its oldest entry rather than stall the
// publisher. Sequence numbers are monotonic and shared across subscribers so
// relative ordering is always recoverable.
func (b *Bus) Publish(e models.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Sequence = atomic.AddUint64(&b.sequence, 1)

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(e)
	}
}

func (s *subscription) enqueue(e models.Event) {
	s.mu.Lock()
	if len(s.queue) >= s.capacity {
		// Drop the oldest real event. If the head is already a lag marker,
		// fold this drop into it (dropping the event behind it) instead of
		// growing the queue with back-to-back lag markers.
		if s.queue[0].Type == models.EventSubscriberLagged && len(s.queue) > 1 {
			s.queue = append(s.queue[:1], s.queue[2:]...)
			s.queue[0].Lagged.Dropped++
		} else {
			s.queue = append([]models.Event{laggedEvent(1)}, s.queue[1:]...)
		}
		s.metrics.RecordBusDropped(1)
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func laggedEvent(n int) models.Event {
	return models.Event{
		Type:   models.EventSubscriberLagged,
		Time:   time.Now(),
		Lagged: &models.LaggedPayload{Dropped: n},
	}
}

// pump drains the bounded queue into the unbounded-looking output channel,
// blocking on send (the consumer's pace no longer matters once an event has
// left the bounded queue) until the subscription is cancelled.
func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next *models.Event
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]
			next = &e
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- *next:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) close() {
	s.closeOne.Do(func() { close(s.done) })
}
