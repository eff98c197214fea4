// Package bus provides the fan-out event bus between the transformation
// engine and its consumers. Every subscriber owns a bounded queue; a slow
// subscriber never blocks the producer beyond the configured backpressure
// policy, and a failing handler never affects other subscribers.
package bus

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentx-dev/agentx/pkg/event"
	"github.com/agentx-dev/agentx/pkg/observability"
)

// ErrBusClosed is returned when publishing on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// BackpressurePolicy selects what Publish does when a subscriber queue is
// full. The policy is fixed per bus, not per call.
type BackpressurePolicy string

const (
	// DropOldest discards the oldest queued event to make room for the new
	// one. The producer never blocks.
	DropOldest BackpressurePolicy = "drop_oldest"
	// BlockWithTimeout waits up to the configured timeout for queue space,
	// then drops the new event.
	BlockWithTimeout BackpressurePolicy = "block"
)

const (
	// DefaultQueueCapacity bounds each subscriber queue.
	DefaultQueueCapacity = 256
	// DefaultBlockTimeout is the wait bound for BlockWithTimeout.
	DefaultBlockTimeout = 100 * time.Millisecond
)

type config struct {
	queueCapacity int
	policy        BackpressurePolicy
	blockTimeout  time.Duration
}

// Option configures a Bus.
type Option func(*config)

// WithQueueCapacity sets the per-subscriber queue capacity.
func WithQueueCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueCapacity = n
		}
	}
}

// WithPolicy sets the backpressure policy.
func WithPolicy(p BackpressurePolicy) Option {
	return func(c *config) { c.policy = p }
}

// WithBlockTimeout sets the wait bound for BlockWithTimeout.
func WithBlockTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.blockTimeout = d
		}
	}
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published       uint64
	Delivered       uint64
	Dropped         uint64
	HandlerFailures uint64
}

// Handler consumes one delivered event.
type Handler func(ev event.Event)

type subscriber struct {
	id      int
	kind    event.Type // empty = all events
	handler Handler    // nil for pull-mode subscriptions
	queue   chan event.Event
	closeQ  sync.Once
}

func (s *subscriber) close() {
	s.closeQ.Do(func() { close(s.queue) })
}

// Bus is a bounded fan-out event bus. Construct one with New and pass it by
// reference to every component that publishes or subscribes; there is no
// process-wide instance.
type Bus struct {
	cfg config

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	wg sync.WaitGroup

	published       atomic.Uint64
	delivered       atomic.Uint64
	dropped         atomic.Uint64
	handlerFailures atomic.Uint64

	// Throttles the dropped-event warning so a stalled subscriber can't
	// flood the log.
	dropLog *rate.Limiter
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	cfg := config{
		queueCapacity: DefaultQueueCapacity,
		policy:        DropOldest,
		blockTimeout:  DefaultBlockTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Bus{
		cfg:     cfg,
		subs:    make(map[int]*subscriber),
		dropLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Subscribe registers a handler for one event type. The returned function
// unsubscribes; it is safe to call more than once.
func (b *Bus) Subscribe(kind event.Type, handler Handler) func() {
	return b.add(kind, handler)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.add("", handler)
}

// SubscribeChannel registers a pull-mode subscription for one event type
// (empty kind means all events). The caller drains the subscription itself;
// the same bounded queue and backpressure policy apply.
func (b *Bus) SubscribeChannel(kind event.Type) (*Subscription, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub := &Subscription{queue: make(chan event.Event)}
		close(sub.queue)
		return sub, func() {}
	}

	s := &subscriber{
		id:    b.nextID,
		kind:  kind,
		queue: make(chan event.Event, b.cfg.queueCapacity),
	}
	b.nextID++
	b.subs[s.id] = s

	return &Subscription{queue: s.queue, delivered: &b.delivered}, func() { b.remove(s.id) }
}

func (b *Bus) add(kind event.Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	s := &subscriber{
		id:      b.nextID,
		kind:    kind,
		handler: handler,
		queue:   make(chan event.Event, b.cfg.queueCapacity),
	}
	b.nextID++
	b.subs[s.id] = s

	b.wg.Add(1)
	go b.deliver(s)

	return func() { b.remove(s.id) }
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		// The delivery goroutine drains what is already queued, then exits.
		s.close()
	}
}

// Publish fans an event out to every matching subscriber queue. On a full
// queue the configured backpressure policy applies; a drop is counted, not
// surfaced as an error. Publish only fails on a closed bus.
func (b *Bus) Publish(ev event.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	b.published.Add(1)
	observability.RecordEventPublished(string(ev.EventType()))

	for _, s := range b.subs {
		if s.kind != "" && s.kind != ev.EventType() {
			continue
		}
		b.enqueue(s, ev)
	}
	return nil
}

func (b *Bus) enqueue(s *subscriber, ev event.Event) {
	select {
	case s.queue <- ev:
		return
	default:
	}

	switch b.cfg.policy {
	case BlockWithTimeout:
		timer := time.NewTimer(b.cfg.blockTimeout)
		defer timer.Stop()
		select {
		case s.queue <- ev:
			return
		case <-timer.C:
			b.drop(ev)
		}

	default: // DropOldest
		select {
		case <-s.queue:
			b.drop(nil)
		default:
			// Consumer freed space between our attempts.
		}
		select {
		case s.queue <- ev:
		default:
			b.drop(ev)
		}
	}
}

func (b *Bus) drop(ev event.Event) {
	b.dropped.Add(1)
	observability.RecordEventDropped()

	if b.dropLog.Allow() {
		if ev != nil {
			log.Printf("event bus: subscriber queue full, dropped %s event for agent %s",
				ev.EventType(), ev.Agent())
		} else {
			log.Printf("event bus: subscriber queue full, dropped oldest queued event")
		}
	}
}

// deliver is the per-subscriber worker. It drains the queue until the
// subscriber is removed or the bus closes, isolating handler panics.
func (b *Bus) deliver(s *subscriber) {
	defer b.wg.Done()

	for ev := range s.queue {
		b.invoke(s, ev)
	}
}

func (b *Bus) invoke(s *subscriber, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFailures.Add(1)
			observability.RecordHandlerFailure()
			log.Printf("event bus: handler panic on %s event: %v", ev.EventType(), r)
		}
	}()

	s.handler(ev)
	b.delivered.Add(1)
	observability.RecordEventDelivered(string(ev.EventType()))
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:       b.published.Load(),
		Delivered:       b.delivered.Load(),
		Dropped:         b.dropped.Load(),
		HandlerFailures: b.handlerFailures.Load(),
	}
}

// Close stops accepting events, lets every subscriber drain what is already
// queued, and waits for delivery workers to finish.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	b.wg.Wait()
	return nil
}
