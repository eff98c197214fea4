package bus

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/agentx-dev/agentx/pkg/event"
)

// ErrSubscriptionClosed is returned by Recv once the subscription's queue
// is closed and drained.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription is a pull-mode subscriber. The caller drains it with Recv or
// by ranging over Events; there is no delivery goroutine.
type Subscription struct {
	queue     chan event.Event
	delivered *atomic.Uint64
}

// Events exposes the subscription queue directly. The channel is closed
// when the subscription is cancelled or the bus closes.
func (s *Subscription) Events() <-chan event.Event {
	return s.queue
}

// Recv blocks until an event is available or ctx is cancelled.
// Cancellation is observable: the ctx error is returned, never swallowed,
// and no queued event is lost by a cancelled Recv.
func (s *Subscription) Recv(ctx context.Context) (event.Event, error) {
	select {
	case ev, ok := <-s.queue:
		if !ok {
			return nil, ErrSubscriptionClosed
		}
		if s.delivered != nil {
			s.delivered.Add(1)
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports how many events are currently queued.
func (s *Subscription) Len() int {
	return len(s.queue)
}
