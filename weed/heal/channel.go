package heal

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

var ErrChannelClosed = errors.New("heal event channel is closed")

// EventChannel carries heal events from the scanner to the heal manager.
// It is bounded: Send blocks while the channel is full, so a scanner that
// finds damage faster than heals can be admitted slows down instead of
// dropping events.
type EventChannel struct {
	events    chan HealEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func NewEventChannel(size int) *EventChannel {
	if size <= 0 {
		size = 1
	}
	return &EventChannel{
		events: make(chan HealEvent, size),
		closed: make(chan struct{}),
	}
}

// Send blocks until the event is queued, ctx is done or the channel is closed.
func (c *EventChannel) Send(ctx context.Context, event HealEvent) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case c.events <- event:
		glog.V(3).Infof("heal event queued: %s", event.Description())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrChannelClosed
	}
}

// Receive returns the next event. ok is false once the channel is closed
// or ctx is done.
func (c *EventChannel) Receive(ctx context.Context) (event HealEvent, ok bool) {
	select {
	case event = <-c.events:
		return event, true
	case <-ctx.Done():
		return nil, false
	case <-c.closed:
		return nil, false
	}
}

func (c *EventChannel) Len() int {
	return len(c.events)
}

func (c *EventChannel) Cap() int {
	return cap(c.events)
}

// Close wakes up blocked senders and receivers; queued events are dropped.
func (c *EventChannel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
