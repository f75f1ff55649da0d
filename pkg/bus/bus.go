package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus carries inbound messages from the transports to the router and
// fans out externally visible effects to subscribers.
type MessageBus struct {
	inbound chan InboundMessage

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return NewMessageBusSize(defaultBufferSize)
}

// NewMessageBusSize builds a bus whose inbound queue holds size messages.
func NewMessageBusSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &MessageBus{
		inbound:          make(chan InboundMessage, size),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// OfferInbound enqueues msg without blocking. It reports false when the queue
// is full or the bus is closed.
func (mb *MessageBus) OfferInbound(msg InboundMessage) bool {
	select {
	case <-mb.done:
		return false
	default:
	}

	select {
	case mb.inbound <- msg:
		return true
	default:
		return false
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case <-mb.done:
		return InboundMessage{}, false
	case msg := <-mb.inbound:
		return msg, true
	}
}

// Pending reports the number of queued inbound messages.
func (mb *MessageBus) Pending() int {
	return len(mb.inbound)
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
