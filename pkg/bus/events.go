package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	// EventCallDisplayed fires when an incoming call is presented.
	EventCallDisplayed EventType = "call_displayed"
	// EventCallAccepted asks the host to navigate to the call screen and auto-accept.
	EventCallAccepted EventType = "call_accepted"
	// EventCallOpened asks the host to show the call screen without answering.
	EventCallOpened EventType = "call_opened"
	// EventCallRejected fires after the rejection was sent to the remote party.
	EventCallRejected EventType = "call_rejected"
	// EventCallCancelled fires when the call alert is removed without an answer.
	EventCallCancelled EventType = "call_cancelled"
	// EventNotificationShown fires for chat and generic notifications.
	EventNotificationShown EventType = "notification_shown"
	// EventSocketState fires on realtime connection changes.
	EventSocketState EventType = "socket_state"
)

type Event struct {
	Type    EventType         `json:"type"`
	At      time.Time         `json:"at"`
	Source  string            `json:"source,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	// Sends stay under the read lock so unsubscribe cannot close a channel
	// mid-send. Slow subscribers lose events; publishers never block.
	mb.mu.RLock()
	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
		}
	}
	mb.mu.RUnlock()

	return true
}

func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
