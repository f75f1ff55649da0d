// Package router classifies inbound messages from both transports and
// dispatches them to the call, speech and notification surfaces.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"beacon/pkg/bus"
	"beacon/pkg/call"
	"beacon/pkg/logger"
	"beacon/pkg/metrics"
	"beacon/pkg/notify"
	"beacon/pkg/speech"
)

// CallDisplayer is the slice of call.Notifier the router drives.
type CallDisplayer interface {
	Display(ctx context.Context, c call.Incoming) error
}

// Deduper reports whether a key was already handled recently.
type Deduper interface {
	Seen(key string) bool
}

// Router is safe for concurrent use. Route only enqueues; Run must be
// running for queued messages to be handled.
type Router struct {
	bus       *bus.MessageBus
	calls     CallDisplayer
	speaker   speech.Speaker
	presenter notify.Presenter
	dedup     Deduper
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// Deps lists the collaborators of a Router. Metrics and Log are optional.
type Deps struct {
	Bus       *bus.MessageBus
	Calls     CallDisplayer
	Speaker   speech.Speaker
	Presenter notify.Presenter
	Dedup     Deduper
	Metrics   *metrics.Metrics
	Log       *slog.Logger
}

func New(deps Deps) (*Router, error) {
	if deps.Bus == nil {
		return nil, errors.New("router: bus is required")
	}
	if deps.Calls == nil || deps.Presenter == nil || deps.Dedup == nil {
		return nil, errors.New("router: calls, presenter and dedup are required")
	}
	speaker := deps.Speaker
	if speaker == nil {
		speaker = speech.Nop{}
	}
	return &Router{
		bus:       deps.Bus,
		calls:     deps.Calls,
		speaker:   speaker,
		presenter: deps.Presenter,
		dedup:     deps.Dedup,
		metrics:   deps.Metrics,
		log:       logger.Component(deps.Log, "router"),
	}, nil
}

// Route queues msg for handling and returns at once. It reports false when
// the queue is full or closed and the message was dropped.
func (r *Router) Route(msg bus.InboundMessage) bool {
	if r.bus.OfferInbound(msg) {
		return true
	}
	r.metrics.InboundDropped()
	r.log.Warn("Inbound queue full, dropping message", "id", msg.ID, "kind", msg.Kind, "transport", msg.Transport)
	return false
}

// Run handles queued messages until ctx is done or the bus closes.
func (r *Router) Run(ctx context.Context) {
	r.log.Info("Router started")
	for {
		msg, ok := r.bus.ConsumeInbound(ctx)
		if !ok {
			r.log.Info("Router stopped")
			return
		}
		r.safeHandle(ctx, msg)
	}
}

func (r *Router) safeHandle(ctx context.Context, msg bus.InboundMessage) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.log.Error("Recovered panic while routing message", "id", msg.ID, "panic", fmt.Sprint(recovered), "stack", string(debug.Stack()))
		}
	}()
	r.Handle(ctx, msg)
}

// HandleAsync handles msg on its own goroutine with panic recovery. Realtime
// speak commands use it so synthesis and playback never hold up the socket
// reader; the speaker serializes clips and applies interrupts itself.
func (r *Router) HandleAsync(ctx context.Context, msg bus.InboundMessage) {
	go r.safeHandle(ctx, msg)
}

// Handle classifies and dispatches msg synchronously. Failures are logged and
// never returned.
func (r *Router) Handle(ctx context.Context, msg bus.InboundMessage) {
	if msg.HasPrerenderedNotification {
		r.log.Debug("Skipping message already shown by the platform", "id", msg.ID)
		return
	}

	intent := Classify(msg)
	r.metrics.InboundRouted(string(msg.Transport), string(intent.Kind))

	switch intent.Kind {
	case IntentNone:
		r.log.Debug("Ignoring empty message", "id", msg.ID, "kind", msg.Kind)

	case IntentIncomingCall:
		if !intent.Call.Valid() {
			r.log.Debug("Discarding incoming call without caller or channel", "id", msg.ID)
			return
		}
		if err := r.calls.Display(ctx, *intent.Call); err != nil {
			r.log.Warn("Failed to display incoming call", "caller", intent.Call.CallerID, "error", err)
		}

	case IntentSpeak:
		r.speak(ctx, msg, intent.Speak)

	case IntentChat:
		if r.duplicate(msg, intent.Chat.SenderName, intent.Chat.Body) {
			return
		}
		r.present(ctx, msg, intent.Chat.SenderName, intent.Chat.Body, KindNewMessage)

	case IntentGeneric:
		if r.duplicate(msg, intent.Generic.Title, intent.Generic.Body) {
			return
		}
		r.present(ctx, msg, intent.Generic.Title, intent.Generic.Body, "general")
	}
}

func (r *Router) speak(ctx context.Context, msg bus.InboundMessage, s *Speak) {
	if strings.TrimSpace(s.Text) == "" {
		r.log.Debug("Ignoring speak command without text", "id", msg.ID)
		return
	}
	err := r.speaker.Speak(ctx, s.Text, s.Priority, s.Interrupt)
	if err == nil {
		return
	}
	if errors.Is(err, speech.ErrDisabled) {
		r.log.Debug("Speech disabled, showing text instead", "id", msg.ID)
	} else {
		r.log.Warn("Speech failed, showing text instead", "id", msg.ID, "error", err)
	}
	r.present(ctx, msg, "Message", s.Text, "speak_message")
}

// duplicate reports whether the chat or generic message was seen inside the
// dedup window.
func (r *Router) duplicate(msg bus.InboundMessage, identity, body string) bool {
	key := dedupKey(msg, identity, body)
	if !r.dedup.Seen(key) {
		return false
	}
	r.metrics.DuplicateSuppressed()
	r.log.Debug("Suppressed duplicate message", "key", key)
	return true
}

// dedupKey is kind|id|sender. Messages without an id fall back to the body so
// distinct anonymous messages are not merged.
func dedupKey(msg bus.InboundMessage, identity, body string) string {
	key := NormalizeKind(msg.Kind) + "|" + msg.ID + "|" + identity
	if msg.ID == "" {
		key += "|" + body
	}
	return key
}

func (r *Router) present(ctx context.Context, msg bus.InboundMessage, title, body, dataType string) {
	n := notify.Notification{
		ID:      notificationID(msg),
		Title:   title,
		Body:    body,
		Channel: notify.ChannelDefault,
		Data:    map[string]string{notify.DataType: dataType},
	}

	fellBack, err := notify.DisplayWithFallback(ctx, r.presenter, n)
	switch {
	case err != nil:
		r.metrics.Notification("failed")
		r.log.Warn("Notification dropped", "id", n.ID, "error", err)
		return
	case fellBack:
		r.metrics.Notification("fallback")
	default:
		r.metrics.Notification("shown")
	}

	r.bus.PublishEvent(ctx, bus.Event{
		Type:    bus.EventNotificationShown,
		Source:  string(msg.Transport),
		Payload: map[string]string{"id": n.ID, "title": title},
	})
}

// notificationID reuses the message id so a repeat replaces rather than stacks.
func notificationID(msg bus.InboundMessage) string {
	if msg.ID != "" {
		return "msg_" + msg.ID
	}
	return "msg_" + uuid.NewString()
}
