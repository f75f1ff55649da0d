// Package call owns the single incoming-call session and its presentation.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"beacon/pkg/bus"
	"beacon/pkg/logger"
	"beacon/pkg/metrics"
	"beacon/pkg/notify"
	"beacon/pkg/socket"
)

// RejectEvent is emitted on the realtime transport when the user declines.
const RejectEvent = "call-rejected"

// DataTypeIncomingCall tags every call notification for orphan sweeps.
const DataTypeIncomingCall = "incoming_call"

const defaultAutoExpire = 45 * time.Second

// ErrNoActiveCall is returned by Accept, Reject and Open when nothing is ringing.
var ErrNoActiveCall = errors.New("no active call")

// ErrMalformed rejects a call without caller id or channel.
var ErrMalformed = errors.New("incoming call needs caller id and channel")

// Incoming describes the caller of a ringing call.
type Incoming struct {
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName"`
	CallerPic  string `json:"callerProfilePic,omitempty"`
	Channel    string `json:"channelName"`
	IsAudio    bool   `json:"isAudio"`
}

// Valid reports whether the call carries enough to be answered.
func (c Incoming) Valid() bool {
	return strings.TrimSpace(c.CallerID) != "" && strings.TrimSpace(c.Channel) != ""
}

func (c Incoming) sameCall(other Incoming) bool {
	return c.CallerID == other.CallerID && c.Channel == other.Channel
}

type State string

const (
	StateIdle       State = "idle"
	StateDisplaying State = "displaying"
)

// Session is a snapshot of the call currently ringing.
type Session struct {
	Incoming
	NotificationID string    `json:"notificationId,omitempty"`
	State          State     `json:"state"`
	ViaBridge      bool      `json:"viaBridge,omitempty"`
	StartedAt      time.Time `json:"startedAt,omitempty"`
}

// Emitter sends events over the realtime transport.
type Emitter interface {
	Emit(ctx context.Context, event string, payload socket.Payload) error
}

type Option func(*Notifier)

func WithBridge(b Bridge) Option { return func(n *Notifier) { n.bridge = b } }

func WithEmitter(e Emitter) Option { return func(n *Notifier) { n.emitter = e } }

func WithForeground(p ForegroundProbe) Option { return func(n *Notifier) { n.foreground = p } }

func WithEvents(b *bus.MessageBus) Option { return func(n *Notifier) { n.events = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(n *Notifier) { n.metrics = m } }

func WithLogger(log *slog.Logger) Option { return func(n *Notifier) { n.log = log } }

func WithClock(now func() time.Time) Option { return func(n *Notifier) { n.now = now } }

// WithAutoExpire bounds how long a call notification stays up unanswered.
func WithAutoExpire(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.autoExpire = d
		}
	}
}

// Notifier is the only place a call is displayed or torn down. All operations
// are serialized, so at most one call is ever Displaying.
type Notifier struct {
	presenter  notify.Presenter
	bridge     Bridge
	emitter    Emitter
	foreground ForegroundProbe
	events     *bus.MessageBus
	metrics    *metrics.Metrics
	autoExpire time.Duration
	now        func() time.Time
	log        *slog.Logger

	mu          sync.Mutex
	session     Session
	seq         uint64
	bridgeTimer *time.Timer
}

func NewNotifier(presenter notify.Presenter, opts ...Option) *Notifier {
	n := &Notifier{
		presenter:  presenter,
		autoExpire: defaultAutoExpire,
		now:        time.Now,
		session:    Session{State: StateIdle},
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = logger.Component(n.log, "call.notifier")
	return n
}

// Current returns a copy of the session.
func (n *Notifier) Current() Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.session
}

// Display rings for call. A repeat of the ringing call is ignored; a different
// call replaces it. When the host app is in the foreground nothing is shown.
func (n *Notifier) Display(ctx context.Context, call Incoming) error {
	if !call.Valid() {
		return ErrMalformed
	}
	if strings.TrimSpace(call.CallerName) == "" {
		call.CallerName = "Unknown Caller"
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.foreground != nil && n.foreground.Foreground() {
		n.log.Debug("App in foreground, leaving call to the live UI", "caller", call.CallerID)
		n.metrics.CallEvent("skipped_foreground")
		return nil
	}

	if n.session.State == StateDisplaying {
		if n.session.sameCall(call) {
			n.log.Debug("Call already ringing", "caller", call.CallerID, "channel", call.Channel)
			n.metrics.CallEvent("duplicate")
			return nil
		}
		n.log.Info("New call supersedes ringing call", "previous", n.session.CallerID, "caller", call.CallerID)
		n.cancelLocked(ctx, "superseded")
	}

	startedAt := n.now()

	if n.bridge != nil {
		ok, err := n.bridge.TryOpenCallScreen(ctx, call, false)
		if err != nil {
			n.log.Debug("Call bridge failed, falling back to notification", "error", err)
		}
		if ok {
			n.session = Session{Incoming: call, State: StateDisplaying, ViaBridge: true, StartedAt: startedAt}
			n.armBridgeExpiryLocked()
			n.metrics.CallEvent("displayed_bridge")
			n.publish(bus.EventCallDisplayed, call, map[string]string{"via": "bridge"})
			n.log.Info("Opened call screen", "caller", call.CallerID)
			return nil
		}
	}

	id := fmt.Sprintf("incoming_call_%s_%d", call.CallerID, startedAt.UnixMilli())
	full := n.notification(id, call)
	if err := n.presenter.Display(ctx, full); err != nil {
		n.log.Warn("Call notification refused, trying minimal form", "id", id, "error", err)
		if fallbackErr := n.presenter.Display(ctx, n.minimal(id, call)); fallbackErr != nil {
			n.metrics.CallEvent("display_failed")
			return fmt.Errorf("%w: display call notification: %w", notify.ErrUnavailable, errors.Join(err, fallbackErr))
		}
		n.metrics.Notification("fallback")
	}

	n.session = Session{Incoming: call, NotificationID: id, State: StateDisplaying, StartedAt: startedAt}
	n.seq++
	n.metrics.CallEvent("displayed")
	n.publish(bus.EventCallDisplayed, call, map[string]string{"via": "notification", "notificationId": id})
	n.log.Info("Displayed call notification", "id", id, "caller", call.CallerID, "audio", call.IsAudio)
	return nil
}

// Cancel removes the call notification and any other notification tagged as
// an incoming call. Safe to call at any time.
func (n *Notifier) Cancel(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelLocked(ctx, "cancelled")
	return nil
}

// CancelCall ends the ringing call only when it is the one identified by
// callerID and channel; empty values match any call. It reports whether a call
// was cancelled.
func (n *Notifier) CancelCall(ctx context.Context, callerID, channel string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.session.State != StateDisplaying {
		return false
	}
	if (callerID != "" && callerID != n.session.CallerID) || (channel != "" && channel != n.session.Channel) {
		n.log.Debug("Ignoring cancel for another call", "caller", callerID, "channel", channel, "ringing", n.session.CallerID)
		return false
	}
	n.cancelLocked(ctx, "cancelled")
	return true
}

// Accept answers the ringing call: the alert goes away and the host is told to
// open the call screen and pick up.
func (n *Notifier) Accept(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.session.State != StateDisplaying {
		return ErrNoActiveCall
	}
	call := n.session.Incoming
	n.removeLocked(ctx)
	n.session = Session{State: StateIdle}

	n.metrics.CallEvent("accepted")
	n.publish(bus.EventCallAccepted, call, map[string]string{"autoAccept": "true"})
	n.log.Info("Call accepted", "caller", call.CallerID, "channel", call.Channel)
	return nil
}

// Reject declines the ringing call and tells the caller over the realtime
// transport. A failed emit is logged; the session still ends.
func (n *Notifier) Reject(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.session.State != StateDisplaying {
		return ErrNoActiveCall
	}
	call := n.session.Incoming
	n.removeLocked(ctx)
	n.session = Session{State: StateIdle}

	extra := map[string]string{}
	if n.emitter != nil {
		err := n.emitter.Emit(ctx, RejectEvent, socket.Payload{
			"callerId":    call.CallerID,
			"channelName": call.Channel,
			"isAudio":     call.IsAudio,
		})
		if err != nil {
			n.log.Warn("Failed to send call rejection", "caller", call.CallerID, "error", err)
			extra["emitError"] = err.Error()
		}
	}

	n.metrics.CallEvent("rejected")
	n.publish(bus.EventCallRejected, call, extra)
	n.log.Info("Call rejected", "caller", call.CallerID, "channel", call.Channel)
	return nil
}

// Open brings up the call screen without answering. The bridge is tried
// first; otherwise the host is asked to navigate.
func (n *Notifier) Open(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.session.State != StateDisplaying {
		return ErrNoActiveCall
	}
	call := n.session.Incoming
	if n.bridge != nil {
		ok, err := n.bridge.TryOpenCallScreen(ctx, call, false)
		if err != nil {
			n.log.Debug("Call bridge failed, using navigation", "error", err)
		}
		if ok {
			return nil
		}
	}
	n.publish(bus.EventCallOpened, call, map[string]string{"autoAccept": "false"})
	return nil
}

// HandleAction applies a notification action id. notificationID may be empty;
// when it names a stale notification that notification is removed and
// ErrNoActiveCall returned.
func (n *Notifier) HandleAction(ctx context.Context, actionID, notificationID string) error {
	if notificationID != "" {
		current := n.Current()
		if current.State != StateDisplaying || (current.NotificationID != "" && current.NotificationID != notificationID) {
			if err := n.presenter.Cancel(ctx, notificationID); err != nil {
				n.log.Debug("Failed to remove stale call notification", "id", notificationID, "error", err)
			}
			return ErrNoActiveCall
		}
	}

	switch actionID {
	case notify.ActionAccept:
		return n.Accept(ctx)
	case notify.ActionReject, "decline_call":
		return n.Reject(ctx)
	case notify.ActionOpen, "incoming_call_fullscreen", "open-incoming":
		return n.Open(ctx)
	default:
		return fmt.Errorf("unknown call action %q", actionID)
	}
}

// Expired resets the session when its notification timed out unanswered.
func (n *Notifier) Expired(notificationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.session.State != StateDisplaying || n.session.NotificationID != notificationID {
		return
	}
	call := n.session.Incoming
	n.session = Session{State: StateIdle}
	n.metrics.CallEvent("expired")
	n.publish(bus.EventCallCancelled, call, map[string]string{"reason": "expired"})
	n.log.Info("Call notification expired", "id", notificationID, "caller", call.CallerID)
}

// armBridgeExpiryLocked bounds a bridge-opened session by autoExpire, since no
// notification timer exists to report it.
func (n *Notifier) armBridgeExpiryLocked() {
	n.seq++
	seq := n.seq
	if n.bridgeTimer != nil {
		n.bridgeTimer.Stop()
	}
	n.bridgeTimer = time.AfterFunc(n.autoExpire, func() { n.expireBridge(seq) })
}

func (n *Notifier) expireBridge(seq uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.seq != seq || n.session.State != StateDisplaying || !n.session.ViaBridge {
		return
	}
	call := n.session.Incoming
	n.session = Session{State: StateIdle}
	n.metrics.CallEvent("expired")
	n.publish(bus.EventCallCancelled, call, map[string]string{"reason": "expired"})
	n.log.Info("Call screen expired unanswered", "caller", call.CallerID)
}

func (n *Notifier) cancelLocked(ctx context.Context, reason string) {
	wasDisplaying := n.session.State == StateDisplaying
	call := n.session.Incoming

	n.removeLocked(ctx)
	n.session = Session{State: StateIdle}

	if wasDisplaying {
		n.metrics.CallEvent(reason)
		n.publish(bus.EventCallCancelled, call, map[string]string{"reason": reason})
	}
}

// removeLocked takes down the session notification plus any orphaned call
// notification left by an earlier race.
func (n *Notifier) removeLocked(ctx context.Context) {
	if id := n.session.NotificationID; id != "" {
		if err := n.presenter.Cancel(ctx, id); err != nil {
			n.log.Debug("Failed to remove call notification", "id", id, "error", err)
		}
	}

	active, err := n.presenter.ListActive(ctx)
	if err != nil {
		n.log.Debug("Failed to list active notifications", "error", err)
	}
	for _, item := range active {
		if item.ID == n.session.NotificationID || item.Data[notify.DataType] != DataTypeIncomingCall {
			continue
		}
		if err := n.presenter.Cancel(ctx, item.ID); err != nil {
			n.log.Debug("Failed to remove orphaned call notification", "id", item.ID, "error", err)
		}
	}
}

func (n *Notifier) notification(id string, call Incoming) notify.Notification {
	title := "📹 Incoming Video Call"
	if call.IsAudio {
		title = "📞 Incoming Audio Call"
	}
	return notify.Notification{
		ID:       id,
		Title:    title,
		Body:     "Call from " + call.CallerName,
		Channel:  notify.ChannelIncomingCalls,
		Ongoing:  true,
		Priority: "high",
		Actions: []notify.Action{
			{ID: notify.ActionAccept, Label: "Accept"},
			{ID: notify.ActionReject, Label: "Decline"},
		},
		AutoExpire: n.autoExpire,
		Data:       callData(call),
	}
}

func (n *Notifier) minimal(id string, call Incoming) notify.Notification {
	title := "Incoming Video Call"
	if call.IsAudio {
		title = "Incoming Audio Call"
	}
	return notify.Notification{
		ID:         id,
		Title:      title,
		Body:       "Call from " + call.CallerName,
		Channel:    notify.ChannelIncomingCalls,
		AutoExpire: n.autoExpire,
		Data:       callData(call),
	}
}

func callData(call Incoming) map[string]string {
	data := map[string]string{
		notify.DataType: DataTypeIncomingCall,
		"callerId":      call.CallerID,
		"callerName":    call.CallerName,
		"channelName":   call.Channel,
		"isAudio":       strconv.FormatBool(call.IsAudio),
	}
	if call.CallerPic != "" {
		data["callerProfilePic"] = call.CallerPic
	}
	return data
}

func (n *Notifier) publish(eventType bus.EventType, call Incoming, extra map[string]string) {
	if n.events == nil {
		return
	}
	payload := callData(call)
	delete(payload, notify.DataType)
	var errText string
	for key, value := range extra {
		if key == "emitError" {
			errText = value
			continue
		}
		payload[key] = value
	}
	n.events.PublishEvent(context.Background(), bus.Event{
		Type:    eventType,
		Source:  "call",
		Payload: payload,
		Error:   errText,
	})
}
