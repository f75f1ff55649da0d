package call

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"beacon/pkg/bus"
	"beacon/pkg/notify"
	"beacon/pkg/socket"
)

type fakePresenter struct {
	mu        sync.Mutex
	displayed []notify.Notification
	cancelled []string
	active    map[string]notify.Active
	failFull  bool
	failAll   bool
}

func newFakePresenter() *fakePresenter {
	return &fakePresenter{active: make(map[string]notify.Active)}
}

func (p *fakePresenter) Display(_ context.Context, n notify.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll || (p.failFull && len(n.Actions) > 0) {
		return notify.ErrUnavailable
	}
	p.displayed = append(p.displayed, n)
	p.active[n.ID] = notify.Active{ID: n.ID, Data: n.Data}
	return nil
}

func (p *fakePresenter) Cancel(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, id)
	delete(p.active, id)
	return nil
}

func (p *fakePresenter) ListActive(context.Context) ([]notify.Active, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.Active, 0, len(p.active))
	for _, a := range p.active {
		out = append(out, a)
	}
	return out, nil
}

func (p *fakePresenter) activeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, a := range p.active {
		if a.Data[notify.DataType] == DataTypeIncomingCall {
			count++
		}
	}
	return count
}

type fakeEmitter struct {
	frames []socket.Frame
	err    error
}

func (e *fakeEmitter) Emit(_ context.Context, event string, payload socket.Payload) error {
	e.frames = append(e.frames, socket.Frame{Event: event, Data: payload})
	return e.err
}

type fakeBridge struct {
	ok    bool
	err   error
	calls []bool
}

func (b *fakeBridge) TryOpenCallScreen(_ context.Context, _ Incoming, autoAccept bool) (bool, error) {
	b.calls = append(b.calls, autoAccept)
	return b.ok, b.err
}

func fixedClock() func() time.Time {
	now := time.UnixMilli(1700000000000)
	return func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
}

var alice = Incoming{CallerID: "u1", CallerName: "Alice", Channel: "c1", IsAudio: true}

func TestDisplayShowsOngoingNotificationWhenBridgeUnavailable(t *testing.T) {
	p := newFakePresenter()
	n := NewNotifier(p, WithBridge(&fakeBridge{err: errors.New("no native module")}), WithClock(fixedClock()))

	require.NoError(t, n.Display(context.Background(), alice))

	session := n.Current()
	require.Equal(t, StateDisplaying, session.State)
	require.Len(t, p.displayed, 1)
	shown := p.displayed[0]
	require.True(t, shown.Ongoing)
	require.Equal(t, notify.ChannelIncomingCalls, shown.Channel)
	require.Equal(t, "📞 Incoming Audio Call", shown.Title)
	require.Equal(t, "Call from Alice", shown.Body)
	require.Equal(t, []string{notify.ActionAccept, notify.ActionReject}, []string{shown.Actions[0].ID, shown.Actions[1].ID})
	require.Equal(t, defaultAutoExpire, shown.AutoExpire)
	require.Equal(t, "incoming_call_u1_1700000000001", shown.ID)
	require.Equal(t, session.NotificationID, shown.ID)
	require.Equal(t, "true", shown.Data["isAudio"])
}

func TestDisplayViaBridgeSkipsNotification(t *testing.T) {
	p := newFakePresenter()
	bridge := &fakeBridge{ok: true}
	n := NewNotifier(p, WithBridge(bridge))

	require.NoError(t, n.Display(context.Background(), alice))
	require.Empty(t, p.displayed)
	require.True(t, n.Current().ViaBridge)
	require.Equal(t, []bool{false}, bridge.calls)
}

func TestDisplaySkippedInForeground(t *testing.T) {
	p := newFakePresenter()
	app := &AppState{}
	app.SetForeground(true)
	n := NewNotifier(p, WithForeground(app))

	require.NoError(t, n.Display(context.Background(), alice))
	require.Empty(t, p.displayed)
	require.Equal(t, StateIdle, n.Current().State)
}

func TestDisplayRejectsMalformedCall(t *testing.T) {
	n := NewNotifier(newFakePresenter())
	require.ErrorIs(t, n.Display(context.Background(), Incoming{CallerID: "u1"}), ErrMalformed)
	require.ErrorIs(t, n.Display(context.Background(), Incoming{Channel: "c1"}), ErrMalformed)
}

func TestDisplaySameCallTwiceIsNoop(t *testing.T) {
	p := newFakePresenter()
	n := NewNotifier(p)
	ctx := context.Background()

	require.NoError(t, n.Display(ctx, alice))
	require.NoError(t, n.Display(ctx, alice))
	require.Len(t, p.displayed, 1)
	require.Empty(t, p.cancelled)
}

func TestSecondCallSupersedesFirst(t *testing.T) {
	p := newFakePresenter()
	b := bus.NewMessageBus()
	defer b.Close()
	events, unsubscribe := b.SubscribeEvents(context.Background(), 8)
	defer unsubscribe()

	n := NewNotifier(p, WithEvents(b), WithClock(fixedClock()))
	ctx := context.Background()

	require.NoError(t, n.Display(ctx, alice))
	first := n.Current().NotificationID
	bob := Incoming{CallerID: "u2", CallerName: "Bob", Channel: "c2"}
	require.NoError(t, n.Display(ctx, bob))

	require.Equal(t, []string{first}, p.cancelled)
	require.Equal(t, 1, p.activeCalls())
	require.Equal(t, "u2", n.Current().CallerID)

	var types []bus.EventType
	for len(types) < 3 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("events = %v, want 3", types)
		}
	}
	require.Equal(t, []bus.EventType{bus.EventCallDisplayed, bus.EventCallCancelled, bus.EventCallDisplayed}, types)
}

func TestSingleActiveCallUnderConcurrentDisplays(t *testing.T) {
	p := newFakePresenter()
	n := NewNotifier(p)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = n.Display(context.Background(), Incoming{CallerID: string(rune('a' + i)), Channel: "room"})
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, p.activeCalls())
	require.Equal(t, StateDisplaying, n.Current().State)
}

func TestDisplayFallsBackToMinimal(t *testing.T) {
	p := newFakePresenter()
	p.failFull = true
	n := NewNotifier(p)

	require.NoError(t, n.Display(context.Background(), Incoming{CallerID: "u1", Channel: "c1"}))
	require.Len(t, p.displayed, 1)
	require.Equal(t, "Incoming Video Call", p.displayed[0].Title)
	require.Equal(t, "Call from Unknown Caller", p.displayed[0].Body)
	require.Empty(t, p.displayed[0].Actions)
	require.Equal(t, StateDisplaying, n.Current().State)
}

func TestDisplayStaysIdleWhenPresentationFails(t *testing.T) {
	p := newFakePresenter()
	p.failAll = true
	n := NewNotifier(p)

	err := n.Display(context.Background(), alice)
	require.ErrorIs(t, err, notify.ErrUnavailable)
	require.Equal(t, StateIdle, n.Current().State)
}

func TestRejectEmitsOneEventAndResets(t *testing.T) {
	p := newFakePresenter()
	emitter := &fakeEmitter{}
	n := NewNotifier(p, WithEmitter(emitter))
	ctx := context.Background()

	require.NoError(t, n.Display(ctx, alice))
	require.NoError(t, n.Reject(ctx))

	require.Equal(t, []socket.Frame{{
		Event: RejectEvent,
		Data:  socket.Payload{"callerId": "u1", "channelName": "c1", "isAudio": true},
	}}, emitter.frames)
	require.Equal(t, StateIdle, n.Current().State)
	require.Zero(t, p.activeCalls())

	require.ErrorIs(t, n.Reject(ctx), ErrNoActiveCall)
	require.Len(t, emitter.frames, 1)
}

func TestRejectEndsSessionWhenEmitFails(t *testing.T) {
	n := NewNotifier(newFakePresenter(), WithEmitter(&fakeEmitter{err: socket.ErrNotConnected}))
	ctx := context.Background()

	require.NoError(t, n.Display(ctx, alice))
	require.NoError(t, n.Reject(ctx))
	require.Equal(t, StateIdle, n.Current().State)
}

func TestAcceptPublishesNavigateEffect(t *testing.T) {
	b := bus.NewMessageBus()
	defer b.Close()
	events, unsubscribe := b.SubscribeEvents(context.Background(), 8)
	defer unsubscribe()

	p := newFakePresenter()
	n := NewNotifier(p, WithEvents(b))
	ctx := context.Background()
	require.NoError(t, n.Display(ctx, alice))
	<-events

	require.NoError(t, n.Accept(ctx))
	select {
	case e := <-events:
		require.Equal(t, bus.EventCallAccepted, e.Type)
		require.Equal(t, "u1", e.Payload["callerId"])
		require.Equal(t, "c1", e.Payload["channelName"])
		require.Equal(t, "true", e.Payload["autoAccept"])
	case <-time.After(time.Second):
		t.Fatal("expected accept event")
	}
	require.Zero(t, p.activeCalls())
	require.Equal(t, StateIdle, n.Current().State)
}

func TestCancelSweepsOrphans(t *testing.T) {
	p := newFakePresenter()
	ctx := context.Background()
	require.NoError(t, p.Display(ctx, notify.Notification{ID: "orphan", Data: map[string]string{notify.DataType: DataTypeIncomingCall}}))
	require.NoError(t, p.Display(ctx, notify.Notification{ID: "chat-1", Data: map[string]string{notify.DataType: "new_message"}}))

	n := NewNotifier(p)
	require.NoError(t, n.Cancel(ctx))
	require.NoError(t, n.Cancel(ctx))

	require.Equal(t, []string{"orphan"}, p.cancelled)
	active, _ := p.ListActive(ctx)
	require.Equal(t, []notify.Active{{ID: "chat-1", Data: map[string]string{notify.DataType: "new_message"}}}, active)
}

func TestExpiredResetsMatchingSession(t *testing.T) {
	n := NewNotifier(newFakePresenter())
	ctx := context.Background()
	require.NoError(t, n.Display(ctx, alice))

	n.Expired("someone-else")
	require.Equal(t, StateDisplaying, n.Current().State)

	n.Expired(n.Current().NotificationID)
	require.Equal(t, StateIdle, n.Current().State)
}

func TestHandleActionRoutesIds(t *testing.T) {
	emitter := &fakeEmitter{}
	p := newFakePresenter()
	n := NewNotifier(p, WithEmitter(emitter))
	ctx := context.Background()

	require.NoError(t, n.Display(ctx, alice))
	id := n.Current().NotificationID

	require.ErrorIs(t, n.HandleAction(ctx, notify.ActionReject, "stale-id"), ErrNoActiveCall)
	require.Contains(t, p.cancelled, "stale-id")
	require.Equal(t, StateDisplaying, n.Current().State)

	require.NoError(t, n.HandleAction(ctx, notify.ActionOpen, id))
	require.Equal(t, StateDisplaying, n.Current().State)

	require.NoError(t, n.HandleAction(ctx, "decline_call", id))
	require.Len(t, emitter.frames, 1)

	require.Error(t, n.HandleAction(ctx, "snooze", ""))
}

func TestBridgeSessionExpiresAndRedialRetriesBridge(t *testing.T) {
	p := newFakePresenter()
	bridge := &fakeBridge{ok: true}
	n := NewNotifier(p, WithBridge(bridge), WithAutoExpire(50*time.Millisecond))

	require.NoError(t, n.Display(context.Background(), alice))
	require.Eventually(t, func() bool { return n.Current().State == StateIdle }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, n.Display(context.Background(), alice))
	require.Len(t, bridge.calls, 2)
	require.Equal(t, StateDisplaying, n.Current().State)
}

func TestBridgeExpiryIgnoresReplacedSession(t *testing.T) {
	p := newFakePresenter()
	bridge := &fakeBridge{ok: true}
	n := NewNotifier(p, WithBridge(bridge), WithAutoExpire(time.Hour))

	require.NoError(t, n.Display(context.Background(), alice))
	n.mu.Lock()
	stale := n.seq
	n.mu.Unlock()

	require.NoError(t, n.Display(context.Background(), Incoming{CallerID: "u2", Channel: "c2"}))
	n.expireBridge(stale)
	require.Equal(t, "u2", n.Current().CallerID)
	require.Equal(t, StateDisplaying, n.Current().State)
}

func TestCancelCallMatchesRingingCall(t *testing.T) {
	p := newFakePresenter()
	n := NewNotifier(p, WithClock(fixedClock()))
	ctx := context.Background()

	require.False(t, n.CancelCall(ctx, "u1", "c1"))
	require.NoError(t, n.Display(ctx, alice))

	require.False(t, n.CancelCall(ctx, "u2", ""))
	require.False(t, n.CancelCall(ctx, "u1", "other"))
	require.Equal(t, StateDisplaying, n.Current().State)

	require.True(t, n.CancelCall(ctx, "u1", ""))
	require.Equal(t, StateIdle, n.Current().State)
}

func TestWebhookBridge(t *testing.T) {
	var got bridgeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.CallerID == "busy" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	bridge := NewWebhookBridge(srv.URL, time.Second)
	ok, err := bridge.TryOpenCallScreen(context.Background(), alice, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "c1", got.ChannelName)
	require.True(t, got.AutoAccept)

	ok, err = bridge.TryOpenCallScreen(context.Background(), Incoming{CallerID: "busy", Channel: "c"}, false)
	require.Error(t, err)
	require.False(t, ok)

	ok, err = NewWebhookBridge("", 0).TryOpenCallScreen(context.Background(), alice, false)
	require.NoError(t, err)
	require.False(t, ok)
}
