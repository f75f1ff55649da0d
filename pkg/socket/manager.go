package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"beacon/pkg/bus"
	"beacon/pkg/logger"
	"beacon/pkg/store"
)

// IdentitySource supplies the profile the connection is scoped to.
type IdentitySource interface {
	CurrentIdentity(ctx context.Context) (string, error)
	AuthToken(ctx context.Context) (string, error)
}

// Manager owns the single realtime connection handle.
//
// EnsureConnected is safe to call from any goroutine at any rate: a live
// handle or an in-flight dial makes it return immediately.
type Manager struct {
	dialer   Dialer
	identity IdentitySource
	events   *bus.MessageBus
	log      *slog.Logger

	mu                 sync.Mutex
	conn               Conn
	profileID          string
	connecting         bool
	generation         uint64
	handlersRegistered bool
	handlers           map[string][]Handler
	order              []string
	baseCtx            context.Context
}

// NewManager builds a manager. events may be nil.
func NewManager(dialer Dialer, identity IdentitySource, events *bus.MessageBus, log *slog.Logger) *Manager {
	return &Manager{
		dialer:   dialer,
		identity: identity,
		events:   events,
		log:      logger.Component(log, "socket.manager"),
		handlers: make(map[string][]Handler),
		baseCtx:  context.Background(),
	}
}

// SetContext sets the context handed to event handlers of future handles.
func (m *Manager) SetContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// On adds a handler to the table applied to every connection handle. Each
// handle receives the table exactly once.
func (m *Manager) On(event string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[event]; !ok {
		m.order = append(m.order, event)
	}
	m.handlers[event] = append(m.handlers[event], handler)
	if m.conn != nil && m.handlersRegistered {
		m.conn.On(event, handler)
	}
}

// EnsureConnected opens a connection for the stored identity unless one is
// live or being dialed. Dial failures and a missing identity are not errors;
// the caller retries on its own schedule. Only identity backend failures are
// returned.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil && m.conn.Connected() {
		m.mu.Unlock()
		return nil
	}
	if m.connecting {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	generation := m.generation
	if m.conn != nil {
		stale := m.conn
		m.conn = nil
		m.handlersRegistered = false
		go stale.Close()
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
	}()

	profileID, err := m.identity.CurrentIdentity(ctx)
	if errors.Is(err, store.ErrNoIdentity) {
		m.log.Debug("No stored identity, skipping connect")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	token, err := m.identity.AuthToken(ctx)
	if err != nil {
		m.log.Debug("Auth token unavailable, dialing without it", "error", err)
		token = ""
	}

	conn, err := m.dialer.Dial(ctx, profileID, token)
	if err != nil {
		m.log.Debug("Socket connect failed", "profile", profileID, "error", err)
		m.publishState(false, err.Error())
		return nil
	}

	m.mu.Lock()
	if generation != m.generation {
		m.mu.Unlock()
		_ = conn.Close()
		m.log.Debug("Discarding connection opened across Stop", "profile", profileID)
		return nil
	}
	m.conn = conn
	m.profileID = profileID
	m.registerLocked()
	handlerCtx := m.baseCtx
	m.mu.Unlock()

	conn.Start(handlerCtx)
	m.log.Info("Socket connected", "profile", profileID)
	return nil
}

// registerLocked applies the handler table to the current handle once.
func (m *Manager) registerLocked() {
	if m.handlersRegistered || m.conn == nil {
		return
	}
	m.conn.On(EventDisconnect, func(_ context.Context, payload Payload) {
		m.log.Info("Socket disconnected", "reason", payload["reason"])
		m.publishState(false, fmt.Sprint(payload["reason"]))
	})
	m.conn.On(EventConnectError, func(_ context.Context, payload Payload) {
		m.log.Debug("Socket connect error", "error", payload["error"])
	})
	m.conn.On(EventConnect, func(context.Context, Payload) {
		m.publishState(true, "")
	})
	for _, event := range m.order {
		for _, handler := range m.handlers[event] {
			m.conn.On(event, handler)
		}
	}
	m.handlersRegistered = true
}

// Emit sends an event on the live handle.
func (m *Manager) Emit(ctx context.Context, event string, payload Payload) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || !conn.Connected() {
		return ErrNotConnected
	}
	return conn.Emit(ctx, event, payload)
}

// ProfileID is the identity of the live handle, or "".
func (m *Manager) ProfileID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ""
	}
	return m.profileID
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.conn.Connected()
}

// Stop closes and forgets the handle. The next EnsureConnected dials a new
// handle with fresh handler registration.
func (m *Manager) Stop() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.profileID = ""
	m.generation++
	m.handlersRegistered = false
	m.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		m.log.Debug("Socket close failed", "error", err)
	}
	m.log.Info("Socket stopped")
}

func (m *Manager) publishState(connected bool, reason string) {
	if m.events == nil {
		return
	}
	state := "down"
	if connected {
		state = "up"
	}
	m.events.PublishEvent(context.Background(), bus.Event{
		Type:    bus.EventSocketState,
		Source:  "socket",
		Payload: map[string]string{"state": state, "reason": reason},
	})
}
