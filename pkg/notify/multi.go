package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Multi fans a notification out to several surfaces. Display succeeds when at
// least one surface accepted it. It also owns auto-expiry so every surface
// gets the same lifetime semantics.
type Multi struct {
	surfaces []Presenter
	log      *slog.Logger

	mu      sync.Mutex
	active  map[string]Active
	expires map[string]*time.Timer
	onExp   func(id string)
}

func NewMulti(log *slog.Logger, surfaces ...Presenter) *Multi {
	if log == nil {
		log = slog.Default()
	}
	return &Multi{
		surfaces: surfaces,
		log:      log.With("component", "notify.multi"),
		active:   make(map[string]Active),
		expires:  make(map[string]*time.Timer),
	}
}

// OnExpire registers a callback run after a notification auto-expired.
func (m *Multi) OnExpire(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExp = fn
}

func (m *Multi) Display(ctx context.Context, n Notification) error {
	if len(m.surfaces) == 0 {
		return fmt.Errorf("%w: no surfaces configured", ErrUnavailable)
	}

	var errs []error
	delivered := 0
	for _, surface := range m.surfaces {
		if err := surface.Display(ctx, n); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
	}
	for _, err := range errs {
		m.log.Warn("Surface refused notification", "id", n.ID, "error", err)
	}

	m.track(n)
	return nil
}

func (m *Multi) Cancel(ctx context.Context, id string) error {
	m.untrack(id)

	var errs []error
	for _, surface := range m.surfaces {
		if err := surface.Cancel(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListActive returns the union of what Multi tracks and what the surfaces report.
func (m *Multi) ListActive(ctx context.Context) ([]Active, error) {
	seen := make(map[string]Active)

	m.mu.Lock()
	for id, active := range m.active {
		seen[id] = active
	}
	m.mu.Unlock()

	var errs []error
	for _, surface := range m.surfaces {
		items, err := surface.ListActive(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, item := range items {
			if _, ok := seen[item.ID]; !ok {
				seen[item.ID] = item
			}
		}
	}

	out := make([]Active, 0, len(seen))
	for _, item := range seen {
		out = append(out, item)
	}
	return out, errors.Join(errs...)
}

// EnsureChannels forwards channel setup to surfaces that support it.
func (m *Multi) EnsureChannels(ctx context.Context, channels []Channel) error {
	var errs []error
	for _, surface := range m.surfaces {
		if setup, ok := surface.(ChannelSetup); ok {
			if err := setup.EnsureChannels(ctx, channels); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) track(n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active[n.ID] = Active{ID: n.ID, Data: n.Data}
	if timer, ok := m.expires[n.ID]; ok {
		timer.Stop()
		delete(m.expires, n.ID)
	}
	if n.AutoExpire <= 0 {
		return
	}

	id := n.ID
	m.expires[id] = time.AfterFunc(n.AutoExpire, func() {
		m.expire(id)
	})
}

func (m *Multi) untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, id)
	if timer, ok := m.expires[id]; ok {
		timer.Stop()
		delete(m.expires, id)
	}
}

func (m *Multi) expire(id string) {
	m.mu.Lock()
	if _, ok := m.active[id]; !ok {
		m.mu.Unlock()
		return
	}
	onExp := m.onExp
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Cancel(ctx, id); err != nil {
		m.log.Warn("Failed to remove expired notification", "id", id, "error", err)
	}
	m.log.Debug("Notification expired", "id", id)
	if onExp != nil {
		onExp(id)
	}
}
