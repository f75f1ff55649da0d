// Package runner supervises the realtime connection with an adaptive polling
// loop that never exits on its own.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"beacon/pkg/logger"
	"beacon/pkg/metrics"
	"beacon/pkg/notify"
	"beacon/pkg/store"
)

// Connector is the slice of socket.Manager the runner drives.
type Connector interface {
	EnsureConnected(ctx context.Context) error
	Connected() bool
	Stop()
}

// StatusStore persists runner status across restarts.
type StatusStore interface {
	SaveStatus(ctx context.Context, status store.ServiceStatus) error
	LoadStatus(ctx context.Context) (store.ServiceStatus, error)
}

// Subscription is a long-running consumer armed once per Start and cancelled
// by Stop, such as the router queue consumer.
type Subscription func(ctx context.Context)

type Option func(*Runner)

func WithPolicy(p Policy) Option { return func(r *Runner) { r.policy = p.normalized() } }

func WithChannels(setup notify.ChannelSetup) Option { return func(r *Runner) { r.channels = setup } }

func WithStatusStore(s StatusStore) Option { return func(r *Runner) { r.status = s } }

func WithSubscription(sub Subscription) Option {
	return func(r *Runner) { r.subscriptions = append(r.subscriptions, sub) }
}

func WithMetrics(m *metrics.Metrics) Option { return func(r *Runner) { r.metrics = m } }

func WithLogger(log *slog.Logger) Option { return func(r *Runner) { r.log = log } }

// WithErrorLogEvery logs the first loop fault and then every nth.
func WithErrorLogEvery(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.errorLogEvery = n
		}
	}
}

// Runner is the supervisor loop. Start, Stop and EnsureRunning are safe to
// call from any goroutine.
type Runner struct {
	connector     Connector
	channels      notify.ChannelSetup
	status        StatusStore
	subscriptions []Subscription
	policy        Policy
	metrics       *metrics.Metrics
	log           *slog.Logger
	errorLogEvery int

	after  func(time.Duration) <-chan time.Time
	onTick func(State)

	mu       sync.Mutex
	state    State
	root     context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	errorLog *rate.Sometimes
}

func New(connector Connector, opts ...Option) *Runner {
	r := &Runner{
		connector:     connector,
		policy:        DefaultPolicy(),
		errorLogEvery: 10,
		after:         time.After,
		root:          context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logger.Component(r.log, "runner")
	r.state = State{CheckInterval: r.policy.ShortInterval}
	return r
}

// State returns a snapshot of the loop state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start prepares channels, connects once, arms subscriptions and launches the
// loop. ctx bounds the loop lifetime. A second Start while running is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.state.Running {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.root = ctx
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state = r.policy.Initial()
	r.errorLog = &rate.Sometimes{Every: r.errorLogEvery}
	done := r.done
	r.mu.Unlock()

	r.log.Info("Background runner starting",
		"short_interval", r.policy.ShortInterval,
		"steady_interval", r.policy.SteadyInterval,
		"successes_before_widen", r.policy.SuccessesBeforeWiden,
	)

	if r.channels != nil {
		if err := r.channels.EnsureChannels(loopCtx, notify.DefaultChannels()); err != nil {
			r.log.Warn("Failed to prepare notification channels", "error", err)
		}
	}

	r.logPreviousStatus(loopCtx)

	if err := r.ensureConnected(loopCtx); err != nil {
		r.log.Warn("Initial connect failed", "error", err)
	}
	connected := r.connector.Connected()
	r.mu.Lock()
	r.state.LastConnected = connected
	r.mu.Unlock()

	var subs sync.WaitGroup
	for _, sub := range r.subscriptions {
		subs.Add(1)
		go func(sub Subscription) {
			defer subs.Done()
			sub(loopCtx)
		}(sub)
	}

	r.saveStatus()

	go func() {
		defer close(done)
		r.loop(loopCtx)
		subs.Wait()
	}()
}

// EnsureRunning restarts the loop when it is not running, reusing the context
// of the last Start.
func (r *Runner) EnsureRunning() {
	r.mu.Lock()
	running := r.state.Running
	root := r.root
	r.mu.Unlock()
	if running {
		return
	}
	if root.Err() != nil {
		r.log.Debug("Runner context finished, not restarting")
		return
	}
	r.log.Info("Runner not running, starting")
	r.Start(root)
}

// Stop cancels the loop and subscriptions, waits for them, and drops the
// socket handle. Safe to call when never started.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.state.Running {
		r.mu.Unlock()
		return
	}
	r.state.Running = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.connector.Stop()
	r.saveStatus()
	r.log.Info("Background runner stopped")
}

// Done is closed when the current loop and its subscriptions have exited.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.done
}

func (r *Runner) loop(ctx context.Context) {
	for {
		interval := r.State().CheckInterval
		select {
		case <-ctx.Done():
			return
		case <-r.after(interval):
		}

		if ctx.Err() != nil || !r.State().Running {
			return
		}
		r.tick(ctx)
	}
}

func (r *Runner) tick(ctx context.Context) {
	r.mu.Lock()
	wasUp := r.state.LastConnected
	r.mu.Unlock()

	err := r.ensureConnected(ctx)
	isUp := false
	if err == nil {
		isUp, err = r.connected()
	}

	r.mu.Lock()
	if err != nil {
		r.state = r.policy.AfterError(r.state)
	} else {
		r.state = r.policy.NextInterval(r.state, wasUp, isUp)
	}
	r.state.LastTick = time.Now()
	state := r.state
	errorLog := r.errorLog
	r.mu.Unlock()

	if err != nil {
		r.metrics.RunnerError()
		errorLog.Do(func() {
			r.log.Error("Supervisor tick failed", "consecutive_errors", state.ConsecutiveErrors, "error", err)
		})
	}
	r.metrics.RunnerTick(state.CheckInterval.Seconds(), state.LastConnected)
	if err == nil && wasUp != isUp {
		r.log.Info("Connection state changed", "connected", isUp, "next_check", state.CheckInterval)
		r.saveStatus()
	}
	if r.onTick != nil {
		r.onTick(state)
	}
}

// ensureConnected turns a panic inside the connector into an error.
func (r *Runner) ensureConnected(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic in ensure connected: %v\n%s", recovered, debug.Stack())
		}
	}()
	return r.connector.EnsureConnected(ctx)
}

func (r *Runner) connected() (up bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic in connected: %v", recovered)
		}
	}()
	return r.connector.Connected(), nil
}

// logPreviousStatus logs the status persisted by the last run.
func (r *Runner) logPreviousStatus(ctx context.Context) {
	if r.status == nil {
		return
	}
	prev, err := r.status.LoadStatus(ctx)
	if err != nil {
		r.log.Warn("Failed to read previous runner status", "error", err)
		return
	}
	if prev.UpdatedAt.IsZero() {
		return
	}
	r.log.Info("Previous runner status",
		"running", prev.Running,
		"socket_connected", prev.SocketConnected,
		"consecutive_errors", prev.ConsecutiveErrors,
		"updated_at", prev.UpdatedAt,
	)
}

func (r *Runner) saveStatus() {
	if r.status == nil {
		return
	}
	state := r.State()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.status.SaveStatus(ctx, store.ServiceStatus{
		Running:           state.Running,
		SocketConnected:   state.LastConnected,
		ConsecutiveErrors: state.ConsecutiveErrors,
		UpdatedAt:         time.Now().UTC(),
	})
	if err != nil {
		r.log.Warn("Failed to save runner status", "error", err)
	}
}
