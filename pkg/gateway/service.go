// Package gateway assembles the delivery pipeline and serves its HTTP surface:
// push ingress, call actions, app state, status and metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"beacon/pkg/bus"
	"beacon/pkg/call"
	"beacon/pkg/config"
	"beacon/pkg/dedup"
	"beacon/pkg/metrics"
	"beacon/pkg/notify"
	"beacon/pkg/notify/console"
	"beacon/pkg/notify/telegram"
	"beacon/pkg/router"
	"beacon/pkg/runner"
	"beacon/pkg/socket"
	"beacon/pkg/speech"
	"beacon/pkg/store"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 18791
)

// Socket events the realtime transport delivers to the router.
var (
	callEvents  = []string{"incoming-call", "incoming_call", "incoming-audio-call", "incoming-video-call"}
	speakEvents = []string{"speak-message", "speak_message"}
	chatEvents  = []string{"new-message", "new_message", "chat"}
)

type Service struct {
	cfg *config.Config
	log *slog.Logger

	kv       store.KV
	sessions *store.SessionStore
	bus      *bus.MessageBus
	metrics  *metrics.Metrics
	presents *notify.Multi
	telegram *telegram.Presenter
	appState *call.AppState
	notifier *call.Notifier
	sockets  *socket.Manager
	router   *router.Router
	runner   *runner.Runner
	limiter  *rate.Limiter

	mu        sync.RWMutex
	startedAt time.Time
}

// Option overrides a collaborator NewService would otherwise build from config.
type Option func(*options)

type options struct {
	kv      store.KV
	dialer  socket.Dialer
	console io.Writer
	speaker speech.Speaker
}

// WithKV uses kv instead of opening the configured store.
func WithKV(kv store.KV) Option { return func(o *options) { o.kv = kv } }

// WithDialer replaces the websocket dialer.
func WithDialer(d socket.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithConsoleOutput redirects the console presenter.
func WithConsoleOutput(w io.Writer) Option { return func(o *options) { o.console = w } }

// WithSpeaker replaces the configured speech engine.
func WithSpeaker(s speech.Speaker) Option { return func(o *options) { o.speaker = s } }

func NewService(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	kv := o.kv
	if kv == nil {
		var err error
		kv, err = store.Open(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	s := &Service{
		cfg:      cfg,
		log:      log.With("component", "gateway.service"),
		kv:       kv,
		sessions: store.NewSessionStore(kv, cfg.Socket.IdentityKey),
		bus:      bus.NewMessageBusSize(cfg.Pipeline.InboundQueueSize),
		metrics:  metrics.New(),
		appState: &call.AppState{},
		limiter:  rate.NewLimiter(rate.Limit(cfg.Pipeline.IngressRatePerSecond), cfg.Pipeline.IngressBurst),
	}

	if err := s.buildPresenters(cfg, o.console, log); err != nil {
		_ = kv.Close()
		return nil, err
	}

	speaker := o.speaker
	if speaker == nil {
		speaker = s.buildSpeaker(cfg.Speech, log)
	}

	dialer := o.dialer
	if dialer == nil {
		dialer = socket.WebsocketDialer{
			URL:         cfg.Socket.URL,
			DialTimeout: config.Millis(cfg.Socket.DialTimeoutMs),
			Log:         log,
		}
	}
	s.sockets = socket.NewManager(dialer, s.sessions, s.bus, log)

	s.notifier = call.NewNotifier(s.presents,
		call.WithBridge(call.NewWebhookBridge(cfg.Bridge.WebhookURL, config.Millis(cfg.Bridge.TimeoutMs))),
		call.WithEmitter(s.sockets),
		call.WithForeground(s.appState),
		call.WithEvents(s.bus),
		call.WithMetrics(s.metrics),
		call.WithLogger(log),
		call.WithAutoExpire(config.Millis(cfg.Pipeline.CallAutoExpireMs)),
	)
	s.presents.OnExpire(s.notifier.Expired)

	r, err := router.New(router.Deps{
		Bus:       s.bus,
		Calls:     s.notifier,
		Speaker:   speaker,
		Presenter: s.presents,
		Dedup:     dedup.New(config.Millis(cfg.Pipeline.DedupWindowMs), dedup.WithMaxEntries(cfg.Pipeline.DedupMaxEntries)),
		Metrics:   s.metrics,
		Log:       log,
	})
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("initialize router: %w", err)
	}
	s.router = r
	s.registerSocketHandlers()

	runnerOpts := []runner.Option{
		runner.WithPolicy(runner.Policy{
			ShortInterval:        config.Millis(cfg.Pipeline.ShortIntervalMs),
			SteadyInterval:       config.Millis(cfg.Pipeline.SteadyIntervalMs),
			SuccessesBeforeWiden: cfg.Pipeline.SuccessesBeforeWiden,
		}),
		runner.WithChannels(s.presents),
		runner.WithStatusStore(s.sessions),
		runner.WithSubscription(s.router.Run),
		runner.WithSubscription(s.logEvents),
		runner.WithMetrics(s.metrics),
		runner.WithLogger(log),
		runner.WithErrorLogEvery(cfg.Pipeline.ErrorLogEvery),
	}
	if s.telegram != nil {
		runnerOpts = append(runnerOpts, runner.WithSubscription(s.listenTelegram))
	}
	s.runner = runner.New(s.sockets, runnerOpts...)

	return s, nil
}

func (s *Service) buildPresenters(cfg *config.Config, consoleOut io.Writer, log *slog.Logger) error {
	surfaces := make([]notify.Presenter, 0, 2)
	if cfg.Presenters.Telegram.Enabled {
		tg, err := telegram.New(cfg.Presenters.Telegram, log)
		if err != nil {
			return fmt.Errorf("configure telegram presenter: %w", err)
		}
		s.telegram = tg
		surfaces = append(surfaces, tg)
	}
	if cfg.Presenters.Console.Enabled || len(surfaces) == 0 {
		surfaces = append(surfaces, console.New(consoleOut))
	}
	s.presents = notify.NewMulti(log, surfaces...)
	return nil
}

func (s *Service) buildSpeaker(cfg config.SpeechConfig, log *slog.Logger) speech.Speaker {
	if !cfg.Enabled {
		return speech.Nop{}
	}
	speaker, err := speech.NewOpenAI(cfg, log)
	if err != nil {
		s.log.Warn("Speech disabled, falling back to notifications", "error", err)
		return speech.Nop{}
	}
	return speaker
}

// registerSocketHandlers routes realtime events through the same pipeline as
// push messages. Speak commands skip the queue and run off the reader so speech
// starts at once without delaying the frames behind it.
func (s *Service) registerSocketHandlers() {
	for _, event := range callEvents {
		s.sockets.On(event, func(_ context.Context, payload socket.Payload) {
			s.router.Route(router.FromSocketEvent(event, payload))
		})
	}
	for _, event := range chatEvents {
		s.sockets.On(event, func(_ context.Context, payload socket.Payload) {
			s.router.Route(router.FromSocketEvent(event, payload))
		})
	}
	for _, event := range speakEvents {
		s.sockets.On(event, func(ctx context.Context, payload socket.Payload) {
			s.router.HandleAsync(ctx, router.FromSocketEvent(event, payload))
		})
	}
	s.sockets.On("call-cancelled", func(ctx context.Context, payload socket.Payload) {
		msg := router.FromSocketEvent("call-cancelled", payload)
		s.notifier.CancelCall(ctx, msg.Field("callerId", "from", "userId"), msg.Field("channelName", "channel", "room"))
	})
}

// Run starts the supervisor and the HTTP server and blocks until ctx is done
// or the server fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.sockets.SetContext(ctx)
	s.runner.Start(ctx)

	serverErrors := make(chan error, 1)
	go s.runHTTPServer(ctx, serverErrors)

	var err error
	select {
	case <-ctx.Done():
	case err = <-serverErrors:
	}

	s.shutdown()
	return err
}

func (s *Service) shutdown() {
	s.runner.Stop()
	_ = s.notifier.Cancel(context.Background())
	s.bus.Close()
	if err := s.kv.Close(); err != nil {
		s.log.Warn("Failed to close store", "error", err)
	}
	s.log.Info("Gateway stopped")
}

func (s *Service) runHTTPServer(ctx context.Context, errCh chan<- error) {
	addr := s.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway HTTP server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start http server: %w", err)
	}
}

// Addr is the configured listen address.
func (s *Service) Addr() string {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHost
	}
	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultPort
	}
	return host + ":" + strconv.Itoa(port)
}

// logEvents records pipeline events until ctx is done. It stands in for the
// host UI that would navigate on call_accepted and call_opened.
func (s *Service) logEvents(ctx context.Context) {
	events, unsubscribe := s.bus.SubscribeEvents(ctx, 0)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.log.Info("Pipeline event", "type", event.Type, "source", event.Source, "payload", event.Payload, "error", event.Error)
		}
	}
}

func (s *Service) listenTelegram(ctx context.Context) {
	err := s.telegram.Run(ctx, func(ctx context.Context, actionID, notificationID string) {
		if err := s.notifier.HandleAction(ctx, actionID, notificationID); err != nil {
			s.log.Debug("Telegram action not applied", "action", actionID, "id", notificationID, "error", err)
		}
	})
	if err != nil {
		s.log.Warn("Telegram action listener stopped", "error", err)
	}
}
