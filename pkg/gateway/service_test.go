package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"beacon/pkg/call"
	"beacon/pkg/config"
	"beacon/pkg/logger"
	"beacon/pkg/socket"
	"beacon/pkg/speech"
	"beacon/pkg/store"
)

type fakeConn struct {
	mu       sync.Mutex
	handlers map[string][]socket.Handler
	emitted  []socket.Frame
	up       bool
}

func (c *fakeConn) On(event string, handler socket.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string][]socket.Handler)
	}
	c.handlers[event] = append(c.handlers[event], handler)
}

func (c *fakeConn) Start(context.Context) {
	c.mu.Lock()
	c.up = true
	c.mu.Unlock()
}

func (c *fakeConn) Emit(_ context.Context, event string, payload socket.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, socket.Frame{Event: event, Data: payload})
	return nil
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.up
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.up = false
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) fire(event string, payload socket.Payload) {
	c.mu.Lock()
	handlers := append([]socket.Handler(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, handler := range handlers {
		handler(context.Background(), payload)
	}
}

func (c *fakeConn) frames() []socket.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]socket.Frame(nil), c.emitted...)
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	profiles []string
}

func (d *fakeDialer) Dial(_ context.Context, profileID, _ string) (socket.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := &fakeConn{}
	d.conns = append(d.conns, conn)
	d.profiles = append(d.profiles, profileID)
	return conn, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pipeline.IngressRatePerSecond = 1000
	cfg.Pipeline.IngressBurst = 1000
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, extra ...Option) (*Service, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	opts := append([]Option{
		WithKV(store.NewMemory()),
		WithDialer(dialer),
		WithConsoleOutput(io.Discard),
	}, extra...)
	svc, err := NewService(context.Background(), cfg, logger.Discard(), opts...)
	require.NoError(t, err)
	t.Cleanup(svc.shutdown)
	return svc, dialer
}

func postJSON(t *testing.T, url, method string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestNewServiceRequiresConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewService(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestNewServiceRejectsBrokenTelegramConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Presenters.Telegram.Enabled = true
	_, err := NewService(context.Background(), cfg, logger.Discard(), WithKV(store.NewMemory()))
	require.ErrorContains(t, err, "telegram")
}

func TestPushMessage(t *testing.T) {
	t.Parallel()

	var req pushRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"data": {"type": "chat", "messageId": "m7", "senderName": "Bob"},
		"notification": {"title": "Bob", "body": "hey"}
	}`), &req))

	msg := pushMessage(req)
	require.Equal(t, "chat", msg.Kind)
	require.Equal(t, "m7", msg.ID)
	require.True(t, msg.HasPrerenderedNotification)
	require.Equal(t, "hey", msg.Fields["body"])
}

func TestPushPresentsChatOnce(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	svc.runner.Start(context.Background())
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	body := map[string]any{"data": map[string]string{"type": "chat", "id": "m1", "senderName": "Bob", "message": "hey"}}
	for i := 0; i < 2; i++ {
		resp := postJSON(t, server.URL+"/v1/push", http.MethodPost, body)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	require.Eventually(t, func() bool {
		active, _ := svc.presents.ListActive(context.Background())
		return len(active) == 1 && svc.bus.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	active, err := svc.presents.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "msg_m1", active[0].ID)
}

func TestPushValidatesAndRateLimits(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.IngressRatePerSecond = 1
	cfg.Pipeline.IngressBurst = 2
	svc, _ := newTestService(t, cfg)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	resp := postJSON(t, server.URL+"/v1/push", http.MethodPost, map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, server.URL+"/v1/push", http.MethodPost, map[string]any{"data": map[string]string{"type": "chat"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postJSON(t, server.URL+"/v1/push", http.MethodPost, map[string]any{"data": map[string]string{"type": "chat"}})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestPushRestartsStoppedRunner(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	server := httptest.NewServer(svc.Handler())
	defer server.Close()
	require.False(t, svc.runner.State().Running)

	resp := postJSON(t, server.URL+"/v1/push", http.MethodPost, map[string]any{"data": map[string]string{"type": "promo", "title": "Sale"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.True(t, svc.runner.State().Running)
}

// A socket-delivered call is rejected and the caller is told.
func TestSocketCallRejectedOverHTTP(t *testing.T) {
	svc, dialer := newTestService(t, testConfig())
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	resp := postJSON(t, server.URL+"/v1/session", http.MethodPut, map[string]string{"profileId": "p1", "authToken": "tok"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Eventually(t, func() bool { return svc.sockets.Connected() }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"p1"}, dialer.profiles)

	dialer.last().fire("incoming-audio-call", socket.Payload{"callerId": "u1", "callerName": "Alice", "channelName": "c1"})
	require.Eventually(t, func() bool {
		return svc.notifier.Current().State == call.StateDisplaying
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, svc.notifier.Current().IsAudio)

	resp = postJSON(t, server.URL+"/v1/calls/reject", http.MethodPost, struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, call.StateIdle, svc.notifier.Current().State)

	frames := dialer.last().frames()
	require.Len(t, frames, 1)
	require.Equal(t, call.RejectEvent, frames[0].Event)
	require.Equal(t, "u1", frames[0].Data["callerId"])
	require.Equal(t, true, frames[0].Data["isAudio"])
}

type slowSpeaker struct {
	started chan string
	release chan struct{}
}

func (s *slowSpeaker) Speak(_ context.Context, text string, _ speech.Priority, _ bool) error {
	s.started <- text
	<-s.release
	return nil
}

func TestSocketSpeechDoesNotDelayCalls(t *testing.T) {
	speaker := &slowSpeaker{started: make(chan string, 1), release: make(chan struct{})}
	svc, dialer := newTestService(t, testConfig(), WithSpeaker(speaker))
	defer close(speaker.release)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	resp := postJSON(t, server.URL+"/v1/session", http.MethodPut, map[string]string{"profileId": "p1"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Eventually(t, func() bool { return svc.sockets.Connected() }, 2*time.Second, 10*time.Millisecond)

	conn := dialer.last()
	go func() {
		conn.fire("speak_message", socket.Payload{"text": "long announcement"})
		conn.fire("incoming-call", socket.Payload{"callerId": "u1", "callerName": "Alice", "channelName": "c1"})
	}()

	require.Equal(t, "long announcement", <-speaker.started)
	require.Eventually(t, func() bool {
		return svc.notifier.Current().State == call.StateDisplaying
	}, time.Second, 10*time.Millisecond, "call waited behind speech playback")
}

func TestSocketCancelIgnoresOtherCalls(t *testing.T) {
	svc, dialer := newTestService(t, testConfig())
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	resp := postJSON(t, server.URL+"/v1/session", http.MethodPut, map[string]string{"profileId": "p1"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Eventually(t, func() bool { return svc.sockets.Connected() }, 2*time.Second, 10*time.Millisecond)

	conn := dialer.last()
	conn.fire("incoming-call", socket.Payload{"callerId": "u1", "callerName": "Alice", "channelName": "c1"})
	require.Eventually(t, func() bool {
		return svc.notifier.Current().State == call.StateDisplaying
	}, 2*time.Second, 10*time.Millisecond)

	conn.fire("call-cancelled", socket.Payload{"callerId": "u2", "channelName": "c9"})
	require.Equal(t, call.StateDisplaying, svc.notifier.Current().State)

	conn.fire("call-cancelled", socket.Payload{"callerId": "u1", "channelName": "c1"})
	require.Equal(t, call.StateIdle, svc.notifier.Current().State)
}

func TestCallActionErrors(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	resp := postJSON(t, server.URL+"/v1/calls/accept", http.MethodPost, struct{}{})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, server.URL+"/v1/calls/hold", http.MethodPost, struct{}{})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, server.URL+"/v1/calls/cancel", http.MethodPost, struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAppStateSetsForeground(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	resp := postJSON(t, server.URL+"/v1/app/state", http.MethodPost, map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, server.URL+"/v1/app/state", http.MethodPost, map[string]bool{"foreground": true})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.True(t, svc.appState.Foreground())
}

func TestSignOutDropsSocket(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	resp := postJSON(t, server.URL+"/v1/session", http.MethodPut, map[string]string{"profileId": "p1"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Eventually(t, func() bool { return svc.sockets.Connected() }, 2*time.Second, 10*time.Millisecond)

	resp = postJSON(t, server.URL+"/v1/session", http.MethodDelete, struct{}{})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.False(t, svc.sockets.Connected())

	_, err := svc.sessions.CurrentIdentity(context.Background())
	require.ErrorIs(t, err, store.ErrNoIdentity)
}

func TestStatusReadyAndMetrics(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	svc.runner.Start(context.Background())

	resp, err = http.Get(server.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.True(t, status.Runner.Running)
	require.Equal(t, call.StateIdle, status.Call.State)
	require.False(t, status.Socket.Connected)

	metricsResp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	text, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	require.Contains(t, string(text), "beacon_runner_check_interval_seconds")
}

func TestServiceRunServesAndStops(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = freeTCPPort(t)
	svc, err := NewService(context.Background(), cfg, logger.Discard(),
		WithKV(store.NewMemory()),
		WithDialer(&fakeDialer{}),
		WithConsoleOutput(io.Discard),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	readyURL := "http://" + net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)) + "/readyz"
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, readyURL, 2*time.Second))

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
	require.False(t, svc.runner.State().Running)
}

func TestAddrDefaults(t *testing.T) {
	t.Parallel()

	svc := &Service{cfg: &config.Config{}}
	if got := svc.Addr(); got != "127.0.0.1:18791" {
		t.Fatalf("Addr = %q", got)
	}
	svc.cfg.Gateway = config.GatewayConfig{Host: " 0.0.0.0 ", Port: 9000}
	if got := svc.Addr(); !strings.HasSuffix(got, ":9000") {
		t.Fatalf("Addr = %q", got)
	}
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			return statusCode
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
