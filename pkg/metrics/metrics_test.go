package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	m := New()
	m.InboundRouted("push", "chat")
	m.InboundRouted("push", "chat")
	m.DuplicateSuppressed()
	m.CallEvent("displayed")
	m.RunnerError()
	m.RunnerTick(30, true)

	require.Equal(t, 2.0, testutil.ToFloat64(m.inbound.WithLabelValues("push", "chat")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.duplicates))
	require.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("displayed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runnerErrors))
	require.Equal(t, 30.0, testutil.ToFloat64(m.runnerInterval))
	require.Equal(t, 1.0, testutil.ToFloat64(m.socketConnected))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.InboundRouted("socket", "speak")
	m.DuplicateSuppressed()
	m.InboundDropped()
	m.Notification("shown")
	m.CallEvent("accepted")
	m.RunnerError()
	m.RunnerTick(5, false)
	require.Nil(t, m.Registry())
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.Notification("fallback")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	if !strings.Contains(string(body), `beacon_notifications_total{outcome="fallback"} 1`) {
		t.Fatalf("metrics output missing notification counter:\n%s", body)
	}
}
