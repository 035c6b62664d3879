package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/inventahq/eventrelay/internal/bus"
	"github.com/inventahq/eventrelay/internal/event"
	"github.com/inventahq/eventrelay/internal/metrics"
	"github.com/inventahq/eventrelay/internal/progress"
)

func newTestServer(t *testing.T) (*httptest.Server, *bus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	set, err := metrics.New(reg)
	require.NoError(t, err)
	registry := bus.NewRegistry(bus.Config{
		SweepInterval: time.Hour,
		Metrics:       set,
	})
	srv := httptest.NewServer(NewServer(registry, registry, reg, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, registry.Close(context.Background()))
	})
	return srv, registry
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func encodeEnvelope(t *testing.T, kind event.Kind, payload any) []byte {
	t.Helper()
	env, err := event.New("test", kind, payload)
	require.NoError(t, err)
	line, err := event.EncodeLine(env)
	require.NoError(t, err)
	return line
}

// TestPublishEndpointCounts verifies accepted/rejected accounting with blank
// and malformed lines interleaved.
func TestPublishEndpointCounts(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	body := strings.Join([]string{
		string(encodeEnvelope(t, event.KindCollectError, event.CollectError{Workflow: "collect", Task: "t1", Message: "x"})),
		"",
		`{broken`,
		string(encodeEnvelope(t, event.KindCollectError, event.CollectError{Workflow: "collect", Task: "t2", Message: "y"})),
	}, "\n")

	resp, err := http.Post(srv.URL+"/v1/tenants/ws-1/events", "application/x-ndjson", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var counts map[string]int
	require.NoError(t, jsonDecode(resp, &counts))
	require.Equal(t, 2, counts["accepted"])
	require.Equal(t, 1, counts["rejected"])
}

// TestPublishEndpointAllRejected verifies a body with nothing publishable
// yields 400.
func TestPublishEndpointAllRejected(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/v1/tenants/ws-1/events", "application/x-ndjson", strings.NewReader("{broken\n"))
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestWebsocketStreaming runs the end-to-end scenario: subscribe over a
// websocket, publish two progress updates for the same path, and observe
// both aggregates in order.
func TestWebsocketStreaming(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/tenants/ws-1/events/ws"), nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, conn.Close()) }()
	require.NoError(t, resp.Body.Close())

	publish := func(current int64) {
		line := encodeEnvelope(t, event.KindCollectProgress, event.CollectProgress{
			Workflow: "collect",
			Task:     "T1",
			Message: &progress.Tree{Name: "collect", Parts: []progress.Node{
				&progress.Leaf{Name: "eu-central-1", Path: []string{"collect", "aws"}, Current: current, Total: 100},
			}},
		})
		r, err := http.Post(srv.URL+"/v1/tenants/ws-1/events", "application/x-ndjson", strings.NewReader(string(line)))
		require.NoError(t, err)
		require.NoError(t, r.Body.Close())
		require.Equal(t, http.StatusAccepted, r.StatusCode)
	}

	// The handler subscribes before finishing the handshake, so the session
	// is attached before the first publish.
	publish(50)
	publish(100)

	for _, want := range []int64{50, 100} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)

		env, err := event.DecodeLine(msg)
		require.NoError(t, err)
		payload, err := env.AsCollectProgress()
		require.NoError(t, err)
		aws, ok := payload.Message.(*progress.Tree).Find("aws").(*progress.Tree)
		require.True(t, ok)
		current, total := aws.Aggregate()
		require.Equal(t, want, current)
		require.Equal(t, int64(100), total)
	}
}

// TestWebsocketTenantIsolation verifies a subscriber on one tenant never
// sees another tenant's envelopes.
func TestWebsocketTenantIsolation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/tenants/ws-b/events/ws"), nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, conn.Close()) }()
	require.NoError(t, resp.Body.Close())

	line := encodeEnvelope(t, event.KindCollectError, event.CollectError{Workflow: "collect", Task: "t1", Message: "x"})
	r, err := http.Post(srv.URL+"/v1/tenants/ws-a/events", "application/x-ndjson", strings.NewReader(string(line)))
	require.NoError(t, err)
	require.NoError(t, r.Body.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err, "expected read timeout, not a foreign envelope")
}

// TestWebsocketClientDisconnectReleasesSession verifies closing the client
// side releases the subscriber slot.
func TestWebsocketClientDisconnectReleasesSession(t *testing.T) {
	t.Parallel()

	srv, registry := newTestServer(t)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/tenants/ws-1/events/ws"), nil)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Eventually(t, func() bool {
		return len(registry.Tenants()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	// The reader goroutine notices the disconnect and closes the session;
	// the channel then reports no subscribers and becomes evictable after
	// the grace period.
	require.Eventually(t, func() bool {
		return registry.Subscribers("ws-1") == 0
	}, time.Second, 10*time.Millisecond)
}

// TestHealthz covers the liveness endpoint.
func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestMetricsEndpoint verifies the injected registry is served.
func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	line := encodeEnvelope(t, event.KindCollectError, event.CollectError{Workflow: "collect", Task: "t1", Message: "x"})
	r, err := http.Post(srv.URL+"/v1/tenants/ws-1/events", "application/x-ndjson", strings.NewReader(string(line)))
	require.NoError(t, err)
	require.NoError(t, r.Body.Close())

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "eventrelay_published_total")
}

func jsonDecode(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
