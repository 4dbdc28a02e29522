package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

type fakeProvider struct {
	url   string
	err   error
	calls atomic.Int32
}

func (p *fakeProvider) GetTunnelURL(context.Context) (string, error) {
	p.calls.Add(1)
	return p.url, p.err
}

type countingMetrics struct {
	outcomes chan string
}

func (m *countingMetrics) RecordTunnelRequest(outcome string) {
	m.outcomes <- outcome
}

// newTunnelServer serves a websocket endpoint that hands every connection to handler
func newTunnelServer(handler func(conn *websocket.Conn)) (*httptest.Server, string) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestManager(t *testing.T, provider URLProvider, handshakeTimeout time.Duration, metrics Metrics) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Log:              log.NewLogger(log.DiscardHandler()),
		Provider:         provider,
		HandshakeTimeout: handshakeTimeout,
		Metrics:          metrics,
	})
	require.NoError(t, err)
	return m
}

func requireCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	ciErr, ok := types.AsCIError(err)
	require.True(t, ok, "expected a CI error, got %v", err)
	assert.Equal(t, code, ciErr.Code)
	assert.True(t, ciErr.Critical)
}

func TestCheckSupported(t *testing.T) {
	supported := []types.TestDefinition{
		{PublicID: "aaa", Type: types.TestTypeBrowser},
		{PublicID: "bbb", Type: types.TestTypeAPI, SubType: "http"},
		{PublicID: "ccc", Type: types.TestTypeAPI, SubType: "multi"},
	}
	assert.NoError(t, CheckSupported(supported))

	err := CheckSupported(append(supported,
		types.TestDefinition{PublicID: "ddd", Type: types.TestTypeMobile},
		types.TestDefinition{PublicID: "eee", Type: types.TestTypeAPI, SubType: "dns"},
	))
	requireCode(t, err, types.ErrTunnelNotSupported)
	assert.Contains(t, err.Error(), "ddd (mobile)")
	assert.Contains(t, err.Error(), "eee (api/dns)")
}

func TestOpen_UnsupportedFailsBeforeRequestingURL(t *testing.T) {
	provider := &fakeProvider{url: "ws://unused"}
	m := newTestManager(t, provider, time.Second, nil)

	_, err := m.Open(context.Background(), []types.TestDefinition{{PublicID: "aaa", Type: types.TestTypeMobile}})
	requireCode(t, err, types.ErrTunnelNotSupported)
	assert.Equal(t, int32(0), provider.calls.Load())
}

func TestOpen_URLUnavailable(t *testing.T) {
	m := newTestManager(t, &fakeProvider{err: errors.New("boom")}, time.Second, nil)

	_, err := m.Open(context.Background(), nil)
	requireCode(t, err, types.ErrUnavailableTunnelConfig)
}

func TestOpen_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	m := newTestManager(t, &fakeProvider{url: url}, time.Second, nil)
	_, err := m.Open(context.Background(), nil)
	requireCode(t, err, types.ErrTunnelStartFailed)
}

func TestOpen_HandshakeTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv, url := newTunnelServer(drain)
	defer srv.Close()

	m := newTestManager(t, &fakeProvider{url: url}, 50*time.Millisecond, nil)
	start := time.Now()
	_, err := m.Open(context.Background(), nil)
	requireCode(t, err, types.ErrTunnelStartFailed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOpen_IncompleteHandshake(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv, url := newTunnelServer(func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]string{"host": "only-host"})
		drain(conn)
	})
	defer srv.Close()

	m := newTestManager(t, &fakeProvider{url: url}, time.Second, nil)
	_, err := m.Open(context.Background(), nil)
	requireCode(t, err, types.ErrTunnelStartFailed)
}

func TestHandle_RelaysRequests(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ping", r.URL.Path)
		assert.Equal(t, "yes", r.Header.Get("X-Relayed"))
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		w.Header().Set("X-Dest", "internal")
		_, _ = w.Write([]byte("pong"))
	}))
	defer dest.Close()

	responses := make(chan frame, 1)
	srv, url := newTunnelServer(func(conn *websocket.Conn) {
		_ = conn.WriteJSON(types.TunnelInfo{Host: "virtual.tunnel", ID: "tunnel-1"})
		_ = conn.WriteJSON(frame{
			Type:   frameTypeRequest,
			ID:     "req-1",
			Method: http.MethodGet,
			URL:    dest.URL + "/ping",
			Headers: http.Header{
				"X-Relayed":           {"yes"},
				"Proxy-Authorization": {"secret"},
			},
		})
		_, msg, err := conn.ReadMessage()
		if err == nil {
			var res frame
			if json.Unmarshal(msg, &res) == nil {
				responses <- res
			}
		}
		drain(conn)
	})
	defer srv.Close()

	metrics := &countingMetrics{outcomes: make(chan string, 1)}
	m := newTestManager(t, &fakeProvider{url: url}, time.Second, metrics)
	handle, err := m.Open(context.Background(), []types.TestDefinition{{PublicID: "aaa", Type: types.TestTypeBrowser}})
	require.NoError(t, err)
	assert.Equal(t, types.TunnelInfo{Host: "virtual.tunnel", ID: "tunnel-1"}, handle.Info())
	assert.Equal(t, DefaultLocation, handle.Location())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- handle.Run(ctx) }()

	select {
	case res := <-responses:
		assert.Equal(t, frameTypeResponse, res.Type)
		assert.Equal(t, "req-1", res.ID)
		assert.Equal(t, http.StatusOK, res.Status)
		assert.Equal(t, "pong", string(res.Body))
		assert.Equal(t, "internal", res.Headers.Get("X-Dest"))
		assert.Empty(t, res.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("no relayed response")
	}
	assert.Equal(t, "ok", <-metrics.outcomes)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	<-handle.Done()
	assert.NotPanics(t, func() { _ = handle.Close() })
}

func TestHandle_RelayErrorIsReportedInFrame(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	responses := make(chan frame, 1)
	srv, url := newTunnelServer(func(conn *websocket.Conn) {
		_ = conn.WriteJSON(types.TunnelInfo{Host: "virtual.tunnel", ID: "tunnel-1"})
		_ = conn.WriteJSON(frame{Type: frameTypeRequest, ID: "req-1", Method: "BAD METHOD", URL: "http://127.0.0.1"})
		var res frame
		if err := conn.ReadJSON(&res); err == nil {
			responses <- res
		}
		drain(conn)
	})
	defer srv.Close()

	m := newTestManager(t, &fakeProvider{url: url}, time.Second, nil)
	handle, err := m.Open(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- handle.Run(ctx) }()

	res := <-responses
	assert.Equal(t, "req-1", res.ID)
	assert.Zero(t, res.Status)
	assert.Contains(t, res.Error, "invalid relayed request")

	cancel()
	assert.NoError(t, <-runErr)
}

func TestHandle_RelayBodyLimit(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		outcome string
		wantErr bool
	}{
		{"at the limit", "pong", "ok", false},
		{"over the limit", "pong!", "too_large", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer dest.Close()

			metrics := &countingMetrics{outcomes: make(chan string, 1)}
			h := &Handle{
				cfg: Config{HTTPClient: dest.Client(), MaxBodyBytes: 4, Metrics: metrics},
				log: log.NewLogger(log.DiscardHandler()),
			}
			res := h.relay(context.Background(), frame{Type: frameTypeRequest, ID: "req-1", Method: http.MethodGet, URL: dest.URL})

			assert.Equal(t, "req-1", res.ID)
			assert.Equal(t, tt.outcome, <-metrics.outcomes)
			if tt.wantErr {
				assert.Contains(t, res.Error, "exceeds 4 bytes")
				assert.Zero(t, res.Status)
				assert.Empty(t, res.Body)
				assert.Empty(t, res.Headers)
				return
			}
			assert.Empty(t, res.Error)
			assert.Equal(t, http.StatusOK, res.Status)
			assert.Equal(t, tt.body, string(res.Body))
		})
	}
}

func TestHandle_RemoteCloseEndsRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv, url := newTunnelServer(func(conn *websocket.Conn) {
		_ = conn.WriteJSON(types.TunnelInfo{Host: "virtual.tunnel", ID: "tunnel-1"})
	})
	defer srv.Close()

	m := newTestManager(t, &fakeProvider{url: url}, time.Second, nil)
	handle, err := m.Open(context.Background(), nil)
	require.NoError(t, err)

	err = handle.Run(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "tunnel connection lost")
	<-handle.Done()
}
