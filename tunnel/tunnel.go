// Package tunnel relays HTTP traffic from remote test runners to endpoints that are only reachable
// from the machine running the orchestrator.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second

	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 20 * time.Second
	defaultRelayTimeout   = 60 * time.Second
	defaultMaxConcurrency = 16
	defaultMaxBodyBytes   = 32 << 20
)

// DefaultLocation is the single location results are attributed to while a tunnel is active
var DefaultLocation = types.Location{ID: "tunnel", Name: "tunnel", DisplayName: "Tunneled"}

// URLProvider hands out presigned websocket URLs for new tunnels
type URLProvider interface {
	GetTunnelURL(ctx context.Context) (string, error)
}

// Metrics receives one observation per relayed request
type Metrics interface {
	RecordTunnelRequest(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RecordTunnelRequest(string) {}

// Config holds configuration for the tunnel manager
type Config struct {
	Log              log.Logger
	Provider         URLProvider
	Dialer           *websocket.Dialer
	HTTPClient       *http.Client // client used to reach relayed destinations
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxConcurrency   int
	MaxBodyBytes     int64 // responses larger than this are answered with an error frame
	Location         types.Location
	Metrics          Metrics
}

// Manager opens tunnels
type Manager struct {
	cfg Config
}

// NewManager creates a tunnel manager, filling in defaults for unset fields
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, errors.New("tunnel url provider is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultRelayTimeout}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Location.ID == "" {
		cfg.Location = DefaultLocation
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Manager{cfg: cfg}, nil
}

// Supported reports whether traffic of the given test can be relayed
func Supported(test types.TestDefinition) bool {
	switch test.Type {
	case types.TestTypeBrowser:
		return true
	case types.TestTypeAPI:
		// plain HTTP and multistep API tests only; ssl, dns, tcp, udp, icmp and grpc
		// checks do not go through an HTTP proxy
		switch test.SubType {
		case "", "http", "multi":
			return true
		}
	}
	return false
}

// CheckSupported fails with TUNNEL_NOT_SUPPORTED when any of the tests cannot be relayed
func CheckSupported(tests []types.TestDefinition) error {
	var unsupported []string
	for _, t := range tests {
		if !Supported(t) {
			kind := t.Type.String()
			if t.SubType != "" {
				kind += "/" + t.SubType
			}
			unsupported = append(unsupported, fmt.Sprintf("%s (%s)", t.PublicID, kind))
		}
	}
	if len(unsupported) > 0 {
		return types.NewCriticalError(types.ErrTunnelNotSupported,
			fmt.Errorf("the tunnel cannot relay traffic for %v", unsupported))
	}
	return nil
}

// Open checks that the tests can be tunneled, connects to a fresh relay URL and waits for the
// handshake frame. The returned handle is not relaying yet: call Run.
func (m *Manager) Open(ctx context.Context, tests []types.TestDefinition) (*Handle, error) {
	if err := CheckSupported(tests); err != nil {
		return nil, err
	}

	rawURL, err := m.cfg.Provider.GetTunnelURL(ctx)
	if err != nil {
		return nil, types.NewCriticalError(types.ErrUnavailableTunnelConfig, err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := m.cfg.Dialer.DialContext(hsCtx, rawURL, nil)
	if err != nil {
		return nil, types.NewCriticalError(types.ErrTunnelStartFailed, errors.Wrap(err, "error dialing tunnel"))
	}

	info, err := readHandshake(hsCtx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, types.NewCriticalError(types.ErrTunnelStartFailed, err)
	}

	m.cfg.Log.Info("Tunnel connected", "host", info.Host, "id", info.ID)
	return &Handle{
		cfg:    m.cfg,
		log:    m.cfg.Log.New("tunnel", info.ID),
		conn:   conn,
		info:   info,
		closed: make(chan struct{}),
	}, nil
}

func readHandshake(ctx context.Context, conn *websocket.Conn) (types.TunnelInfo, error) {
	var info types.TunnelInfo

	// a blocked read only returns on deadline or close
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return info, errors.Wrap(err, "error setting handshake deadline")
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return info, errors.Wrap(ctx.Err(), "tunnel handshake not received")
		}
		return info, errors.Wrap(err, "error reading tunnel handshake")
	}
	if err := json.Unmarshal(msg, &info); err != nil {
		return info, errors.Wrap(err, "invalid tunnel handshake")
	}
	if info.Host == "" || info.ID == "" {
		return info, errors.Errorf("incomplete tunnel handshake: %s", msg)
	}
	if !stop() {
		// the deadline fired between the read and now, the connection is gone
		return info, errors.New("tunnel handshake deadline exceeded")
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return info, errors.Wrap(err, "error clearing handshake deadline")
	}
	return info, nil
}

// Handle is an open tunnel
type Handle struct {
	cfg  Config
	log  log.Logger
	conn *websocket.Conn
	info types.TunnelInfo

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Info returns the handshake data test runners need to target the tunnel
func (h *Handle) Info() types.TunnelInfo {
	return h.info
}

// Location is the location that replaces the trigger locations while the tunnel is active
func (h *Handle) Location() types.Location {
	return h.cfg.Location
}

// Run relays inbound requests until ctx is cancelled or the handle is closed, which both return nil.
// A connection dropped by the remote end is returned as an error.
func (h *Handle) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = h.Close() })
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)

	var wg conc.WaitGroup
	wg.Go(func() { h.keepAlive(runCtx) })
	defer wg.Wait()

	relays := pool.New().WithMaxGoroutines(h.cfg.MaxConcurrency)
	defer relays.Wait()
	defer cancel()

	for {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			select {
			case <-h.closed:
				return nil
			default:
			}
			_ = h.Close()
			return errors.Wrap(err, "tunnel connection lost")
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		var req frame
		if err := json.Unmarshal(msg, &req); err != nil {
			h.log.Warn("Ignoring malformed tunnel frame", "err", err)
			continue
		}
		if req.Type != frameTypeRequest {
			h.log.Debug("Ignoring tunnel frame", "type", req.Type)
			continue
		}
		relays.Go(func() {
			res := h.relay(runCtx, req)
			if err := h.writeFrame(res); err != nil {
				h.log.Warn("Error writing tunnel response", "request_id", req.ID, "err", err)
			}
		})
	}
}

// Done is closed once the tunnel is closed
func (h *Handle) Done() <-chan struct{} {
	return h.closed
}

// Close closes the tunnel connection. It is safe to call more than once and from any goroutine.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		deadline := time.Now().Add(h.cfg.WriteTimeout)
		_ = h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		h.closeErr = h.conn.Close()
		h.log.Info("Tunnel closed")
	})
	return h.closeErr
}

func (h *Handle) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := h.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				h.log.Debug("Tunnel ping failed", "err", err)
			}
		}
	}
}

func (h *Handle) writeFrame(f frame) error {
	msg, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "error encoding tunnel frame")
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
		return errors.Wrap(err, "error setting write deadline")
	}
	return h.conn.WriteMessage(websocket.TextMessage, msg)
}
