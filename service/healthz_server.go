package service

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
)

// HealthzServer answers liveness probes. It reports unhealthy once a run ended with a critical error
// until the next run succeeds.
type HealthzServer struct {
	mu      sync.Mutex
	ctx     context.Context
	log     log.Logger
	server  *http.Server
	healthy atomic.Bool
}

func NewHealthzServer(logger log.Logger) *HealthzServer {
	h := &HealthzServer{log: logger}
	h.healthy.Store(true)
	return h
}

func (h *HealthzServer) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.Serve(ctx, ln)
}

// Serve serves probes on an existing listener
func (h *HealthzServer) Serve(ctx context.Context, ln net.Listener) error {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	server := &http.Server{
		Handler: c.Handler(hdlr),
	}
	h.mu.Lock()
	h.server = server
	h.ctx = ctx
	h.mu.Unlock()
	return server.Serve(ln)
}

func (h *HealthzServer) Shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(h.ctx)
}

// SetHealthy flips the probe result
func (h *HealthzServer) SetHealthy(healthy bool) {
	h.healthy.Store(healthy)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	h.log.Debug("Received health check request", "path", r.URL.Path)
	if !h.healthy.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("UNHEALTHY")) //nolint:errcheck
		return
	}
	w.Write([]byte("OK")) //nolint:errcheck
}
