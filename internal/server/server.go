// ABOUTME: HTTP server assembly and lifecycle for the bridge process.
// ABOUTME: One listener carries the API, the tunnel endpoint, and the internal side-channel.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/arena-bridge/internal/broker"
	"github.com/2389/arena-bridge/internal/config"
	"github.com/2389/arena-bridge/internal/mapper"
	"github.com/2389/arena-bridge/internal/tunnel"
)

// Server owns the single HTTP listener. Client traffic, the browser tunnel,
// and the operator side-channel all share it.
type Server struct {
	cfg    *config.Config
	broker *broker.Broker
	mapper *mapper.Mapper
	tunnel *tunnel.Manager

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// Capture state for the session harvesting handshake. Guarded by mu.
	mu           sync.Mutex
	captureArmed bool
	captureModel string
	lastCapture  *CaptureResult

	logger *slog.Logger
}

// New assembles the routing surface over the given components. The tunnel
// endpoint mounts at the configured path; /v1 routes get bearer auth when a
// server key is set; /internal and /health stay open.
func New(cfg *config.Config, bk *broker.Broker, mp *mapper.Mapper, tm *tunnel.Manager, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		broker: bk,
		mapper: mp,
		tunnel: tm,
		logger: logger.With("component", "server"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	// Browser tunnel endpoint
	mux.Handle(cfg.Tunnel.Path, tm)

	if cfg.Server.APIKey != "" {
		mux.Handle("GET /v1/models", s.requireAPIKey(http.HandlerFunc(s.handleModels)))
		mux.Handle("POST /v1/chat/completions", s.requireAPIKey(http.HandlerFunc(s.handleChatCompletions)))
		s.logger.Info("bearer auth enabled on /v1 endpoints")
	} else {
		mux.HandleFunc("GET /v1/models", s.handleModels)
		mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
		s.logger.Warn("bearer auth disabled - no server.api_key configured")
	}

	// Operator side-channel. Local trust, no auth.
	mux.HandleFunc("POST /internal/capture/start", s.handleCaptureStart)
	mux.HandleFunc("POST /internal/capture", s.handleCaptureRecord)
	mux.HandleFunc("GET /internal/capture/latest", s.handleCaptureLatest)
	mux.HandleFunc("POST /internal/models/refresh", s.handleModelsRefresh)
	mux.HandleFunc("POST /internal/models/page", s.handleModelsPage)
	mux.HandleFunc("POST /internal/reload", s.handleReload)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the assembled mux, mainly for tests driving the server
// through httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the server and blocks until the context is canceled or the
// listener fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Request contexts descend from the run context so in-flight streams
	// terminate when shutdown begins.
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := s.startServer(ln)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.cfg.Tailscale.Enabled {
		return s.setupTailscaleListener(ctx)
	}

	s.logger.Info("starting server", "http_addr", s.cfg.Server.HTTPAddr)
	ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// startServer serves in a goroutine, returning the error channel.
func (s *Server) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already
// canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the HTTP server and the Tailscale node if one was started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports tunnel state: 200 with the live generation when the
// browser is connected, 503 while waiting for one.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	gen, live := s.tunnel.Live()
	if !live {
		writeJSON(w, http.StatusServiceUnavailable, readyStatus{Ready: false})
		return
	}
	writeJSON(w, http.StatusOK, readyStatus{Ready: true, TunnelConnected: true, TunnelGeneration: gen})
}

type readyStatus struct {
	Ready            bool   `json:"ready"`
	TunnelConnected  bool   `json:"tunnel_connected"`
	TunnelGeneration uint64 `json:"tunnel_generation,omitempty"`
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "arena-bridge", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet node and returns its listener.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.cfg.Tailscale

	if s.cfg.Server.HTTPAddr != "" {
		s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.cfg.Server.HTTPAddr)
	}

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	s.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.Funnel {
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	}

	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
