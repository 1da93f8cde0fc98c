package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/storegate/internal/circuitbreaker"
	"github.com/wudi/storegate/internal/config"
	"github.com/wudi/storegate/internal/logging"
)

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway     *Gateway
	config      *config.Config
	httpServer  *http.Server
	adminServer *http.Server
	listener    net.Listener
	adminLn     net.Listener
	startTime   time.Time
	errCh       chan error
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:   gw,
		config:    cfg,
		startTime: time.Now(),
		errCh:     make(chan error, 2),
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        gw.Handler(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	// Configure admin server if enabled
	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Admin.Port),
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Start binds the listeners and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln

	if s.adminServer != nil {
		aln, err := net.Listen("tcp", s.adminServer.Addr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("admin listen %s: %w", s.adminServer.Addr, err)
		}
		s.adminLn = aln
		go func() {
			logging.Info("Starting admin server", zap.String("addr", aln.Addr().String()))
			if err := s.adminServer.Serve(aln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.errCh <- fmt.Errorf("admin server error: %w", err)
			}
		}()
	}

	go func() {
		logging.Info("Gateway listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("environment", s.config.Environment),
		)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	return nil
}

// Run starts the server and blocks until SIGINT/SIGTERM or a server
// error, then shuts down gracefully.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		logging.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	case runErr = <-s.errCh:
		logging.Error("Server failed", zap.Error(runErr))
	}

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := s.Shutdown(timeout); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown gracefully shuts down the servers. In-flight requests are
// allowed to finish within timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var shutdownErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("HTTP server shutdown error", zap.Error(err))
		shutdownErr = err
	}

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
		}
	}

	if err := s.gateway.Close(); err != nil {
		logging.Error("Gateway close error", zap.Error(err))
		if shutdownErr == nil {
			shutdownErr = err
		}
	}

	logging.Info("Server shutdown complete", zap.Duration("uptime", time.Since(s.startTime)))
	return shutdownErr
}

// Addr returns the bound address of the public listener, once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// AdminAddr returns the bound address of the admin listener, once started.
func (s *Server) AdminAddr() string {
	if s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}

// adminHandler creates the admin API handler
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	metricsPath := s.config.Admin.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	mux.Handle(metricsPath, s.gateway.GetMetrics().Handler())

	mux.HandleFunc("/routes", s.handleRoutes)
	mux.HandleFunc("/circuit-breakers", s.handleCircuitBreakers)

	return mux
}

// handleRoutes lists the policy table in match order
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	type routeInfo struct {
		ID      string `json:"id"`
		Prefix  string `json:"prefix"`
		Service string `json:"service"`
		Auth    string `json:"auth"`
		Role    string `json:"role,omitempty"`
	}

	rules := s.gateway.GetRouter().Rules()
	result := make([]routeInfo, 0, len(rules))
	for _, rule := range rules {
		result = append(result, routeInfo{
			ID:      rule.ID,
			Prefix:  rule.Prefix,
			Service: rule.Service,
			Auth:    rule.Auth.String(),
			Role:    rule.Role,
		})
	}

	json.NewEncoder(w).Encode(result)
}

// handleCircuitBreakers handles circuit breaker status requests
func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	snapshots := map[string]circuitbreaker.BreakerSnapshot{}
	if cbs := s.gateway.GetCircuitBreakers(); cbs != nil {
		snapshots = cbs.Snapshots()
	}
	json.NewEncoder(w).Encode(snapshots)
}
