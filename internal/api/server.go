// Package api provides the HTTP REST API and WebSocket server for Locker Core.
//
// It exposes the locker bank state, the scan/assign/open flows, the staff
// operations, and a real-time event stream to kiosk front-ends and admin
// tools.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kioskworks/locker-core/internal/assign"
	"github.com/kioskworks/locker-core/internal/command"
	"github.com/kioskworks/locker-core/internal/eventbus"
	"github.com/kioskworks/locker-core/internal/infrastructure/config"
	"github.com/kioskworks/locker-core/internal/infrastructure/logging"
	"github.com/kioskworks/locker-core/internal/locker"
	"github.com/kioskworks/locker-core/internal/relay"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// BusMonitor exposes relay bus health for the health endpoint.
// *relay.Transport satisfies it.
type BusMonitor interface {
	IsConnected() bool
	Stats() relay.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	KioskID string
	Logger  *logging.Logger

	Lockers  *locker.Manager
	Assigner *assign.Orchestrator
	Commands command.Repository
	Events   *eventbus.Bus

	// Bus is optional; without it the health endpoint omits bus stats.
	Bus BusMonitor

	// Health aggregates component health for GET /health. Optional.
	Health func(ctx context.Context) map[string]string

	Version string
}

// Server is the HTTP API server for Locker Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	kioskID string
	logger  *logging.Logger

	lockers  *locker.Manager
	assigner *assign.Orchestrator
	commands command.Repository
	events   *eventbus.Bus
	bus      BusMonitor
	health   func(ctx context.Context) map[string]string
	version  string

	server *http.Server
	hub    *Hub
	cancel context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, manager, orchestrator)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Lockers == nil {
		return nil, fmt.Errorf("locker manager is required")
	}
	if deps.Assigner == nil {
		return nil, fmt.Errorf("assignment orchestrator is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("command repository is required")
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		kioskID:  deps.KioskID,
		logger:   deps.Logger,
		lockers:  deps.Lockers,
		assigner: deps.Assigner,
		commands: deps.Commands,
		events:   deps.Events,
		bus:      deps.Bus,
		health:   deps.Health,
		version:  deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, subscribes to the
// event bus for real-time broadcast, and launches the HTTP listener in
// a background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	// Relay committed locker events to WebSocket subscribers.
	if s.events != nil {
		if sub := s.events.Subscribe(); sub != nil {
			go s.relayEvents(srvCtx, sub)
		}
	}

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, event relay)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
