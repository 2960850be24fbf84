package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/knx-gateway/internal/agent"
	"github.com/nerrad567/knx-gateway/internal/audit"
	"github.com/nerrad567/knx-gateway/internal/gateway"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/config"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Gateway is the management surface the API exposes. *agent.Agent
// implements it.
type Gateway interface {
	CreateConfiguration(ctx context.Context, cfg gateway.GatewayConfig) (gateway.GatewayConfig, gateway.ValidationResult, error)
	UpdateConfiguration(ctx context.Context, cfg gateway.GatewayConfig) (gateway.ValidationResult, error)
	DeleteConfiguration(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	GetConfiguration(ctx context.Context, id string) (*gateway.GatewayConfig, error)
	Configurations(ctx context.Context) ([]gateway.ConfigurationInfo, error)
	Connections(ctx context.Context) ([]gateway.ConnectionInfo, error)
	Bindings(ctx context.Context) ([]gateway.BindingInfo, error)
	Link(ctx context.Context, link gateway.Link) error
	Unlink(ctx context.Context, ref gateway.AttributeRef) error
	Links(ctx context.Context) ([]gateway.Link, error)
	Write(ctx context.Context, ev gateway.WriteEvent) (string, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Gateway  Gateway
	Health   *agent.HealthReporter // optional; without it /health reports only the version
	Audit    audit.Repository      // optional; without it changes are not recorded and /audit returns 503
	Version  string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	gateway Gateway
	health  *agent.HealthReporter
	audit   audit.Repository
	version string
	server  *http.Server
	hub     *Hub
	cancel  context.CancelFunc
}

// New creates a new API server. The hub exists immediately so it can be
// handed to the publisher before Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}

	s := &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		secCfg:  deps.Security,
		logger:  deps.Logger,
		gateway: deps.Gateway,
		health:  deps.Health,
		audit:   deps.Audit,
		version: deps.Version,
	}
	s.hub = NewHub(deps.Logger, s.statusSnapshot)
	return s, nil
}

// Hub returns the WebSocket hub. It implements agent.Broadcaster.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the WebSocket hub and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server, waiting up to 10 seconds
// for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
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

// HealthCheck verifies the API server is running.
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
