package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/tydom-bridge/internal/bridges/tydom"
	"github.com/nerrad567/tydom-bridge/internal/device"
	"github.com/nerrad567/tydom-bridge/internal/infrastructure/config"
	"github.com/nerrad567/tydom-bridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// Bridge is the subset of the Tydom bridge the API drives.
type Bridge interface {
	ExecuteCommand(ctx context.Context, cmd tydom.CommandMessage) tydom.AckMessage
	ActivateScenario(ctx context.Context, id string) error
	Health() tydom.HealthMessage
}

// Deps holds the dependencies for the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Registry *device.Registry
	Catalog  *device.Catalog
	Bridge   Bridge

	// History is optional; the history endpoint answers 503 without it.
	History device.StateHistoryRepository

	// Metrics is optional; when set it is mounted at /metrics.
	Metrics http.Handler

	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	registry  *device.Registry
	catalog   *device.Catalog
	bridge    Bridge
	history   device.StateHistoryRepository
	metrics   http.Handler
	version   string
	startTime time.Time
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc
}

// New creates a new API server with the given dependencies.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	catalog := deps.Catalog
	if catalog == nil {
		catalog = device.NewCatalog()
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		registry:  deps.Registry,
		catalog:   catalog,
		bridge:    deps.Bridge,
		history:   deps.History,
		metrics:   deps.Metrics,
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(deps.WS, deps.Logger)
	return s, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start attaches the hub to the registry and begins listening.
// It is non-blocking; the server runs in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	s.hub.Attach(s.registry)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.GetRead(),
		ReadHeaderTimeout: s.cfg.Timeouts.GetRead(),
		WriteTimeout:      s.cfg.Timeouts.GetWrite(),
		IdleTimeout:       s.cfg.Timeouts.GetIdle(),
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.hub.Detach(s.registry)

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the server is running.
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
