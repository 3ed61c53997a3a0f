package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/growlink-core/internal/audit"
	"github.com/nerrad567/growlink-core/internal/bridges/mqttdevice"
	"github.com/nerrad567/growlink-core/internal/gateway"
	"github.com/nerrad567/growlink-core/internal/infrastructure/config"
	"github.com/nerrad567/growlink-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ConnectionChecker reports broker connectivity for the metrics endpoint.
type ConnectionChecker interface {
	IsConnected() bool
}

// BridgeStatsProvider exposes MQTT device bridge counters.
type BridgeStatsProvider interface {
	Stats() mqttdevice.Stats
}

// DBStatsProvider exposes connection pool statistics.
type DBStatsProvider interface {
	Stats() sql.DBStats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Gateway *gateway.Service

	// Optional.
	AuditRepo  audit.Repository
	Prometheus http.Handler
	MQTT       ConnectionChecker
	Bridge     BridgeStatsProvider
	DB         DBStatsProvider

	Version string
}

// Server is the HTTP API server for Growlink Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	logger     *logging.Logger
	gw         *gateway.Service
	auditRepo  audit.Repository
	prometheus http.Handler
	mqtt       ConnectionChecker
	bridge     BridgeStatsProvider
	db         DBStatsProvider
	version    string
	startTime  time.Time
	server     *http.Server
	hub        *Hub
	cancel     context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      withWSDefaults(deps.WS),
		logger:     deps.Logger,
		gw:         deps.Gateway,
		auditRepo:  deps.AuditRepo,
		prometheus: deps.Prometheus,
		mqtt:       deps.MQTT,
		bridge:     deps.Bridge,
		db:         deps.DB,
		version:    deps.Version,
		startTime:  time.Now(),
	}
	s.hub = NewHub(s.wsCfg, s.logger)

	return s, nil
}

// Handler returns the fully wired router. Start uses it; tests serve it
// through httptest.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The WebSocket hub runs until Close or until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
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
			s.logger.Info("API server starting", "address", s.server.Addr)
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
// WebSocket clients are disconnected first; in-flight requests then get up
// to 10 seconds to complete.
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
