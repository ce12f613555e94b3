package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/stores"
	"github.com/devloop/devloop/pkg/workflow"
)

// Workflows is the orchestrator surface exposed over HTTP.
type Workflows interface {
	StartWorkflow(ctx context.Context, issueRef string) (*engine.WorkflowInstance, error)
	CancelWorkflow(ctx context.Context, instanceID, reason, requestedBy string) (*engine.WorkflowInstance, error)
	ApprovePlan(ctx context.Context, instanceID string, approval workflow.Approval) error
	ApproveMerge(ctx context.Context, instanceID string, approval workflow.Approval) error
	ResolveEscalation(ctx context.Context, escalationID, notes string) error
	Get(ctx context.Context, instanceID string) (*engine.WorkflowInstance, error)
	List(ctx context.Context, filter workflow.ListFilter) ([]*engine.WorkflowInstance, error)
	Replay(ctx context.Context, instanceID string, upto int64) (*engine.WorkflowInstance, error)
}

// Escalations lists escalation records.
type Escalations interface {
	Get(ctx context.Context, escalationID string) (*engine.EscalationRecord, error)
	List(ctx context.Context, filter stores.EscalationFilter) ([]*engine.EscalationRecord, error)
}

// Store is the persistence the API reads from and audits into.
type Store interface {
	engine.EventReader
	RecordAudit(ctx context.Context, entry *stores.AuditEntry) error
	HealthCheck(ctx context.Context) error
}

// Config holds HTTP server configuration.
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"gte=0,lte=65535"`
	Token           string        `yaml:"token"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the default HTTP configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            8080,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Dependencies are the collaborators of a Server.
type Dependencies struct {
	Workflows   Workflows
	Escalations Escalations
	Store       Store

	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  zerolog.Logger
}

// Server provides the HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	cfg    Config
	deps   Dependencies
	logger zerolog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Workflows == nil {
		return nil, errors.New("workflows are required")
	}
	if deps.Escalations == nil {
		return nil, errors.New("escalations are required")
	}
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "api").Logger(),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.logger.Info().
			Str("method", c.Request().Method).
			Str("uri", c.Request().RequestURI).
			Int("status", c.Response().Status).
			Dur("duration", time.Since(start)).
			Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
			Msg("http request")
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}

	v1 := s.echo.Group("/api/v1")
	if s.cfg.Token != "" {
		v1.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Validator: func(key string, _ echo.Context) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Token)) == 1, nil
			},
		}))
	}

	v1.GET("/events", s.handleQueryEvents)

	v1.POST("/workflows", s.handleStartWorkflow)
	v1.GET("/workflows", s.handleListWorkflows)
	v1.GET("/workflows/:id", s.handleGetWorkflow)
	v1.GET("/workflows/:id/replay", s.handleReplayWorkflow)
	v1.POST("/workflows/:id/cancel", s.handleCancelWorkflow)
	v1.POST("/workflows/:id/approve-plan", s.handleApprovePlan)
	v1.POST("/workflows/:id/approve-merge", s.handleApproveMerge)

	v1.GET("/escalations", s.handleListEscalations)
	v1.GET("/escalations/:id", s.handleGetEscalation)
	v1.POST("/escalations/:id/resolve", s.handleResolveEscalation)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.Addr()).Msg("starting http server")
	if err := s.echo.Start(s.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down http server")
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
