// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nugget/quarry/internal/cache"
	"github.com/nugget/quarry/internal/events"
	"github.com/nugget/quarry/internal/health"
	"github.com/nugget/quarry/internal/ledger"
	"github.com/nugget/quarry/internal/memory"
	"github.com/nugget/quarry/internal/orchestrator"
	"github.com/nugget/quarry/internal/responder"
	"github.com/nugget/quarry/internal/router"
	"github.com/nugget/quarry/internal/session"
)

// Deps are the components the API reads from. Router, Health and Bus
// are optional; their endpoints report 404 or 503 when unset.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Responders   *responder.Registry
	Memory       *memory.Store
	Ledger       *ledger.Ledger
	Cache        *cache.Cache[orchestrator.QueryResponse]
	Sessions     *session.Manager
	Router       *router.Router
	Health       *health.Monitor
	Bus          *events.Bus
	Logger       *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	d        Deps
	logger   *slog.Logger
	echo     *echo.Echo
	upgrader websocket.Upgrader
}

// NewServer creates a server and registers its routes.
func NewServer(address string, port int, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address: address,
		port:    port,
		d:       d,
		logger:  logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.requestLogger)
	s.echo = e
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/health", s.handleHealth)
	e.GET("/v1/version", s.handleVersion)

	e.POST("/v1/query", s.handleQuery)
	e.GET("/v1/personas", s.handlePersonas)

	e.GET("/v1/sessions", s.handleSessions)
	e.GET("/v1/sessions/:id/memory", s.handleSessionMemory)
	e.DELETE("/v1/sessions/:id/memory", s.handleClearMemory)
	e.GET("/v1/sessions/:id/cost", s.handleSessionCost)
	e.GET("/v1/cost/daily", s.handleDailyCost)

	e.POST("/v1/cache/invalidate", s.handleCacheInvalidate)
	e.GET("/v1/cache/stats", s.handleCacheStats)

	e.GET("/v1/router/stats", s.handleRouterStats)
	e.GET("/v1/router/audit", s.handleRouterAudit)
	e.GET("/v1/router/explain/:id", s.handleRouterExplain)

	e.GET("/v1/events", s.handleEvents)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	s.echo.Server.ReadTimeout = 30 * time.Second
	s.echo.Server.WriteTimeout = 5 * time.Minute

	host := s.address
	if host == "" {
		host = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", host, "port", s.port)

	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		req := c.Request()
		s.logger.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", c.Response().Status,
			"duration", time.Since(start).Round(time.Millisecond),
		)
		return nil
	}
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}
