package api

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/agentd/internal/billing"
	"github.com/agentd/internal/store"
)

// AgentService is the part of the agent the HTTP layer needs.
type AgentService interface {
	SendMessage(ctx context.Context, threadID, accountID, text string) (string, string, error)
	StopRun(ctx context.Context, runID string) error
	GetRun(ctx context.Context, runID string) (*store.AgentRun, error)
	Events(ctx context.Context, runID string, afterSeq int64) ([]*store.RunEvent, error)
	Balance(ctx context.Context, accountID string) (*billing.Balance, error)
	Thread(ctx context.Context, threadID string) (*store.Thread, error)
}

// Server represents the API server
type Server struct {
	echo *echo.Echo
	addr string
	svc  AgentService
}

// NewServer creates a new API server
func NewServer(svc AgentService, addr, jwtSecret string) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo: e,
		addr: addr,
		svc:  svc,
	}

	server.setupRoutes(jwtSecret)

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes(jwtSecret string) {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	v1 := s.echo.Group("/api/v1", RequireAuth(jwtSecret))

	v1.POST("/threads/messages", s.sendMessage)
	v1.GET("/threads/:id", s.getThread)
	v1.GET("/runs/:id", s.getRun)
	v1.GET("/runs/:id/events", s.runEvents)
	v1.GET("/runs/:id/stream", s.streamRun)
	v1.POST("/runs/:id/stop", s.stopRun)
	v1.GET("/balance", s.getBalance)
}

// Start begins the API server and blocks until an interrupt, then shuts
// down gracefully.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("api server failed")
		}
	}()
	log.Info().Str("addr", s.addr).Msg("api server listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
