// Package httpserver provides the run monitor: a small HTTP API that
// reports run progress, serves metrics and streams events over WebSocket.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/relicta-tech/shipyard/internal/config"
	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	"github.com/relicta-tech/shipyard/internal/httpserver/handlers"
	httpws "github.com/relicta-tech/shipyard/internal/httpserver/websocket"
	"github.com/relicta-tech/shipyard/internal/observability"
)

// Server is the run monitor HTTP server.
type Server struct {
	config     config.MonitorConfig
	router     chi.Router
	httpServer *http.Server
	wsHub      *httpws.Hub
	handlers   *handlers.Handlers
	metrics    *observability.Metrics
	logger     *log.Logger
	listener   net.Listener
}

// ServerDeps contains dependencies for creating a new server.
type ServerDeps struct {
	Config  config.MonitorConfig
	Runs    ports.RunRepository
	Channel domain.Channel
	Metrics *observability.Metrics // nil disables /metrics
	Logger  *log.Logger
	Version string
}

// NewServer creates a new run monitor server.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	s := &Server{
		config:  deps.Config,
		wsHub:   httpws.NewHub(logger, deps.Config.CORSOrigins),
		metrics: deps.Metrics,
		logger:  logger,
		handlers: &handlers.Handlers{
			Runs:    deps.Runs,
			Channel: deps.Channel,
			Version: deps.Version,
		},
	}

	s.router = s.setupRouter()

	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Listen binds the configured address. Start calls it when needed; calling
// it first lets callers learn the bound address of ":0".
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.listener = listener
	return nil
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	go s.wsHub.Run(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()
	s.logger.Info("run monitor listening", "addr", s.Address())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx) //nolint:contextcheck // ctx is already canceled
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	return s.httpServer.Shutdown(ctx)
}

// Address returns the bound address, or the configured one before Listen.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// EventBroadcaster returns an EventPublisher that broadcasts run domain
// events to WebSocket clients.
func (s *Server) EventBroadcaster() *httpws.EventBroadcaster {
	return httpws.NewEventBroadcaster(s.wsHub)
}
