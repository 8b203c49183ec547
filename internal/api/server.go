package api

import (
	"context"
	"net/http"
	"time"

	"example.com/platform/services/eventbus/config"
	"example.com/platform/services/eventbus/internal/api/handlers"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the admin HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server
	publisher  handlers.EventPublisher
	dlq        handlers.DLQManager
	replayer   handlers.Replayer
	inspector  handlers.BusInspector
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, publisher handlers.EventPublisher, dlq handlers.DLQManager, replayer handlers.Replayer, inspector handlers.BusInspector) *Server {
	server := &Server{
		config:    cfg,
		publisher: publisher,
		dlq:       dlq,
		replayer:  replayer,
		inspector: inspector,
	}

	gin.SetMode(cfg.Server.Mode)
	router := server.setupRouter()
	server.router = router

	server.httpServer = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: router,
	}

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	eventHandler := handlers.NewEventHandler(s.publisher)
	eventHandler.RegisterRoutes(router)

	adminHandler := handlers.NewAdminHandler(s.dlq, s.replayer, s.inspector, s.config)
	adminHandler.RegisterRoutes(router)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Server.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	return nil
}
