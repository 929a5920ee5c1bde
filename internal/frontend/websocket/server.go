package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AustejaJak/tincisnotcatan/internal/config"
)

// Server serves the router on the configured websocket address. It
// implements server.Service.
type Server struct {
	cfg     config.WebSocketConfig
	handler *Handler
	logger  *zap.Logger

	http *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a Server. handler is shut down together with the HTTP
// server because hijacked websocket connections outlive http.Server.Shutdown.
//
// Precondition: router, handler and logger must be non-nil.
func NewServer(cfg config.WebSocketConfig, router http.Handler, handler *Handler, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		http: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           router,
			ReadHeaderTimeout: cfg.WriteTimeout,
		},
	}
}

// Start listens and serves until Stop is called.
//
// Postcondition: Returns nil after a graceful Stop.
func (s *Server) Start() error {
	start := time.Now()
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("websocket server listening",
		zap.String("addr", lis.Addr().String()),
		zap.String("path", s.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)
	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// Stop stops accepting requests, then closes every websocket and waits for
// its close event to be dispatched.
func (s *Server) Stop(ctx context.Context) error {
	httpErr := s.http.Shutdown(ctx)
	wsErr := s.handler.Shutdown(ctx)
	s.logger.Info("websocket server stopped", zap.Int("open", s.handler.Open()))
	return errors.Join(httpErr, wsErr)
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
