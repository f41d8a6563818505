// Package monitor serves a read-only HTTP view of a running training job.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/tsawler/go-deepspeech/training"
)

// Server exposes the StatusTracker over HTTP
type Server struct {
	tracker *training.StatusTracker
	logger  *log.Logger
	engine  *gin.Engine
	srv     *http.Server
	started time.Time
}

// NewServer creates a status server listening on addr once started
func NewServer(addr string, tracker *training.StatusTracker, logger *log.Logger) (*Server, error) {
	if tracker == nil {
		return nil, fmt.Errorf("status tracker cannot be nil")
	}
	if logger == nil {
		logger = log.Default()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		tracker: tracker,
		logger:  logger,
		engine:  engine,
		started: time.Now(),
	}
	engine.GET("/healthz", s.health)
	engine.GET("/status", s.status)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler, for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listener and serves in the background. Bind errors are returned
// directly; errors after that are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("status server listen on %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("status server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", "err", err)
		}
	}()
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracker.Snapshot())
}
