// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the pipeline over HTTP: a small JSON API for
// documents, jobs and entities, and a Server-Sent Events stream carrying
// every progress notification.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/normalize"
	"github.com/poiesic/docflow/notify"
)

// Service is what the HTTP layer needs from the pipeline.
// *docflow.Pipeline satisfies it.
type Service interface {
	Submit(ctx context.Context, datasetID, name, source string) (*core.Document, error)
	Document(ctx context.Context, id string) (*core.Document, error)
	Documents(ctx context.Context, datasetID string) ([]*core.Document, error)
	Job(ctx context.Context, id string) (*core.Job, error)
	Jobs(ctx context.Context, documentID string) ([]*core.Job, error)
	Enqueue(ctx context.Context, documentID string, stage core.Stage, params map[string]string) (string, error)
	Cancel(ctx context.Context, documentID string) error
	Reset(ctx context.Context, documentID string, restart bool) (*core.Document, error)

	Resolve(ctx context.Context, mentions []core.Mention) ([]normalize.Resolution, error)
	Entities(ctx context.Context, datasetID, entityType string) ([]*core.CanonicalEntity, error)
	Aliases(ctx context.Context, entityID string) ([]*core.Alias, error)
	AddAlias(ctx context.Context, entityID, text string) (*core.Alias, error)
	DeleteEntity(ctx context.Context, entityID string) error
	NormalizationLog(ctx context.Context, datasetID string) ([]*core.NormalizationLogEntry, error)

	Subscribe(ctx context.Context, clientID string, handle notify.ChannelHandle) error
	Clients() int
}

// Config holds server settings.
type Config struct {
	KeepAlive    time.Duration // Interval between SSE comment frames
	StreamBuffer int           // Events buffered between broadcaster and SSE writer
}

// DefaultConfig returns the server defaults.
func DefaultConfig() *Config {
	return &Config{
		KeepAlive:    15 * time.Second,
		StreamBuffer: 16,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConfig overrides the server defaults.
func WithConfig(cfg *Config) Option {
	return func(s *Server) {
		if cfg != nil {
			s.cfg = *cfg
		}
	}
}

// Server holds the state for the REST API server.
type Server struct {
	svc    Service
	router *gin.Engine
	cfg    Config
	logger *slog.Logger
}

// New creates a Server over svc.
func New(svc Service, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		cfg:    *DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	s.router = r
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then drains in-flight
// requests for up to shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/v1")
	v1.POST("/documents", s.handleSubmit)
	v1.GET("/documents/:id", s.handleDocument)
	v1.GET("/documents/:id/jobs", s.handleDocumentJobs)
	v1.POST("/documents/:id/stages/:stage", s.handleEnqueue)
	v1.POST("/documents/:id/cancel", s.handleCancel)
	v1.POST("/documents/:id/reset", s.handleReset)
	v1.GET("/jobs/:id", s.handleJob)

	v1.POST("/entities/resolve", s.handleResolve)
	v1.GET("/entities/:id/aliases", s.handleAliases)
	v1.POST("/entities/:id/aliases", s.handleAddAlias)
	v1.DELETE("/entities/:id", s.handleDeleteEntity)

	v1.GET("/datasets/:id/documents", s.handleDatasetDocuments)
	v1.GET("/datasets/:id/entities", s.handleDatasetEntities)
	v1.GET("/datasets/:id/normalization-log", s.handleNormalizationLog)

	v1.GET("/events", s.handleEvents)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Health check
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": s.svc.Clients()})
}

func handleError(c *gin.Context, err error) {
	appErr := MapError(err)
	c.JSON(appErr.Code, gin.H{"error": appErr.Message, "detail": appErr.Error()})
}
