// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package status serves a local diagnostics endpoint for the console.
//
// Routes:
//
//	GET /healthz  liveness, always 200 while the process serves
//	GET /readyz   200 when the event stream is open, 503 otherwise
//	GET /status   connection state, stale regions, pending operations,
//	              user-input head and active wizards
//	GET /metrics  Prometheus exposition
package status

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/labconsole/services/console/cache"
	"github.com/AleutianAI/labconsole/services/console/correlate"
	"github.com/AleutianAI/labconsole/services/console/userinput"
	"github.com/AleutianAI/labconsole/services/console/wizard"
)

// Snapshot is the body of GET /status.
type Snapshot struct {
	Connection string               `json:"connection"`
	Connected  bool                 `json:"connected"`
	Breaker    string               `json:"breaker,omitempty"`
	Regions    []cache.RegionStatus `json:"regions"`
	Stale      []cache.Region       `json:"stale"`

	Pending      []correlate.Operation `json:"pending"`
	StillWaiting []correlate.Operation `json:"still_waiting"`

	UserInput UserInput     `json:"user_input"`
	Wizards   []wizard.View `json:"wizards"`

	GeneratedAt time.Time `json:"generated_at"`
}

// UserInput summarizes the user-input queue.
type UserInput struct {
	Depth int             `json:"depth"`
	Phase string          `json:"phase"`
	Head  *userinput.Head `json:"head,omitempty"`
}

// Provider produces status snapshots.
type Provider interface {
	Snapshot() Snapshot
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. 127.0.0.1:9464.
	Addr string

	// Metrics serves /metrics. Nil disables the route.
	Metrics http.Handler

	Logger *slog.Logger
}

// Server is the diagnostics HTTP server.
type Server struct {
	addr     string
	provider Provider
	router   *gin.Engine
	logger   *slog.Logger
}

// NewServer builds the router. Call Run to listen.
func NewServer(cfg Config, provider Provider) (*Server, error) {
	if provider == nil {
		return nil, errors.New("status: provider is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		addr:     cfg.Addr,
		provider: provider,
		logger:   cfg.Logger.With("component", "status_server"),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("labconsole-status"))
	router.GET("/healthz", s.handleHealth)
	router.GET("/readyz", s.handleReady)
	router.GET("/status", s.handleStatus)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	s.router = router
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("status server shutdown", "error", err)
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	snap := s.provider.Snapshot()
	code := http.StatusOK
	if !snap.Connected {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"connection": snap.Connection})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Snapshot())
}
