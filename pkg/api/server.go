// Package api exposes the delegation runtime over HTTP: the subagent tool
// surface (list, create, configure, run, run-parallel, run-dag, status,
// runs), run cancellation, a WebSocket live view, and health.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/delegate/pkg/admission"
	"github.com/codeready-toolchain/delegate/pkg/config"
	"github.com/codeready-toolchain/delegate/pkg/events"
	"github.com/codeready-toolchain/delegate/pkg/health"
	"github.com/codeready-toolchain/delegate/pkg/orchestrator"
	"github.com/codeready-toolchain/delegate/pkg/ratelimit"
	"github.com/codeready-toolchain/delegate/pkg/storage"
)

// Server is the HTTP front end of the runtime.
type Server struct {
	cfg      *config.Config
	store    *storage.Store
	orch     *orchestrator.Orchestrator
	adm      *admission.Controller
	limits   *ratelimit.Controller
	adjuster *health.Adjuster
	eventHub *events.Manager

	runs *runRegistry
	http *http.Server
}

// NewServer wires the HTTP server. eventHub may be nil; the live view then
// reports unavailable.
func NewServer(
	cfg *config.Config,
	store *storage.Store,
	orch *orchestrator.Orchestrator,
	adm *admission.Controller,
	limits *ratelimit.Controller,
	adjuster *health.Adjuster,
	eventHub *events.Manager,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		orch:     orch,
		adm:      adm,
		limits:   limits,
		adjuster: adjuster,
		eventHub: eventHub,
		runs:     newRunRegistry(),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/health", s.Health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/subagents", s.ListAgents)
		v1.POST("/subagents", s.CreateAgent)
		v1.PATCH("/subagents/:id", s.ConfigureAgent)
		v1.PUT("/subagents/current", s.SetCurrentAgent)

		v1.POST("/runs", s.Run)
		v1.POST("/runs/parallel", s.RunParallel)
		v1.POST("/runs/dag", s.RunDag)
		v1.GET("/runs", s.ListRuns)
		v1.GET("/runs/:id", s.GetRun)
		v1.POST("/runs/active/:id/cancel", s.CancelRun)

		v1.GET("/status", s.Status)
	}

	r.GET("/ws", s.Live)
	r.GET("/ws/:channel", s.Live)
	return r
}

// Start serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
