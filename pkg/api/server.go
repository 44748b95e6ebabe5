// Package api provides the HTTP surface of the conductor control plane.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/codeready-toolchain/conductor/pkg/auth"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/database"
	"github.com/codeready-toolchain/conductor/pkg/health"
	"github.com/codeready-toolchain/conductor/pkg/kernel"
	"github.com/codeready-toolchain/conductor/pkg/lease"
	"github.com/codeready-toolchain/conductor/pkg/policy"
	"github.com/codeready-toolchain/conductor/pkg/ratelimit"
	"github.com/codeready-toolchain/conductor/pkg/services"
	"github.com/codeready-toolchain/conductor/pkg/stream"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	cfg        *config.Config
	dbClient   *database.Client
	kernel     *kernel.Kernel

	authService    *auth.Service
	roomService    *services.RoomService
	runService     *services.RunService
	approvals      *services.ApprovalService
	incidents      *services.IncidentService
	experiments    *services.ExperimentService
	pipelineView   *services.PipelineService
	leases         *lease.Coordinator
	policyPipeline *policy.Pipeline
	limiter        *ratelimit.Limiter
	healthService  *health.Service
	streamer       *stream.Streamer
	connManager    *stream.ConnectionManager
}

// Deps bundles the server's collaborators.
type Deps struct {
	Cfg            *config.Config
	DBClient       *database.Client
	Kernel         *kernel.Kernel
	AuthService    *auth.Service
	RoomService    *services.RoomService
	RunService     *services.RunService
	Approvals      *services.ApprovalService
	Incidents      *services.IncidentService
	Experiments    *services.ExperimentService
	PipelineView   *services.PipelineService
	Leases         *lease.Coordinator
	PolicyPipeline *policy.Pipeline
	Limiter        *ratelimit.Limiter
	HealthService  *health.Service
	Streamer       *stream.Streamer
	ConnManager    *stream.ConnectionManager
}

// NewServer creates a new API server with Echo v5.
func NewServer(deps Deps) *Server {
	e := echo.New()
	s := &Server{
		echo:           e,
		cfg:            deps.Cfg,
		dbClient:       deps.DBClient,
		kernel:         deps.Kernel,
		authService:    deps.AuthService,
		roomService:    deps.RoomService,
		runService:     deps.RunService,
		approvals:      deps.Approvals,
		incidents:      deps.Incidents,
		experiments:    deps.Experiments,
		pipelineView:   deps.PipelineView,
		leases:         deps.Leases,
		policyPipeline: deps.PolicyPipeline,
		limiter:        deps.Limiter,
		healthService:  deps.HealthService,
		streamer:       deps.Streamer,
		connManager:    deps.ConnManager,
	}
	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	// The taxonomy wrapper runs first so errors from the middleware below
	// (body limit 413 included) render the structured error body.
	s.echo.Use(errorTaxonomy())
	// Server-wide body size limit. Oversized payloads reject at the HTTP
	// read level before deserialization (413).
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))
	s.echo.Use(securityHeaders())

	// Liveness check, unauthenticated.
	s.echo.GET("/health", s.healthHandler)

	// Bootstrap is the only unauthenticated v1 route.
	s.echo.POST("/v1/bootstrap", s.bootstrapHandler)

	v1 := s.echo.Group("/v1")
	v1.Use(s.requireWorkspace())
	v1.Use(requireSchemaVersion())

	// Rooms / threads / messages.
	v1.POST("/rooms", s.createRoomHandler)
	v1.GET("/rooms", s.listRoomsHandler)
	v1.POST("/rooms/:id/threads", s.createThreadHandler)
	v1.GET("/rooms/:id/threads", s.listThreadsHandler)
	v1.POST("/threads/:id/messages", s.createMessageHandler)
	v1.GET("/threads/:id/messages", s.listMessagesHandler)

	// Run state machine and engine-side lease.
	v1.POST("/runs", s.createRunHandler)
	v1.GET("/runs/:id", s.getRunHandler)
	v1.POST("/runs/claim", s.claimRunHandler)
	v1.POST("/runs/:id/start", s.startRunHandler)
	v1.POST("/runs/:id/complete", s.completeRunHandler)
	v1.POST("/runs/:id/fail", s.failRunHandler)
	v1.POST("/runs/:id/steps", s.recordStepHandler)
	v1.POST("/runs/:id/lease/heartbeat", s.runLeaseHeartbeatHandler)
	v1.POST("/runs/:id/lease/release", s.runLeaseReleaseHandler)

	// General work-item lease coordinator.
	v1.POST("/work-items/claim", s.claimWorkItemHandler)
	v1.POST("/work-items/heartbeat", s.heartbeatWorkItemHandler)
	v1.POST("/work-items/release", s.releaseWorkItemHandler)

	// Approvals.
	v1.POST("/approvals", s.createApprovalHandler)
	v1.GET("/approvals", s.listApprovalsHandler)
	v1.POST("/approvals/:id/decide", s.decideApprovalHandler)

	// Incidents and the close gate.
	v1.POST("/incidents", s.openIncidentHandler)
	v1.GET("/incidents", s.listIncidentsHandler)
	v1.POST("/incidents/:id/rca", s.incidentRCAHandler)
	v1.POST("/incidents/:id/learning", s.incidentLearningHandler)
	v1.POST("/incidents/:id/close", s.closeIncidentHandler)

	// Experiments, scorecards, evidence.
	v1.POST("/experiments", s.createExperimentHandler)
	v1.POST("/experiments/:id/close", s.closeExperimentHandler)
	v1.POST("/scorecards", s.recordScorecardHandler)
	v1.POST("/evidence-manifests", s.recordEvidenceManifestHandler)

	// Policy pipeline.
	v1.POST("/policy/evaluate", s.policyEvaluateHandler)
	v1.POST("/egress/requests", s.egressRequestHandler)
	v1.POST("/data/access/requests", s.dataAccessRequestHandler)

	// Capability tokens.
	v1.POST("/capabilities/grant", s.grantCapabilityHandler)
	v1.POST("/capabilities/revoke", s.revokeCapabilityHandler)

	// Event queries.
	v1.GET("/events", s.listEventsHandler)
	v1.GET("/events/:id", s.getEventHandler)

	// Live fanout.
	v1.GET("/streams/:type/:id", s.streamSSEHandler)
	v1.GET("/ws", s.wsHandler)

	// Pipeline Kanban view.
	v1.GET("/pipeline/projection", s.pipelineProjectionHandler)

	// System health summary (workspace-scoped, cached).
	v1.POST("/system/health", s.systemHealthHandler)
	v1.GET("/system/health", s.systemHealthHandler)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo, ReadHeaderTimeout: 10 * time.Second}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
