package api

import (
	"log/slog"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/papercomputeco/cortex/api/mcp"
	"github.com/papercomputeco/cortex/pkg/service"
)

// Server is the API server for querying and managing cortex memories.
type Server struct {
	config Config
	svc    *service.Service
	logger *slog.Logger
	app    *fiber.App
	mcp    *mcp.Server
}

// NewServer creates a new API server over svc.
func NewServer(config Config, svc *service.Service, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mcpServer, err := mcp.NewServer(mcp.Config{
		Service: svc,
		Noop:    config.DisableMCP,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config: config,
		svc:    svc,
		logger: logger,
		app:    app,
		mcp:    mcpServer,
	}

	app.Use(s.instrument)

	app.Get("/ping", s.handlePing)
	app.Get("/health", s.handleHealth)
	app.Get("/agents", s.handleAgentFleet)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.All("/mcp", adaptor.HTTPHandler(mcpServer.Handler()))

	app.Post("/query", s.handleQuery)
	app.Post("/query/:id/exact", s.handleExactAttributions)
	app.Get("/query/:id/attributions", s.handleListAttributions)
	app.Get("/attribution/status", s.handleAttributionStatus)
	app.Post("/attribution/validate", s.handleValidateAttribution)

	app.Post("/memories", s.handleCreateMemory)
	app.Get("/memories", s.handleListMemories)
	app.Get("/memories/:id", s.handleGetMemory)
	app.Put("/memories/:id", s.handleEditMemory)
	app.Get("/memories/:id/versions", s.handleListVersions)
	app.Get("/memories/:id/impact", s.handleImpact)
	app.Post("/memories/:id/verify", s.handleVerifyMemory)
	app.Get("/memories/:id/lineage", s.handleLineage)
	app.Post("/memories/:id/criticality", s.handleSetCriticality)
	app.Post("/memories/:id/demote", s.handleDemote)

	app.Post("/lifecycle/run", s.handleRunLifecycle)

	app.Get("/contradictions", s.handleListContradictions)
	app.Post("/contradictions/classify", s.handleClassify)
	app.Post("/contradictions/:id/resolve", s.handleResolveContradiction)

	app.Post("/artifacts", s.handleRecordArtifact)
	app.Get("/artifacts/:id/lineage", s.handleLineage)

	app.Post("/deletions", s.handleRequestDeletion)
	app.Get("/deletions", s.handleListDeletions)
	app.Get("/deletions/:id", s.handleGetDeletion)
	app.Post("/deletions/:id/cancel", s.handleCancelDeletion)
	app.Post("/deletions/:id/execute", s.handleExecuteDeletion)
	app.Get("/deletions/:id/certificate", s.handleGetCertificate)

	return s, nil
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server", "listen", s.config.ListenAddr)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
