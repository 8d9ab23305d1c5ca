// Package api serves the admin HTTP API: manual cycle triggers, campaign
// control, engagement signals and the sandbox inbox.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/condition"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/config"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/engine"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/ipfilter"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/metrics"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/sandbox"
)

// CycleRunner runs one execution cycle
type CycleRunner interface {
	RunCycle(ctx context.Context) (*engine.CycleResult, error)
}

// CampaignStore manages campaigns and their steps
type CampaignStore interface {
	List(ctx context.Context) ([]models.Campaign, error)
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	SetStatus(ctx context.Context, id, status string) error
	Start(ctx context.Context, id string, now time.Time) (int, error)
	Stats(ctx context.Context, id string) (*models.CampaignStats, error)
	StatusCounts(ctx context.Context) (map[string]int, error)
	ListSteps(ctx context.Context, campaignID string) ([]models.Step, error)
	AddStep(ctx context.Context, s *models.Step) error
}

// ExecutionStore reads and overrides campaign contact state
type ExecutionStore interface {
	ListByCampaign(ctx context.Context, campaignID, status string, limit, offset int) ([]models.CampaignContact, error)
	SetExternalStatus(ctx context.Context, campaignID, contactID, status string) error
}

// EventStore appends engagement events
type EventStore interface {
	Append(ctx context.Context, ev *models.EmailEvent) error
	LatestForContact(ctx context.Context, campaignID, contactID string) (time.Time, error)
}

// ContactStore updates list-level contact state
type ContactStore interface {
	SetStatus(ctx context.Context, id, status string) error
}

// Deps are the collaborators of the API. Sandbox may be nil.
type Deps struct {
	Runner     CycleRunner
	Campaigns  CampaignStore
	Executions ExecutionStore
	Events     EventStore
	Contacts   ContactStore
	Conditions *condition.Evaluator
	Sandbox    *sandbox.Storage
	Filter     *ipfilter.Filter
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	config     *config.APIConfig
	deps       Deps
	version    string
	logger     *slog.Logger
	startTime  time.Time
	now        func() time.Time
}

// NewServer creates a new API server
func NewServer(cfg *config.APIConfig, deps Deps, version string, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		config:    cfg,
		deps:      deps,
		version:   version,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
		now:       time.Now,
	}

	s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.deps.Filter != nil {
			r.Use(s.deps.Filter.HTTPMiddleware)
		}
		r.Use(s.authMiddleware)

		r.Post("/cycles", s.handleRunCycle)
		r.Post("/events", s.handleEvent)

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleCampaignList)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleCampaignGet)
				r.Post("/start", s.handleCampaignStart)
				r.Post("/pause", s.handleCampaignPause)
				r.Post("/resume", s.handleCampaignResume)
				r.Get("/stats", s.handleCampaignStats)
				r.Get("/steps", s.handleStepList)
				r.Post("/steps", s.handleStepCreate)
				r.Get("/contacts", s.handleContactList)
			})
		})

		s.registerSandboxRoutes(r)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // manual cycles can take a while
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
