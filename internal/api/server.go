package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/cadence/internal/campaign"
	"github.com/foxzi/cadence/internal/config"
	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/content"
	"github.com/foxzi/cadence/internal/engagement"
	"github.com/foxzi/cadence/internal/ipfilter"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/performance"
)

// Version is reported by the health endpoint
var Version = "dev"

// Store is the read side of the engine state used by the API
type Store interface {
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	ListCampaigns(ctx context.Context, filter campaign.ListFilter) ([]*campaign.Campaign, error)
	ExecutionsByStatus(ctx context.Context, status campaign.StageStatus) ([]*campaign.StageExecution, error)
	CampaignStats(ctx context.Context) (map[campaign.Status]int64, error)
}

// Directory is the contact directory used by the API
type Directory interface {
	Create(ctx context.Context, c *contacts.Contact) error
	Get(ctx context.Context, id string) (*contacts.Contact, error)
	List(ctx context.Context, filter contacts.ListFilter) ([]*contacts.Contact, int, error)
	TagCounts(ctx context.Context) (map[string]int, error)
}

// StageReporter serves per-stage metrics
type StageReporter interface {
	StageMetrics(ctx context.Context, key campaign.ExecutionKey) (*performance.StageMetrics, error)
}

// Services groups the components behind the HTTP API
type Services struct {
	Store    Store
	Machine  *campaign.Machine
	Content  *content.Service
	Reporter StageReporter
	Contacts Directory
	Events   engagement.Recorder
	Tracking *engagement.TrackingHandler // Optional, mounted without auth
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	svc        Services
	config     *config.APIConfig
	filter     *ipfilter.Filter
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(svc Services, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		svc:       svc,
		config:    cfg,
		filter:    ipfilter.New(cfg.AllowedIPs, logger),
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// Tracking links are opened by recipients' mail clients
	if s.svc.Tracking != nil {
		s.svc.Tracking.Routes(s.router)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.Middleware)
		r.Use(s.authMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleListCampaigns)
			r.Post("/", s.handleCreateCampaign)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleCampaignStatus)
				r.Post("/schedule", s.handleSchedule)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/cancel", s.handleCancel)

				r.Route("/stages/{stage}", func(r chi.Router) {
					r.Get("/metrics", s.handleStageMetrics)
					r.Get("/drafts", s.handleListDrafts)
					r.Post("/drafts", s.handleCreateDraft)
					r.Post("/drafts/generate", s.handleGenerateDraft)
					r.Get("/drafts/{version}", s.handleGetDraft)
					r.Post("/drafts/{version}/approve", s.handleApproveDraft)
				})
			})
		})

		r.Get("/stages/failed", s.handleFailedStages)

		r.Route("/contacts", func(r chi.Router) {
			r.Get("/", s.handleListContacts)
			r.Post("/", s.handleCreateContact)
			r.Get("/{id}", s.handleGetContact)
		})
		r.Get("/tags", s.handleTagCounts)

		r.Post("/events", s.handleEvent)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
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
