package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/delivery"
	"github.com/foxzi/outreach/internal/dispatch"
	"github.com/foxzi/outreach/internal/eligibility"
	"github.com/foxzi/outreach/internal/history"
	"github.com/foxzi/outreach/internal/ipfilter"
	"github.com/foxzi/outreach/internal/ledger"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/recipient"
	"github.com/foxzi/outreach/internal/scheduler"
	"github.com/foxzi/outreach/internal/settings"
)

// StatsStore exposes the usage ledger
type StatsStore interface {
	Current(ctx context.Context) (ledger.UsageStats, error)
	Reset(ctx context.Context) error
}

// Admission answers whether a send may start now
type Admission interface {
	CanSend(ctx context.Context) (*ratelimit.Decision, error)
	Estimate(ctx context.Context) (*ratelimit.Budget, error)
}

// Sender runs one send attempt
type Sender interface {
	Send(ctx context.Context, r *recipient.Recipient, override *string) (*dispatch.Result, error)
}

// Automation controls the scheduler and its persisted settings
type Automation interface {
	Settings() settings.Settings
	UpdateSettings(ctx context.Context, next settings.Settings) (settings.Settings, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() scheduler.Status
}

// RecipientStore reads and writes recipient profiles
type RecipientStore interface {
	Get(ctx context.Context, id string) (*recipient.Recipient, error)
	List(ctx context.Context) ([]*recipient.Recipient, error)
	Upsert(ctx context.Context, recipients ...*recipient.Recipient) (int, error)
}

// Selector narrows recipients to the eligible set
type Selector interface {
	Select(recipients []*recipient.Recipient, policy ratelimit.Policy, c eligibility.Criteria) []*recipient.Recipient
}

// HistoryReader lists dispatch and draft records
type HistoryReader interface {
	List(ctx context.Context, kind history.Kind, filter history.ListFilter) ([]*history.Record, error)
	Count(ctx context.Context, kind history.Kind) (int, error)
}

// DataResetter wipes recipients, history, stats and captures
type DataResetter interface {
	ResetData(ctx context.Context) error
}

// Deps wires the API to the application services
type Deps struct {
	Stats      StatsStore
	Admission  Admission
	Sender     Sender
	Automation Automation
	Recipients RecipientStore
	Selector   Selector
	History    HistoryReader
	Data       DataResetter

	// Sandbox is nil unless the sandbox transport is active
	Sandbox *delivery.Sandbox

	Version string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	filter     *ipfilter.Filter
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server. filter may be nil.
func NewServer(deps Deps, cfg *config.APIConfig, filter *ipfilter.Filter, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		filter:    filter,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	if s.filter != nil && s.filter.Enabled() {
		s.router.Use(s.filter.HTTPMiddleware)
	}
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/stats", s.handleStats)
		r.Post("/stats/reset", s.handleStatsReset)
		r.Get("/admission", s.handleAdmission)
		r.Post("/send", s.handleSend)

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", s.handleSchedulerStatus)
			r.Post("/start", s.handleSchedulerStart)
			r.Post("/stop", s.handleSchedulerStop)
		})

		r.Get("/settings", s.handleSettingsGet)
		r.Put("/settings", s.handleSettingsUpdate)

		r.Get("/recipients", s.handleRecipientsList)
		r.Post("/recipients", s.handleRecipientsUpsert)
		r.Get("/recipients/{id}", s.handleRecipientGet)

		r.Get("/history", s.handleHistory(history.KindDispatch))
		r.Get("/drafts", s.handleHistory(history.KindDraft))

		r.Post("/data/reset", s.handleDataReset)

		s.registerSandboxRoutes(r)
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	return s.httpServer.Shutdown(ctx)
}
