package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/outreach/internal/api"
	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/delivery"
	"github.com/foxzi/outreach/internal/dispatch"
	"github.com/foxzi/outreach/internal/eligibility"
	"github.com/foxzi/outreach/internal/generator"
	"github.com/foxzi/outreach/internal/history"
	"github.com/foxzi/outreach/internal/ipfilter"
	"github.com/foxzi/outreach/internal/ledger"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/recipient"
	"github.com/foxzi/outreach/internal/scheduler"
	"github.com/foxzi/outreach/internal/settings"
	"github.com/foxzi/outreach/internal/storage"
)

// Version is reported by the health endpoint and the CLI
var Version = "0.1.0"

// App is the main application
type App struct {
	config *config.Config
	logger *slog.Logger

	store      *storage.Store
	ledger     *ledger.Ledger
	limiter    *ratelimit.Limiter
	recipients *recipient.Storage
	history    *history.Storage
	settings   *settings.Store
	selector   *eligibility.Filter
	transport  delivery.Transport
	sandbox    *delivery.Sandbox
	pipeline   *dispatch.Pipeline
	scheduler  *scheduler.Scheduler
	automation *Automation

	apiServer     *api.Server
	metrics       *metrics.Metrics
	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New creates a new application. Listeners are not opened until Run.
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)
	ctx := context.Background()

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &App{config: cfg, logger: logger, store: store}
	if err := a.build(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.config
	logger := a.logger
	db := a.store.DB()
	var err error

	a.ledger, err = ledger.New(db, ledger.Config{Location: cfg.Location()})
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}

	a.recipients, err = recipient.NewStorage(db)
	if err != nil {
		return fmt.Errorf("failed to create recipient storage: %w", err)
	}

	a.history, err = history.NewStorage(db, history.Config{
		MaxDispatchRecords: cfg.History.MaxDispatchRecords,
		MaxDraftRecords:    cfg.History.MaxDraftRecords,
	})
	if err != nil {
		return fmt.Errorf("failed to create history storage: %w", err)
	}

	a.settings, err = settings.NewStore(ctx, a.store, settings.Settings{
		Enabled:           cfg.Automation.Enabled,
		Policy:            cfg.Automation.Policy,
		ModelID:           cfg.Automation.ModelID,
		SenderDisplayName: cfg.Automation.SenderDisplayName,
		Criteria:          cfg.Targeting,
	})
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	a.limiter = ratelimit.NewLimiter(a.ledger, a.settings.Current().Policy)
	a.selector = eligibility.New(nil)

	gen, err := generator.New(generator.Config{
		Provider:        cfg.Generator.Provider,
		Timeout:         cfg.Generator.Timeout,
		DefaultModel:    cfg.Generator.DefaultModel,
		Prompt:          cfg.Generator.Prompt,
		GeminiAPIKey:    cfg.Generator.GeminiAPIKey,
		GeminiBaseURL:   cfg.Generator.GeminiBaseURL,
		OllamaBaseURL:   cfg.Generator.OllamaBaseURL,
		StaticTemplates: cfg.Generator.StaticTemplates,
	})
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	a.transport, err = delivery.New(deliveryConfig(cfg), db, logger.With("component", "delivery"))
	if err != nil {
		return fmt.Errorf("failed to create delivery transport: %w", err)
	}
	if sb, ok := a.transport.(*delivery.Sandbox); ok {
		a.sandbox = sb
	}

	a.pipeline = dispatch.New(dispatch.Config{
		Limiter:    a.limiter,
		Ledger:     a.ledger,
		History:    a.history,
		Recipients: a.recipients,
		Generator:  gen,
		Transport:  a.transport,
		Settings:   a.settings,
		Logger:     logger.With("component", "dispatch"),
	})

	a.scheduler = scheduler.New(scheduler.Config{
		Sender:           a.pipeline,
		Recipients:       a.recipients,
		Selector:         a.selector,
		Settings:         a.settings,
		Logger:           logger,
		FallbackInterval: cfg.Automation.FallbackInterval,
	})

	a.automation = NewAutomation(a.settings, a.limiter, a.scheduler, logger)

	if cfg.API.Enabled {
		filter, err := ipfilter.New(ipfilter.Options{
			Allowed:    cfg.API.AllowedIPs,
			TrustProxy: cfg.API.TrustProxy,
		}, logger.With("component", "api_ipfilter"))
		if err != nil {
			return fmt.Errorf("invalid api.allowed_ips: %w", err)
		}

		a.apiServer = api.NewServer(api.Deps{
			Stats:      a.ledger,
			Admission:  a.limiter,
			Sender:     a.pipeline,
			Automation: a.automation,
			Recipients: a.recipients,
			Selector:   a.selector,
			History:    a.history,
			Data:       a,
			Sandbox:    a.sandbox,
			Version:    Version,
		}, &cfg.API, filter, logger)
	}

	if cfg.Metrics.Enabled {
		filter, err := ipfilter.New(ipfilter.Options{Allowed: cfg.Metrics.AllowedIPs}, logger.With("component", "metrics_ipfilter"))
		if err != nil {
			return fmt.Errorf("invalid metrics.allowed_ips: %w", err)
		}

		a.metrics = metrics.New()
		metrics.SetGlobal(a.metrics)
		a.metricsServer = metrics.NewServer(a.metrics, cfg.Metrics.ListenAddr, cfg.Metrics.Path, filter, logger.With("component", "metrics"))
		a.collector = metrics.NewCollector(a.metrics, a, cfg.Storage.Path, cfg.Metrics.FlushInterval, logger.With("component", "metrics_collector"))
	}

	return nil
}

func deliveryConfig(cfg *config.Config) delivery.Config {
	d := cfg.Delivery
	out := delivery.Config{
		Transport: d.Transport,
		Sandbox: delivery.SandboxConfig{
			SimulateErrors:   d.Sandbox.SimulateErrors,
			ErrorProbability: d.Sandbox.ErrorProbability,
		},
		Webhook: delivery.WebhookConfig{
			URL:           d.Webhook.URL,
			Token:         d.Webhook.Token,
			Timeout:       d.Webhook.Timeout,
			RatePerSecond: d.Webhook.RatePerSecond,
			Burst:         d.Webhook.Burst,
		},
		SMTP: delivery.SMTPConfig{
			Host:               d.SMTP.Host,
			Port:               d.SMTP.Port,
			Username:           d.SMTP.Username,
			Password:           d.SMTP.Password,
			Security:           d.SMTP.Security,
			RequireTLS:         d.SMTP.RequireTLS,
			InsecureSkipVerify: d.SMTP.InsecureSkipVerify,
			Hostname:           cfg.Server.Hostname,
			From:               d.SMTP.From,
			FromName:           d.SMTP.FromName,
			Subject:            d.SMTP.Subject,
			Timeout:            d.SMTP.Timeout,
		},
	}
	if d.SMTP.DKIM.Enabled {
		out.SMTP.DKIMKeyFile = d.SMTP.DKIM.KeyFile
		out.SMTP.DKIMDomain = d.SMTP.DKIM.Domain
		out.SMTP.DKIMSelector = d.SMTP.DKIM.Selector
	}
	return out
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting outreach",
		"version", Version,
		"hostname", a.config.Server.Hostname,
		"storage", a.config.Storage.Path,
		"generator", a.config.Generator.Provider,
		"transport", a.config.Delivery.Transport,
		"timezone", a.config.Location().String(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.config.Recipients.ImportOnStart && a.config.Recipients.ImportFile != "" {
		fetched, created, err := a.ImportRecipients(ctx, a.config.Recipients.ImportFile)
		if err != nil {
			a.logger.Error("recipient import failed", "file", a.config.Recipients.ImportFile, "error", err)
		} else {
			a.logger.Info("recipients imported", "fetched", fetched, "created", created)
		}
	}

	errCh := make(chan error, 2)

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if err := a.automation.Resume(ctx); err != nil {
		a.logger.Error("failed to start scheduler", "error", err)
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop the scheduler first so no new send starts
	if err := a.scheduler.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("scheduler shutdown error", "error", err)
	}

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if a.collector != nil {
		a.collector.Stop()
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// Close releases storage without starting anything. Used by CLI commands.
func (a *App) Close() error {
	if err := a.scheduler.Shutdown(context.Background()); err != nil {
		return err
	}
	return a.store.Close()
}

// Logger returns the application logger
func (a *App) Logger() *slog.Logger { return a.logger }

// Ledger returns the usage ledger
func (a *App) Ledger() *ledger.Ledger { return a.ledger }

// Limiter returns the admission limiter
func (a *App) Limiter() *ratelimit.Limiter { return a.limiter }

// Recipients returns the recipient storage
func (a *App) Recipients() *recipient.Storage { return a.recipients }

// History returns the history storage
func (a *App) History() *history.Storage { return a.history }

// Pipeline returns the dispatch pipeline
func (a *App) Pipeline() *dispatch.Pipeline { return a.pipeline }

// Sandbox returns the sandbox transport, or nil when another transport is active
func (a *App) Sandbox() *delivery.Sandbox { return a.sandbox }

// Automation returns the automation controller
func (a *App) Automation() *Automation { return a.automation }

// Eligible returns the recipients the scheduler may pick right now
func (a *App) Eligible(ctx context.Context) ([]*recipient.Recipient, error) {
	all, err := a.recipients.List(ctx)
	if err != nil {
		return nil, err
	}
	st := a.settings.Current()
	return a.selector.Select(all, st.Policy, st.Criteria), nil
}

// ImportRecipients loads profiles from a JSON file into storage
func (a *App) ImportRecipients(ctx context.Context, path string) (fetched, created int, err error) {
	return recipient.Import(ctx, recipient.NewFileSource(path), a.recipients)
}

// ResetData wipes recipients, history, usage stats and sandbox captures.
// Automation settings are kept. The wipe waits for an in-flight send.
func (a *App) ResetData(ctx context.Context) error {
	err := a.pipeline.Exclusive(ctx, func(ctx context.Context) error {
		return a.store.Wipe(ctx, settings.Bucket)
	})
	if err != nil {
		return fmt.Errorf("failed to wipe storage: %w", err)
	}
	a.logger.Warn("all data reset", "kept", settings.Bucket)
	return nil
}

// MetricsSnapshot implements metrics.SnapshotProvider
func (a *App) MetricsSnapshot(ctx context.Context) (*metrics.Snapshot, error) {
	budget, err := a.limiter.Estimate(ctx)
	if err != nil {
		return nil, err
	}
	all, err := a.recipients.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	st := a.settings.Current()

	return &metrics.Snapshot{
		TotalSent:          budget.Stats.TotalSent,
		TotalFailed:        budget.Stats.TotalFailed,
		SentInCurrentHour:  budget.Stats.SentInCurrentHour,
		SentInCurrentDay:   budget.Stats.SentInCurrentDay,
		RemainingHour:      budget.RemainingHour,
		RemainingDay:       budget.RemainingDay,
		Recipients:         len(all),
		EligibleRecipients: len(a.selector.Select(all, st.Policy, st.Criteria)),
	}, nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
