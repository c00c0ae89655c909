package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/scheduler"
	"github.com/foxzi/outreach/internal/settings"
)

// Automation keeps the scheduler, the limiter policy and the persisted
// settings consistent with each other
type Automation struct {
	settings  *settings.Store
	limiter   *ratelimit.Limiter
	scheduler *scheduler.Scheduler
	logger    *slog.Logger

	mu sync.Mutex
}

// NewAutomation creates the automation controller
func NewAutomation(st *settings.Store, limiter *ratelimit.Limiter, sched *scheduler.Scheduler, logger *slog.Logger) *Automation {
	return &Automation{
		settings:  st,
		limiter:   limiter,
		scheduler: sched,
		logger:    logger.With("component", "automation"),
	}
}

// Settings returns the active settings
func (a *Automation) Settings() settings.Settings {
	return a.settings.Current()
}

// UpdateSettings persists next and applies it. A saved enabled flag
// (re)starts the scheduler with the new policy; a cleared one stops it.
func (a *Automation) UpdateSettings(ctx context.Context, next settings.Settings) (settings.Settings, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	saved, err := a.settings.Save(ctx, next)
	if err != nil {
		return settings.Settings{}, err
	}

	a.limiter.SetPolicy(saved.Policy)

	if saved.Enabled {
		if err := a.scheduler.Start(ctx, saved.Policy); err != nil {
			return saved, fmt.Errorf("failed to restart scheduler: %w", err)
		}
	} else {
		a.scheduler.Stop()
	}

	return saved, nil
}

// Start enables automation and starts the scheduler
func (a *Automation) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.settings.SetEnabled(ctx, true); err != nil {
		return fmt.Errorf("failed to persist enabled flag: %w", err)
	}
	return a.scheduler.Start(ctx, a.settings.Current().Policy)
}

// Stop disables automation. An in-flight send completes.
func (a *Automation) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.scheduler.Stop()
	if err := a.settings.SetEnabled(ctx, false); err != nil {
		return fmt.Errorf("failed to persist enabled flag: %w", err)
	}
	return nil
}

// Resume starts the scheduler if the persisted settings say it was enabled
func (a *Automation) Resume(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.settings.Current()
	a.limiter.SetPolicy(st.Policy)
	if !st.Enabled {
		a.logger.Info("automation disabled, scheduler not started")
		return nil
	}
	return a.scheduler.Start(ctx, st.Policy)
}

// Status returns the scheduler state
func (a *Automation) Status() scheduler.Status {
	return a.scheduler.Status()
}
