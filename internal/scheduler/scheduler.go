// Package scheduler drives automated sends on a recurring interval.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/foxzi/outreach/internal/dispatch"
	"github.com/foxzi/outreach/internal/eligibility"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/recipient"
	"github.com/foxzi/outreach/internal/settings"
)

// DefaultInterval is used when the policy has no pacing delay
const DefaultInterval = 60 * time.Second

// Cycle outcomes, used as metric labels
const (
	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultDenied  = "denied"
	ResultIdle    = "idle"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

// Sender runs one send attempt
type Sender interface {
	Send(ctx context.Context, r *recipient.Recipient, override *string) (*dispatch.Result, error)
}

// RecipientLister returns every stored recipient
type RecipientLister interface {
	List(ctx context.Context) ([]*recipient.Recipient, error)
}

// Selector narrows recipients to the eligible set
type Selector interface {
	Select(recipients []*recipient.Recipient, policy ratelimit.Policy, c eligibility.Criteria) []*recipient.Recipient
}

// SettingsSource provides targeting criteria for each cycle
type SettingsSource interface {
	Current() settings.Settings
}

// Config wires the scheduler collaborators
type Config struct {
	Sender     Sender
	Recipients RecipientLister
	Selector   Selector
	Settings   SettingsSource
	Logger     *slog.Logger

	// FallbackInterval applies when the policy pacing delay is zero
	FallbackInterval time.Duration
	// Pick returns an index in [0, n). Default: math/rand
	Pick func(n int) int
}

// Status describes the scheduler state
type Status struct {
	Running     bool          `json:"running"`
	Interval    time.Duration `json:"interval,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	NextRunAt   *time.Time    `json:"next_run_at,omitempty"`
	LastCycleAt *time.Time    `json:"last_cycle_at,omitempty"`
	LastResult  string        `json:"last_result,omitempty"`
	Cycles      int64         `json:"cycles"`
	Starts      int64         `json:"starts"`
	Stops       int64         `json:"stops"`
}

// Scheduler has two states, running and stopped. While running it
// triggers one cycle per interval; cycles never overlap.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	cron      *cron.Cron
	entryID   cron.EntryID
	policy    ratelimit.Policy
	interval  time.Duration
	startedAt time.Time
	closed    bool

	lastCycleAt time.Time
	lastResult  string
	cycles      int64
	starts      int64
	stops       int64

	gen int64 // bumped by Start and Stop

	cycleSlot chan struct{} // holds one token while a cycle runs
	ctx       context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped scheduler
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = DefaultInterval
	}
	if cfg.Pick == nil {
		cfg.Pick = rand.Intn
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "scheduler"),
		cycleSlot: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start arms the recurring timer with policy and runs one cycle
// immediately. A running scheduler is restarted with the new policy; when a
// cycle is in flight the immediate cycle waits for it instead of being
// skipped. Cycles run until Stop or Shutdown, independent of ctx.
func (s *Scheduler) Start(ctx context.Context, policy ratelimit.Policy) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("scheduler is shut down")
	}

	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}

	interval := policy.MinDelayBetweenSends
	if interval <= 0 {
		interval = s.cfg.FallbackInterval
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.entryID = c.Schedule(cron.Every(interval), cron.FuncJob(s.trackedCycle))
	c.Start()

	s.cron = c
	s.policy = policy
	s.interval = interval
	s.startedAt = time.Now()
	s.starts++
	s.gen++

	gen := s.gen
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.startCycle(gen)
	}()

	metrics.SetSchedulerRunning(true)
	s.logger.Info("scheduler started",
		"interval", interval,
		"max_per_hour", policy.MaxPerHour,
		"max_per_day", policy.MaxPerDay,
	)

	return nil
}

// Stop cancels the recurring timer. An in-flight cycle runs to completion.
// Stopping a stopped scheduler does nothing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}

	s.cron.Stop()
	s.cron = nil
	s.entryID = 0
	s.startedAt = time.Time{}
	s.stops++
	s.gen++

	metrics.SetSchedulerRunning(false)
	s.logger.Info("scheduler stopped")
}

// Shutdown stops the scheduler, cancels the in-flight cycle and waits for it
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for scheduler cycle: %w", ctx.Err())
	}
}

// Running reports whether the recurring timer is armed
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// Status returns a snapshot of the scheduler state
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:    s.cron != nil,
		LastResult: s.lastResult,
		Cycles:     s.cycles,
		Starts:     s.starts,
		Stops:      s.stops,
	}
	if s.cron != nil {
		st.Interval = s.interval
		started := s.startedAt
		st.StartedAt = &started
		if next := s.cron.Entry(s.entryID).Next; !next.IsZero() {
			st.NextRunAt = &next
		}
	}
	if !s.lastCycleAt.IsZero() {
		last := s.lastCycleAt
		st.LastCycleAt = &last
	}
	return st
}

// RunOnce runs a single cycle on ctx, regardless of state
func (s *Scheduler) RunOnce(ctx context.Context) string {
	return s.cycle(ctx)
}

func (s *Scheduler) trackedCycle() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.cycle(s.ctx)
}

// cycle runs one cycle unless another one holds the slot
func (s *Scheduler) cycle(ctx context.Context) string {
	select {
	case s.cycleSlot <- struct{}{}:
	default:
		s.logger.Debug("previous cycle still running, skipping")
		metrics.IncSchedulerCycle(ResultSkipped)
		return ResultSkipped
	}
	defer func() { <-s.cycleSlot }()

	return s.recordCycle(ctx)
}

// startCycle is the immediate cycle of Start generation gen. It waits for an
// in-flight cycle to finish and is dropped if Stop or a newer Start happened
// meanwhile.
func (s *Scheduler) startCycle(gen int64) string {
	select {
	case s.cycleSlot <- struct{}{}:
	case <-s.ctx.Done():
		return ResultSkipped
	}
	defer func() { <-s.cycleSlot }()

	s.mu.Lock()
	current := s.gen == gen && !s.closed
	s.mu.Unlock()
	if !current {
		return ResultSkipped
	}

	return s.recordCycle(s.ctx)
}

func (s *Scheduler) recordCycle(ctx context.Context) string {
	result := s.runCycle(ctx)

	s.mu.Lock()
	s.cycles++
	s.lastCycleAt = time.Now()
	s.lastResult = result
	s.mu.Unlock()

	metrics.IncSchedulerCycle(result)
	return result
}

func (s *Scheduler) runCycle(ctx context.Context) string {
	all, err := s.cfg.Recipients.List(ctx)
	if err != nil {
		s.logger.Error("failed to list recipients", "error", err)
		return ResultError
	}

	s.mu.Lock()
	policy := s.policy
	s.mu.Unlock()

	eligible := s.cfg.Selector.Select(all, policy, s.cfg.Settings.Current().Criteria)
	if len(eligible) == 0 {
		s.logger.Debug("no eligible recipients", "total", len(all))
		return ResultIdle
	}

	target := eligible[s.cfg.Pick(len(eligible))]

	res, err := s.cfg.Sender.Send(dispatch.WithOrigin(ctx, dispatch.OriginScheduler), target, nil)
	if err != nil {
		s.logger.Error("send failed", "recipient_id", target.ID, "error", err)
		return ResultError
	}

	switch {
	case res.Success:
		return ResultSent
	case res.Kind == dispatch.KindAdmissionDenied:
		return ResultDenied
	default:
		s.logger.Warn("send attempt failed",
			"recipient_id", target.ID,
			"kind", res.Kind,
			"error", res.Error,
		)
		return ResultFailed
	}
}
