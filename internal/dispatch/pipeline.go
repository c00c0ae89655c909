// Package dispatch runs one send attempt end to end.
//
// Steps, in order:
//  1. admission against the rate limiter
//  2. content: operator override verbatim, or generated and composed
//  3. pacing delay (generated content only)
//  4. delivery
//  5. ledger update, history append, recipient contact bookkeeping
//
// Stores are not updated in one transaction. Each step commits before the
// next starts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/foxzi/outreach/internal/compose"
	"github.com/foxzi/outreach/internal/delivery"
	"github.com/foxzi/outreach/internal/generator"
	"github.com/foxzi/outreach/internal/history"
	"github.com/foxzi/outreach/internal/ledger"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/recipient"
	"github.com/foxzi/outreach/internal/settings"
)

// ErrorKind classifies a failed attempt
type ErrorKind string

const (
	KindAdmissionDenied ErrorKind = "admission_denied"
	KindGeneration      ErrorKind = "generation"
	KindConfiguration   ErrorKind = "configuration"
	KindDelivery        ErrorKind = "delivery"
)

// Origin labels who initiated a send
type Origin string

const (
	OriginScheduler Origin = "scheduler"
	OriginManual    Origin = "manual"
)

type originKey struct{}

// WithOrigin tags ctx with the initiator of a send
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFrom returns the initiator stored in ctx. Default: manual
func OriginFrom(ctx context.Context) Origin {
	if o, ok := ctx.Value(originKey{}).(Origin); ok {
		return o
	}
	return OriginManual
}

// Result is the terminal state of one attempt
type Result struct {
	Success    bool                 `json:"success"`
	Content    string               `json:"content,omitempty"`
	Error      string               `json:"error,omitempty"`
	Kind       ErrorKind            `json:"kind,omitempty"`
	RetryAfter time.Duration        `json:"retry_after,omitempty"`
	Recipient  *recipient.Recipient `json:"recipient,omitempty"`
}

// Admission decides whether a send may start
type Admission interface {
	CanSend(ctx context.Context) (*ratelimit.Decision, error)
	Policy() ratelimit.Policy
}

// Ledger records attempt outcomes
type Ledger interface {
	RecordSuccess(ctx context.Context) (ledger.UsageStats, error)
	RecordFailure(ctx context.Context) (ledger.UsageStats, error)
}

// History appends dispatch and draft records
type History interface {
	Append(ctx context.Context, rec *history.Record) error
}

// Recipients updates contact bookkeeping after a confirmed send
type Recipients interface {
	MarkContacted(ctx context.Context, id string, at time.Time) (*recipient.Recipient, error)
}

// SettingsSource provides the model and sender name for each attempt
type SettingsSource interface {
	Current() settings.Settings
}

// Config wires the pipeline collaborators
type Config struct {
	Limiter    Admission
	Ledger     Ledger
	History    History
	Recipients Recipients
	Generator  generator.Generator
	Transport  delivery.Transport
	Settings   SettingsSource
	Logger     *slog.Logger

	// Now overrides the clock (tests)
	Now func() time.Time
	// Sleep overrides the pacing wait (tests)
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pipeline executes send attempts one at a time
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	slot   chan struct{} // holds one token while an attempt or exclusive call runs
}

// New creates a pipeline
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Pipeline{cfg: cfg, logger: cfg.Logger, slot: make(chan struct{}, 1)}
}

func (p *Pipeline) acquire(ctx context.Context) error {
	select {
	case p.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) release() { <-p.slot }

// Exclusive runs fn once no send attempt is in progress. Attempts started
// while fn runs wait for it to return.
func (p *Pipeline) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()
	return fn(ctx)
}

// Send runs one attempt for r. A non-nil override is delivered verbatim and
// skips generation and pacing. Storage failures are returned as errors;
// every other failure is reported in the Result.
func (p *Pipeline) Send(ctx context.Context, r *recipient.Recipient, override *string) (*Result, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()

	logger := p.logger.With("recipient_id", r.ID, "origin", OriginFrom(ctx))

	decision, err := p.cfg.Limiter.CanSend(ctx)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		metrics.IncAdmissionDenied(string(decision.Reason))
		logger.Info("send denied by rate limiter",
			"reason", decision.Reason,
			"retry_after", decision.RetryAfter,
		)
		return &Result{
			Kind:       KindAdmissionDenied,
			Error:      fmt.Sprintf("rate limit reached: %s", decision.Reason),
			RetryAfter: decision.RetryAfter,
		}, nil
	}

	s := p.cfg.Settings.Current()

	var content string
	if override != nil {
		content = *override
	} else {
		text, err := p.cfg.Generator.Generate(ctx, r.Summary(), s.ModelID)
		if err != nil {
			return p.generationFailed(ctx, logger, r, s.ModelID, err)
		}

		content = compose.Compose(text, compose.Params{
			SenderName:         s.SenderDisplayName,
			RecipientName:      r.Name,
			RecipientFirstName: r.FirstName(),
		})

		metrics.IncDrafts("success")
		if err := p.appendRecord(ctx, history.KindDraft, r, content, true, "", s.ModelID); err != nil {
			return nil, err
		}

		if delay := p.cfg.Limiter.Policy().MinDelayBetweenSends; delay > 0 {
			logger.Debug("pacing before delivery", "delay", delay)
			metrics.ObservePacingDelay(delay.Seconds())
			if err := p.cfg.Sleep(ctx, delay); err != nil {
				return nil, p.pacingAborted(ctx, logger, r, content, s.ModelID, err)
			}
		}
	}

	modelUsed := ""
	if override == nil {
		modelUsed = s.ModelID
	}

	if err := p.cfg.Transport.Deliver(ctx, r, content); err != nil {
		if _, lerr := p.cfg.Ledger.RecordFailure(ctx); lerr != nil {
			return nil, fmt.Errorf("failed to record failure: %w", lerr)
		}
		if herr := p.appendRecord(ctx, history.KindDispatch, r, content, false, err.Error(), modelUsed); herr != nil {
			return nil, herr
		}
		metrics.IncFailed(string(KindDelivery))
		logger.Warn("delivery failed",
			"error", err,
			"temporary", delivery.IsTemporaryError(err),
		)
		return &Result{Kind: KindDelivery, Error: err.Error(), Content: content}, nil
	}

	if _, err := p.cfg.Ledger.RecordSuccess(ctx); err != nil {
		return nil, fmt.Errorf("failed to record success: %w", err)
	}
	if err := p.appendRecord(ctx, history.KindDispatch, r, content, true, "", modelUsed); err != nil {
		return nil, err
	}
	updated, err := p.cfg.Recipients.MarkContacted(ctx, r.ID, p.cfg.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to update recipient: %w", err)
	}

	metrics.IncSent(string(OriginFrom(ctx)))
	logger.Info("message sent", "message_count", updated.MessageCount)

	return &Result{Success: true, Content: content, Recipient: updated}, nil
}

func (p *Pipeline) generationFailed(ctx context.Context, logger *slog.Logger, r *recipient.Recipient, model string, genErr error) (*Result, error) {
	kind := KindGeneration
	if generator.IsConfigurationError(genErr) {
		kind = KindConfiguration
	}

	if _, err := p.cfg.Ledger.RecordFailure(ctx); err != nil {
		return nil, fmt.Errorf("failed to record failure: %w", err)
	}
	if err := p.appendRecord(ctx, history.KindDraft, r, "", false, genErr.Error(), model); err != nil {
		return nil, err
	}
	if err := p.appendRecord(ctx, history.KindDispatch, r, "", false, genErr.Error(), model); err != nil {
		return nil, err
	}

	metrics.IncDrafts("failed")
	metrics.IncFailed(string(kind))
	logger.Warn("message generation failed", "kind", kind, "error", genErr)

	return &Result{Kind: kind, Error: genErr.Error()}, nil
}

// pacingAborted leaves a failed dispatch record next to the stored draft so
// the abandoned attempt stays visible in history. The ledger is untouched
// since nothing reached the transport.
func (p *Pipeline) pacingAborted(ctx context.Context, logger *slog.Logger, r *recipient.Recipient, content, model string, cause error) error {
	abortErr := fmt.Errorf("pacing interrupted: %w", cause)
	if err := p.appendRecord(context.WithoutCancel(ctx), history.KindDispatch, r, content, false, abortErr.Error(), model); err != nil {
		return errors.Join(abortErr, err)
	}
	metrics.IncFailed("aborted")
	logger.Warn("send attempt aborted before delivery", "error", cause)
	return abortErr
}

func (p *Pipeline) appendRecord(ctx context.Context, kind history.Kind, r *recipient.Recipient, content string, ok bool, errMsg, model string) error {
	rec := &history.Record{
		Kind:          kind,
		RecipientID:   r.ID,
		RecipientName: r.Name,
		Content:       content,
		SentAt:        p.cfg.Now(),
		Success:       ok,
		Error:         errMsg,
		ModelUsed:     model,
	}
	if err := p.cfg.History.Append(ctx, rec); err != nil {
		return fmt.Errorf("failed to append %s record: %w", kind, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
