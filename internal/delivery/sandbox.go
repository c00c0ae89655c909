package delivery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/outreach/internal/recipient"
)

// SandboxConfig contains sandbox transport settings
type SandboxConfig struct {
	// SimulateErrors makes a share of deliveries fail with canned SMTP-style errors
	SimulateErrors bool
	// ErrorProbability is the failure share when simulation is on (0..1]. Default: 0.1
	ErrorProbability float64
}

var simulatedErrors = []string{
	"550 User not found",
	"451 Temporary failure",
	"452 Insufficient storage",
	"421 Service not available",
}

// Sandbox captures messages in storage instead of sending them
type Sandbox struct {
	storage *CaptureStorage
	logger  *slog.Logger

	mu               sync.Mutex
	simulateErrors   bool
	errorProbability float64
	rnd              func() float64
	now              func() time.Time
}

// NewSandbox creates a sandbox transport
func NewSandbox(st *CaptureStorage, cfg SandboxConfig, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Sandbox{
		storage:          st,
		logger:           logger,
		errorProbability: 0.1,
		rnd:              rand.Float64,
		now:              time.Now,
	}
	s.SetErrorSimulation(cfg.SimulateErrors, cfg.ErrorProbability)
	return s
}

// SetErrorSimulation enables/disables error simulation
func (s *Sandbox) SetErrorSimulation(enabled bool, probability float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.simulateErrors = enabled
	if probability > 0 && probability <= 1 {
		s.errorProbability = probability
	}
}

// Storage returns the capture storage
func (s *Sandbox) Storage() *CaptureStorage {
	return s.storage
}

// Deliver implements Transport
func (s *Sandbox) Deliver(ctx context.Context, r *recipient.Recipient, text string) error {
	capture := &Capture{
		ID:            uuid.New().String(),
		RecipientID:   r.ID,
		RecipientName: r.Name,
		Address:       r.Email,
		Content:       text,
		CapturedAt:    s.now(),
	}

	s.mu.Lock()
	fail := s.simulateErrors && s.rnd() < s.errorProbability
	var errMsg string
	if fail {
		errMsg = simulatedErrors[int(s.rnd()*float64(len(simulatedErrors)))%len(simulatedErrors)]
	}
	s.mu.Unlock()

	if fail {
		capture.SimulatedErr = errMsg
		if err := s.storage.Save(ctx, capture); err != nil {
			s.logger.Error("sandbox: failed to save capture", "error", err)
		}
		s.logger.Info("sandbox: simulated failure",
			"recipient_id", r.ID,
			"error", errMsg,
		)
		return &Error{Temporary: strings.HasPrefix(errMsg, "4"), Message: errMsg}
	}

	if err := s.storage.Save(ctx, capture); err != nil {
		return fmt.Errorf("sandbox: failed to save capture: %w", err)
	}

	s.logger.Info("sandbox: message captured",
		"id", capture.ID,
		"recipient_id", r.ID,
		"length", len(text),
	)
	return nil
}
