package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/outreach/internal/recipient"
)

// WebhookConfig contains webhook transport settings
type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	// RatePerSecond throttles outbound requests. Zero disables throttling.
	RatePerSecond float64
	Burst         int
}

// WebhookPayload is the JSON body posted for every message
type WebhookPayload struct {
	RecipientID   string    `json:"recipient_id"`
	RecipientName string    `json:"recipient_name"`
	Email         string    `json:"email,omitempty"`
	ProfileURL    string    `json:"profile_url,omitempty"`
	Text          string    `json:"text"`
	SentAt        time.Time `json:"sent_at"`
}

// Webhook posts messages to an HTTP endpoint that performs the actual send
type Webhook struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewWebhook creates a webhook transport
func NewWebhook(cfg WebhookConfig, logger *slog.Logger) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	w := &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return w, nil
}

// Deliver implements Transport
func (w *Webhook) Deliver(ctx context.Context, r *recipient.Recipient, text string) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return temporary("webhook throttle wait: %v", err)
		}
	}

	body, err := json.Marshal(WebhookPayload{
		RecipientID:   r.ID,
		RecipientName: r.Name,
		Email:         r.Email,
		ProfileURL:    r.ProfileURL,
		Text:          text,
		SentAt:        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return permanent("invalid webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return temporary("webhook request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		w.logger.Debug("webhook delivered", "recipient_id", r.ID, "status", resp.StatusCode)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return temporary("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	default:
		return permanent("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
}
