// Package delivery hands composed messages to an outbound channel.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/recipient"
)

// Transport names accepted in configuration
const (
	TransportSandbox = "sandbox"
	TransportWebhook = "webhook"
	TransportSMTP    = "smtp"
)

// Transport delivers one message to one recipient.
// A nil error means the message was accepted; there is no partial success.
type Transport interface {
	Deliver(ctx context.Context, r *recipient.Recipient, text string) error
}

// Error represents a delivery error with type information
type Error struct {
	Temporary bool
	Message   string
}

func (e *Error) Error() string {
	return e.Message
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true // Assume temporary if unknown
}

func permanent(format string, args ...any) *Error {
	return &Error{Temporary: false, Message: fmt.Sprintf(format, args...)}
}

func temporary(format string, args ...any) *Error {
	return &Error{Temporary: true, Message: fmt.Sprintf(format, args...)}
}

// Config selects and configures the transport
type Config struct {
	Transport string
	Sandbox   SandboxConfig
	Webhook   WebhookConfig
	SMTP      SMTPConfig
}

// New creates the configured transport
func New(cfg Config, db *bolt.DB, logger *slog.Logger) (Transport, error) {
	switch strings.ToLower(cfg.Transport) {
	case TransportSandbox, "":
		st, err := NewCaptureStorage(db)
		if err != nil {
			return nil, err
		}
		return NewSandbox(st, cfg.Sandbox, logger), nil
	case TransportWebhook:
		return NewWebhook(cfg.Webhook, logger)
	case TransportSMTP:
		return NewSMTP(cfg.SMTP, logger)
	default:
		return nil, fmt.Errorf("unknown delivery transport: %s", cfg.Transport)
	}
}
