// Package generator produces personalized message text from a recipient
// profile summary.
package generator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Provider names accepted in configuration
const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
	ProviderStatic = "static"
)

// DefaultTimeout bounds a single generation request
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a model response is read
const maxResponseBytes = 1 << 20

// Generator produces message text for a profile summary
type Generator interface {
	Generate(ctx context.Context, summary, modelID string) (string, error)
}

// ErrorKind classifies generation failures
type ErrorKind string

const (
	// KindConfiguration means the generator cannot work until the operator
	// fixes its settings (missing API key, unknown provider)
	KindConfiguration ErrorKind = "configuration"
	// KindUpstream means the remote model rejected or failed the request
	KindUpstream ErrorKind = "upstream"
	// KindEmpty means the model answered without usable text
	KindEmpty ErrorKind = "empty"
)

// Error is returned by every generator implementation
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is a configuration failure
func IsConfigurationError(err error) bool {
	var genErr *Error
	if errors.As(err, &genErr) {
		return genErr.Kind == KindConfiguration
	}
	return false
}

func configError(msg string) error {
	return &Error{Kind: KindConfiguration, Message: msg}
}

func upstreamError(msg string, err error) error {
	return &Error{Kind: KindUpstream, Message: msg, Err: err}
}

// Config contains generator settings
type Config struct {
	Provider string
	Timeout  time.Duration

	// DefaultModel is used when the caller passes an empty model ID
	DefaultModel string

	// Prompt overrides the built-in instructions. It must contain one %s
	// verb for the profile summary.
	Prompt string

	GeminiAPIKey  string
	GeminiBaseURL string

	OllamaBaseURL string

	StaticTemplates []string
}

// New creates a generator for the configured provider
func New(cfg Config) (Generator, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := &http.Client{Timeout: cfg.Timeout}

	switch strings.ToLower(cfg.Provider) {
	case ProviderGemini:
		return NewGemini(GeminiConfig{
			APIKey:       cfg.GeminiAPIKey,
			BaseURL:      cfg.GeminiBaseURL,
			DefaultModel: cfg.DefaultModel,
			Prompt:       cfg.Prompt,
		}, client), nil
	case ProviderOllama:
		return NewOllama(OllamaConfig{
			BaseURL:      cfg.OllamaBaseURL,
			DefaultModel: cfg.DefaultModel,
			Prompt:       cfg.Prompt,
		}, client), nil
	case ProviderStatic, "":
		return NewStatic(cfg.StaticTemplates), nil
	default:
		return nil, fmt.Errorf("unknown generator provider: %s", cfg.Provider)
	}
}
