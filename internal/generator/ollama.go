package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaModel   = "llama3"
)

// OllamaConfig contains Ollama settings
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	Prompt       string
}

// Ollama generates messages with a local Ollama server
type Ollama struct {
	cfg    OllamaConfig
	client *http.Client
	prompt promptBuilder
}

// NewOllama creates an Ollama generator
func NewOllama(cfg OllamaConfig, client *http.Client) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOllamaModel
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Ollama{cfg: cfg, client: client, prompt: newPromptBuilder(cfg.Prompt)}
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate implements Generator
func (o *Ollama) Generate(ctx context.Context, summary, modelID string) (string, error) {
	if modelID == "" {
		modelID = o.cfg.DefaultModel
	}

	body, err := json.Marshal(ollamaRequest{
		Model:   modelID,
		Prompt:  o.prompt.build(summary),
		Stream:  false,
		Options: map[string]any{"temperature": 0.7},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimRight(o.cfg.BaseURL, "/") + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", upstreamError("ollama request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", upstreamError("failed to read ollama response", err)
	}

	var result ollamaResponse
	if resp.StatusCode != http.StatusOK {
		msg := truncate(string(respBody), 200)
		if json.Unmarshal(respBody, &result) == nil && result.Error != "" {
			msg = result.Error
		}
		if resp.StatusCode == http.StatusNotFound {
			return "", &Error{Kind: KindConfiguration, Message: fmt.Sprintf("ollama model %q not available: %s", modelID, msg)}
		}
		return "", upstreamError(fmt.Sprintf("ollama API error (%d): %s", resp.StatusCode, msg), nil)
	}

	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", upstreamError("failed to parse ollama response", err)
	}

	text := strings.TrimSpace(result.Response)
	if text == "" {
		return "", &Error{Kind: KindEmpty, Message: "ollama returned no text"}
	}
	return text, nil
}
