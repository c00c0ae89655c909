package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultGeminiModel   = "gemini-2.5-flash"
)

// GeminiConfig contains Gemini API settings
type GeminiConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Prompt       string
}

// Gemini generates messages with the Gemini generateContent API
type Gemini struct {
	cfg    GeminiConfig
	client *http.Client
	prompt promptBuilder
}

// NewGemini creates a Gemini generator
func NewGemini(cfg GeminiConfig, client *http.Client) *Gemini {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultGeminiModel
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Gemini{cfg: cfg, client: client, prompt: newPromptBuilder(cfg.Prompt)}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Generate implements Generator
func (g *Gemini) Generate(ctx context.Context, summary, modelID string) (string, error) {
	if g.cfg.APIKey == "" {
		return "", configError("gemini API key is not configured")
	}
	if modelID == "" {
		modelID = g.cfg.DefaultModel
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(g.cfg.BaseURL, "/"), url.PathEscape(modelID), url.QueryEscape(g.cfg.APIKey))

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: g.prompt.build(summary)}}}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", upstreamError("gemini request failed", redactKey(err, g.cfg.APIKey))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", upstreamError("failed to read gemini response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &Error{Kind: KindConfiguration, Message: fmt.Sprintf("gemini rejected API key (%d)", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return "", upstreamError(fmt.Sprintf("gemini API error (%d): %s", resp.StatusCode, truncate(string(respBody), 200)), nil)
	}

	var result geminiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", upstreamError("failed to parse gemini response", err)
	}

	var sb strings.Builder
	if len(result.Candidates) > 0 {
		for _, p := range result.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", &Error{Kind: KindEmpty, Message: "gemini returned no text"}
	}
	return text, nil
}

// redactKey strips the API key from transport errors, which embed the URL
func redactKey(err error, key string) error {
	if key == "" {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), url.QueryEscape(key), "REDACTED")
	msg = strings.ReplaceAll(msg, key, "REDACTED")
	if msg == err.Error() {
		return err
	}
	return errors.New(msg)
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
