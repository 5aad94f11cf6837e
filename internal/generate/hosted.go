package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const hostedMaxAttempts = 3

// HostedGenerator calls an OpenAI-style chat-completions HTTP API.
type HostedGenerator struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
	logger      *slog.Logger
}

// HostedOptions configures a HostedGenerator.
type HostedOptions struct {
	APIKey         string
	BaseURL        string // e.g. "https://api.openai.com/v1"
	Model          string
	Temperature    float64
	MaxTokens      int
	RequestTimeout time.Duration
}

// NewHosted creates a generator backed by a hosted model API.
func NewHosted(opts HostedOptions, logger *slog.Logger) *HostedGenerator {
	timeout := opts.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HostedGenerator{
		apiKey:      opts.APIKey,
		baseURL:     opts.BaseURL,
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		client:      &http.Client{Timeout: timeout},
		logger:      logger.With("component", "generate"),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends the prompt to the chat-completions endpoint. Transient
// failures are retried with a linear backoff, up to three attempts.
func (g *HostedGenerator) Generate(ctx context.Context, prompt string, gc Context) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= hostedMaxAttempts; attempt++ {
		reply, err := g.complete(ctx, prompt, gc)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		g.logger.Warn("generation attempt failed", "attempt", attempt, "error", err)
		if attempt == hostedMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return "", fmt.Errorf("generate response after %d attempts: %w", hostedMaxAttempts, lastErr)
}

func (g *HostedGenerator) complete(ctx context.Context, prompt string, gc Context) (string, error) {
	msgs := []chatMessage{{Role: "system", Content: "You are a terminal endpoint in a paired conversation. Reply concisely."}}
	for _, ex := range gc.History {
		role := "user"
		if ex.SenderID == gc.TerminalID {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: ex.Content})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       g.model,
		Messages:    msgs,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("model request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return "", fmt.Errorf("model API error (%d): %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("model API error: status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("model API returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
