// Package llm talks to an Ollama-compatible text generation service.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/logger"
)

// maxErrorBody caps how much of a failed response body ends up in an error
const maxErrorBody = 512

// ErrEmptyResponse is returned when the service answers without any text
var ErrEmptyResponse = errors.New("generation service returned an empty response")

// Options are the sampling parameters sent with every request
type Options struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

// Config configures the Ollama client
type Config struct {
	Host           string
	Model          string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	Options        Options
}

// DefaultConfig returns settings for a local Ollama instance
func DefaultConfig() Config {
	return Config{
		Host:           "http://localhost:11434",
		Model:          "gemma3",
		Timeout:        60 * time.Second,
		ConnectTimeout: 10 * time.Second,
		Options: Options{
			Temperature: 0.1,
			TopP:        0.9,
			NumPredict:  1000,
		},
	}
}

// OllamaClient issues non-streaming /api/generate calls
type OllamaClient struct {
	config Config
	client *http.Client
	logger *logger.Logger
}

type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Options Options `json:"options"`
}

type generateResponse struct {
	Model         string `json:"model"`
	Response      string `json:"response"`
	Done          bool   `json:"done"`
	EvalCount     int    `json:"eval_count"`
	TotalDuration int64  `json:"total_duration"`
}

// NewOllamaClient creates a client for the configured host
func NewOllamaClient(config Config, log *logger.Logger) *OllamaClient {
	if config.Host == "" {
		config.Host = DefaultConfig().Host
	}
	config.Host = strings.TrimRight(config.Host, "/")

	connectTimeout := config.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	return &OllamaClient{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   connectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: log.WithComponent("ollama"),
	}
}

// Model returns the configured model name
func (c *OllamaClient) Model() string {
	return c.config.Model
}

// Generate sends prompt to the model and returns its full reply
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(generateRequest{
		Model:   c.config.Model,
		Prompt:  prompt,
		Stream:  false,
		Options: c.config.Options,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", ErrEmptyResponse
	}

	c.logger.Debug("Generation completed",
		zap.String("model", c.config.Model),
		zap.Int("prompt_bytes", len(prompt)),
		zap.Int("eval_count", out.EvalCount),
		zap.Duration("duration", time.Since(start)),
	)

	return out.Response, nil
}
