// Package anthropic implements the cloud model provider over the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/provider"
)

const (
	apiVersion     = "2023-06-01"
	defaultModel   = "claude-3-5-sonnet-20241022"
	healthModel    = "claude-3-5-haiku-20241022"
	requestTimeout = 120 * time.Second
)

// modelPricing is USD per 1000 tokens.
type modelPricing struct {
	input  float64
	output float64
}

var pricing = map[string]modelPricing{
	"claude-opus-4-5-20251101":   {input: 0.015, output: 0.075},
	"claude-3-5-sonnet-20241022": {input: 0.003, output: 0.015},
	"claude-3-5-haiku-20241022":  {input: 0.0008, output: 0.004},
	"claude-3-opus-20240229":     {input: 0.015, output: 0.075},
	"claude-3-sonnet-20240229":   {input: 0.003, output: 0.015},
	"claude-3-haiku-20240307":    {input: 0.00025, output: 0.00125},
}

// Unknown models bill at sonnet rates.
var fallbackPricing = modelPricing{input: 0.003, output: 0.015}

// Client talks to the Anthropic Messages API.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	logger      *logger.Logger
}

// NewClient creates a client from config. The API key is required.
func NewClient(cfg config.AnthropicConfig, log *logger.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key not configured")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     cfg.BaseURL,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{Timeout: requestTimeout},
		logger:      log.WithComponent("provider.claude"),
	}, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return "claude" }

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate implements provider.Provider.
func (c *Client) Generate(ctx context.Context, prompt string, opts provider.GenerateOptions) (*provider.Result, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	reqBody := messagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		System:      opts.System,
		Messages:    []message{{Role: "user", Content: prompt}},
	}

	start := time.Now()
	resp, err := c.post(ctx, reqBody)
	if err != nil {
		return nil, err
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	result := &provider.Result{
		Content:      content,
		Model:        resp.Model,
		TokensInput:  resp.Usage.InputTokens,
		TokensOutput: resp.Usage.OutputTokens,
		Cost:         Cost(model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		Duration:     time.Since(start),
		FinishReason: resp.StopReason,
	}

	c.logger.Debug("generation complete",
		zap.String("model", model),
		zap.Int("tokens_input", result.TokensInput),
		zap.Int("tokens_output", result.TokensOutput),
		zap.Float64("cost", result.Cost),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// Healthy implements provider.Provider by sending a minimal message.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.post(ctx, messagesRequest{
		Model:     healthModel,
		MaxTokens: 10,
		Messages:  []message{{Role: "user", Content: "Hi"}},
	})
	return err
}

func (c *Client) post(ctx context.Context, body messagesRequest) (*messagesResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.Error.Message != "" {
			return nil, fmt.Errorf("anthropic api error (%d): %s", resp.StatusCode, ae.Error.Message)
		}
		return nil, fmt.Errorf("anthropic api error: status %d", resp.StatusCode)
	}

	var out messagesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Cost computes the USD cost of a call from the per-1K-token price table.
func Cost(model string, tokensInput, tokensOutput int) float64 {
	p, ok := pricing[model]
	if !ok {
		p = fallbackPricing
	}
	return float64(tokensInput)/1000*p.input + float64(tokensOutput)/1000*p.output
}
