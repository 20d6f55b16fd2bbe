// Package ollama implements the local model provider over the Ollama HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/provider"
)

// Client talks to a local Ollama daemon. Local inference bills at zero cost.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a client from config.
func NewClient(cfg config.OllamaConfig, log *logger.Logger) *Client {
	model := cfg.DefaultModel
	if model == "" {
		model = "codellama:7b"
	}
	timeout := cfg.TimeoutDuration()
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithComponent("provider.ollama"),
	}
}

// Name implements provider.Provider.
func (c *Client) Name() string { return "ollama" }

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Response        string `json:"response"`
	Model           string `json:"model"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
}

// Generate implements provider.Provider.
func (c *Client) Generate(ctx context.Context, prompt string, opts provider.GenerateOptions) (*provider.Result, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	reqBody := generateRequest{
		Model:  model,
		Prompt: prompt,
		System: opts.System,
		Stream: false,
		Options: generateOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		},
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama api error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &provider.Result{
		Content:      out.Response,
		Model:        model,
		TokensInput:  out.PromptEvalCount,
		TokensOutput: out.EvalCount,
		Cost:         0, // local models are free
		Duration:     time.Since(start),
		FinishReason: out.DoneReason,
	}

	c.logger.Debug("generation complete",
		zap.String("model", model),
		zap.Int("tokens_input", result.TokensInput),
		zap.Int("tokens_output", result.TokensOutput),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// Healthy implements provider.Provider by probing the tags endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Models lists the models the daemon has pulled.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama api error: status %d", resp.StatusCode)
	}

	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	names := make([]string, 0, len(out.Models))
	for _, m := range out.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
