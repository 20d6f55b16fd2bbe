// Package provider defines the model provider abstraction used by agent
// execution.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrProviderNotFound is returned when a provider name is not registered.
var ErrProviderNotFound = errors.New("provider not found")

// GenerateOptions carries per-call generation parameters.
type GenerateOptions struct {
	Model       string
	System      string
	Temperature float64
	MaxTokens   int
}

// Result is the outcome of a single generation call.
type Result struct {
	Content      string
	Model        string
	TokensInput  int
	TokensOutput int
	Cost         float64
	Duration     time.Duration
	FinishReason string
}

// TotalTokens returns input plus output tokens.
func (r *Result) TotalTokens() int {
	return r.TokensInput + r.TokensOutput
}

// Provider is a model backend capable of executing prompts.
type Provider interface {
	// Name returns the registry name, e.g. "claude" or "ollama".
	Name() string
	// Generate runs a prompt against a model and returns the result.
	// Implementations must honor ctx cancellation.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Result, error)
	// Healthy reports whether the backend is reachable.
	Healthy(ctx context.Context) error
}

// Registry holds the configured providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. A later registration with the same name wins.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider for a name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCheck probes every registered provider and returns a map of
// provider name to probe error (nil when healthy).
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(providers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			err := p.Healthy(ctx)
			mu.Lock()
			results[p.Name()] = err
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return results
}
