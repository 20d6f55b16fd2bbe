package provider

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type fakeProvider struct {
	name      string
	healthErr error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Result, error) {
	return &Result{Content: "ok", Model: opts.Model}, nil
}

func (f *fakeProvider) Healthy(ctx context.Context) error { return f.healthErr }

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeProvider{name: "claude"})

	p, err := r.Get("claude")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.Name() != "claude" {
		t.Errorf("unexpected provider %s", p.Name())
	}

	if _, err := r.Get("missing"); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeProvider{name: "ollama"})
	r.Register(&fakeProvider{name: "claude"})

	if got := r.Names(); !reflect.DeepEqual(got, []string{"claude", "ollama"}) {
		t.Errorf("unexpected names %v", got)
	}
}

func TestHealthCheck(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeProvider{name: "claude"})
	r.Register(&fakeProvider{name: "ollama", healthErr: errors.New("connection refused")})

	results := r.HealthCheck(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results["claude"] != nil {
		t.Errorf("claude should be healthy, got %v", results["claude"])
	}
	if results["ollama"] == nil {
		t.Error("ollama should report its probe error")
	}
}

func TestResultTotalTokens(t *testing.T) {
	r := &Result{TokensInput: 100, TokensOutput: 50}
	if r.TotalTokens() != 150 {
		t.Errorf("expected 150, got %d", r.TotalTokens())
	}
}
