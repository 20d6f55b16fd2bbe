// Package modes provides the read-only registry of execution mode presets.
package modes

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// ErrUnknownMode is returned when a mode name is not registered.
var ErrUnknownMode = errors.New("unknown mode")

// Built-in mode names.
const (
	ModeSpeed    = "SPEED"
	ModeQuality  = "QUALITY"
	ModeAutonomy = "AUTONOMY"
	ModeCost     = "COST"
)

// Registry is a read-only lookup from mode name to mode config. It is fully
// populated at construction time and never mutated afterwards, so lookups
// need no locking.
type Registry struct {
	configs map[string]v1.ModeConfig
}

// NewRegistry creates a registry with the built-in presets.
func NewRegistry() *Registry {
	return &Registry{configs: builtinModes()}
}

// NewRegistryFromFile creates a registry with the built-in presets merged
// with (and overridden by) modes from a YAML file.
func NewRegistryFromFile(path string) (*Registry, error) {
	configs := builtinModes()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read modes file: %w", err)
	}

	var overlay map[string]v1.ModeConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse modes file: %w", err)
	}

	for name, cfg := range overlay {
		cfg.Name = name
		configs[name] = cfg
	}

	return &Registry{configs: configs}, nil
}

// Get returns a copy of the config for the given mode.
func (r *Registry) Get(name string) (v1.ModeConfig, error) {
	cfg, ok := r.configs[name]
	if !ok {
		return v1.ModeConfig{}, fmt.Errorf("%w: %s", ErrUnknownMode, name)
	}
	return cfg.Clone(), nil
}

// Has reports whether a mode is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.configs[name]
	return ok
}

// Names returns all registered mode names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func builtinModes() map[string]v1.ModeConfig {
	return map[string]v1.ModeConfig{
		ModeSpeed: {
			Name:                 ModeSpeed,
			DecompositionDepth:   "shallow",
			ParallelizationLevel: "aggressive",
			ValidationDepth:      "minimal",
			PrimaryModel:         v1.ModelRef{Provider: "claude", Model: "claude-3-5-sonnet-20241022"},
			FallbackModel:        v1.ModelRef{Provider: "ollama", Model: "codellama:7b"},
			RequiredAgents:       []string{"implement"},
			OptionalAgents:       []string{},
			TaskTimeoutMs:        300000,
			MaxRetries:           1,
		},
		ModeQuality: {
			Name:                  ModeQuality,
			DecompositionDepth:    "deep",
			ParallelizationLevel:  "balanced",
			ValidationDepth:       "comprehensive",
			RequiresHumanApproval: true,
			PrimaryModel:          v1.ModelRef{Provider: "claude", Model: "claude-opus-4-5-20251101"},
			FallbackModel:         v1.ModelRef{Provider: "claude", Model: "claude-3-5-sonnet-20241022"},
			RequiredAgents:        []string{"concept", "architect", "implement", "test", "review", "docs"},
			OptionalAgents:        []string{"security", "optimize"},
			TaskTimeoutMs:         900000,
			MaxRetries:            3,
		},
		ModeAutonomy: {
			Name:                 ModeAutonomy,
			DecompositionDepth:   "deep",
			ParallelizationLevel: "balanced",
			ValidationDepth:      "standard",
			PrimaryModel:         v1.ModelRef{Provider: "claude", Model: "claude-opus-4-5-20251101"},
			FallbackModel:        v1.ModelRef{Provider: "claude", Model: "claude-3-5-sonnet-20241022"},
			RequiredAgents:       []string{"concept", "architect", "implement", "test", "review", "docs", "deploy"},
			OptionalAgents:       []string{"security", "optimize"},
			TaskTimeoutMs:        1200000,
			MaxRetries:           3,
		},
		ModeCost: {
			Name:                 ModeCost,
			DecompositionDepth:   "shallow",
			ParallelizationLevel: "conservative",
			ValidationDepth:      "minimal",
			PrimaryModel:         v1.ModelRef{Provider: "ollama", Model: "codellama:7b"},
			FallbackModel:        v1.ModelRef{Provider: "claude", Model: "claude-3-5-haiku-20241022"},
			RequiredAgents:       []string{"implement", "test"},
			OptionalAgents:       []string{},
			TaskTimeoutMs:        600000,
			MaxRetries:           2,
			CostLimit:            1.0,
		},
	}
}
