// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator service.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Providers    ProvidersConfig    `mapstructure:"providers"`
	Journal      JournalConfig      `mapstructure:"journal"`
	Modes        ModesConfig        `mapstructure:"modes"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// OrchestratorConfig holds engine configuration.
type OrchestratorConfig struct {
	DefaultMode string `mapstructure:"defaultMode"`
	MaxWorkers  int    `mapstructure:"maxWorkers"`
	QueueSize   int    `mapstructure:"queueSize"` // 0 = unbounded
}

// ProvidersConfig holds model provider configuration.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
}

// AnthropicConfig holds the cloud provider configuration.
type AnthropicConfig struct {
	APIKey       string  `mapstructure:"apiKey"`
	BaseURL      string  `mapstructure:"baseUrl"`
	DefaultModel string  `mapstructure:"defaultModel"`
	Temperature  float64 `mapstructure:"temperature"`
	MaxTokens    int     `mapstructure:"maxTokens"`
}

// OllamaConfig holds the local provider configuration.
type OllamaConfig struct {
	BaseURL      string `mapstructure:"baseUrl"`
	DefaultModel string `mapstructure:"defaultModel"`
	Timeout      int    `mapstructure:"timeout"` // in seconds
}

// TimeoutDuration returns the request timeout as a time.Duration.
func (o *OllamaConfig) TimeoutDuration() time.Duration {
	return time.Duration(o.Timeout) * time.Second
}

// JournalConfig holds the event journal configuration.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ModesConfig holds mode registry configuration.
type ModesConfig struct {
	// File is an optional YAML file with additional or overriding mode
	// presets. Built-in presets are always available.
	File string `mapstructure:"file"`
}

// Load reads configuration from defaults, an optional devflow.yaml file, and
// DEVFLOW_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("devflow")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devflow")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.devflow")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("DEVFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "devflow-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Orchestrator defaults
	v.SetDefault("orchestrator.defaultMode", "QUALITY")
	v.SetDefault("orchestrator.maxWorkers", 4)
	v.SetDefault("orchestrator.queueSize", 0)

	// Provider defaults
	v.SetDefault("providers.anthropic.apiKey", "")
	v.SetDefault("providers.anthropic.baseUrl", "https://api.anthropic.com")
	v.SetDefault("providers.anthropic.defaultModel", "claude-3-5-sonnet-20241022")
	v.SetDefault("providers.anthropic.temperature", 0.7)
	v.SetDefault("providers.anthropic.maxTokens", 4096)
	v.SetDefault("providers.ollama.baseUrl", "http://localhost:11434")
	v.SetDefault("providers.ollama.defaultModel", "codellama:7b")
	v.SetDefault("providers.ollama.timeout", 300)

	// Journal defaults
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.path", "devflow-events.db")

	// Mode registry defaults
	v.SetDefault("modes.file", "")
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVFLOW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}
