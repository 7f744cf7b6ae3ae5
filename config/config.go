// Package config defines the orchestrator's configuration surface and loads
// it from a YAML file with environment-variable overrides, following the
// enumerated schema in the external-interfaces contract: unrecognized keys
// are a startup error, not silently ignored.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full, enumerated configuration surface.
type Config struct {
	Server ServerConfig `yaml:"server"`
	LLM    LLMConfig    `yaml:"llm"`
	Search SearchConfig `yaml:"search"`
	Engine EngineConfig `yaml:"engine"`
	Store  StoreConfig  `yaml:"store"`
	CORS   CORSConfig   `yaml:"cors"`
	Log    LogConfig    `yaml:"log"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Provider enumerates the LLM Gateway's routing modes.
type Provider string

const (
	ProviderLocal        Provider = "local"
	ProviderOpenAICompat Provider = "openai-compatible"
	ProviderHybrid       Provider = "hybrid"
)

// LLMConfig is the C1 LLM Gateway configuration surface.
type LLMConfig struct {
	Provider         Provider          `yaml:"provider"`
	Endpoints        map[string]string `yaml:"endpoints"`
	Model            string            `yaml:"model"`
	APIKey           string            `yaml:"api_key"`
	PerStageOverride map[string]string `yaml:"per_stage"`
	RequestTimeoutMS int               `yaml:"request_timeout_ms"`
	StreamEnabled    bool              `yaml:"stream_enabled"`
}

// SearchConfig is the C2 Search Gateway configuration surface.
type SearchConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	MaxResults int    `yaml:"max_results"`
	RedisAddr  string `yaml:"redis_addr"`
}

// EngineConfig is the C6/C7 engine and scheduler configuration surface.
type EngineConfig struct {
	MaxIterations      int `yaml:"max_iterations"`
	SlotTimeoutMS      int `yaml:"slot_timeout_ms"`
	ContentTruncation  int `yaml:"content_truncation"`
	MaxSnippetTokens   int `yaml:"max_snippet_tokens"`
	ProgressBufferSize int `yaml:"progress_buffer_size"`
}

// StoreConfig selects and configures the C4 Session Store backend.
type StoreConfig struct {
	URL string `yaml:"url"`
}

// CORSConfig lists accepted callers for the HTTP surface.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig controls the OTel SDK's trace/metric export. Disabled by
// default: the orchestrator runs with no external collector until one is
// configured.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Default returns the configuration used when no file and no environment
// overrides are present: a file-backed store, a degraded search gateway,
// and a single local LLM provider.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsAddr:     ":9090",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		LLM: LLMConfig{
			Provider:         ProviderLocal,
			Endpoints:        map[string]string{"local": "http://localhost:11434/v1"},
			Model:            "llama3",
			RequestTimeoutMS: 60_000,
			StreamEnabled:    true,
		},
		Search: SearchConfig{
			MaxResults: 5,
		},
		Engine: EngineConfig{
			MaxIterations:      6,
			SlotTimeoutMS:      120_000,
			ContentTruncation:  500,
			MaxSnippetTokens:   400,
			ProgressBufferSize: 64,
		},
		Store: StoreConfig{
			URL: "file://./data/sessions",
		},
		Log: LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "deepresearch-orchestrator",
			SampleRate:  0.1,
		},
	}
}

// Validate checks the enumerated constraints the configuration surface
// promises; it is run once at startup, never on a hot-reload path — the
// orchestrator has no live-reload requirement.
func (c *Config) Validate() error {
	var errs []string

	switch c.LLM.Provider {
	case ProviderLocal, ProviderOpenAICompat, ProviderHybrid:
	default:
		errs = append(errs, fmt.Sprintf("llm.provider: unrecognized value %q", c.LLM.Provider))
	}
	if len(c.LLM.Endpoints) == 0 {
		errs = append(errs, "llm.endpoints: at least one endpoint required")
	}
	if c.LLM.RequestTimeoutMS <= 0 {
		errs = append(errs, "llm.request_timeout_ms must be positive")
	}

	if c.Search.MaxResults <= 0 {
		c.Search.MaxResults = 5
	}

	if c.Engine.MaxIterations <= 0 {
		errs = append(errs, "engine.max_iterations must be positive")
	}
	if c.Engine.SlotTimeoutMS <= 0 {
		errs = append(errs, "engine.slot_timeout_ms must be positive")
	}
	if c.Engine.ContentTruncation <= 0 {
		errs = append(errs, "engine.content_truncation must be positive")
	}

	if c.Store.URL == "" {
		errs = append(errs, "store.url must be set")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level: unrecognized value %q", c.Log.Level))
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			errs = append(errs, "telemetry.otlp_endpoint must be set when telemetry.enabled is true")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
