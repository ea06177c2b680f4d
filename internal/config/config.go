// =============================================================================
// CONFIG - RUNTIME CONFIGURATION
// =============================================================================
// Configuration lives in .meshnerd/config.yaml under the workspace. Missing
// file means defaults. Environment variables override the file so API keys
// never have to be written to disk.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all meshNERD configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Active model provider: anthropic or gemini
	Provider string `yaml:"provider"`

	// Provider backends
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Gemini    GeminiConfig    `yaml:"gemini"`

	// Admission control
	Quotas QuotasConfig `yaml:"quotas"`

	// Generation pipeline
	Builder BuilderConfig `yaml:"builder"`

	// OpenSCAD toolchain
	Scad ScadConfig `yaml:"scad"`

	// HTTP API
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	Timeout   string `yaml:"timeout"`
	MaxTokens int    `yaml:"max_tokens"`
}

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	MaxOutputTokens int32  `yaml:"max_output_tokens"`
}

// QuotasConfig overrides the per-provider admission quotas.
// Zero values mean the provider's built-in limits apply.
type QuotasConfig struct {
	InputTokensPerMinute  int64  `yaml:"input_tokens_per_minute"`
	OutputTokensPerMinute int64  `yaml:"output_tokens_per_minute"`
	RequestsPerMinute     int64  `yaml:"requests_per_minute"`
	Window                string `yaml:"window"`
}

// BuilderConfig configures the generation pipeline.
type BuilderConfig struct {
	OutputDir            string `yaml:"output_dir"`
	FallbackModel        bool   `yaml:"fallback_model"`
	CollapseCylinderDims bool   `yaml:"collapse_cylinder_dims"`
	MaxImageBytes        int64  `yaml:"max_image_bytes"`
}

// ScadConfig configures the OpenSCAD toolchain.
type ScadConfig struct {
	// Binary is the openscad executable. Empty means auto-locate.
	Binary  string `yaml:"binary"`
	Timeout string `yaml:"timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen         string `yaml:"listen"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// LoggingConfig configures categorized debug logging.
// Field tags must stay in sync with the mirror in internal/logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:     "meshNERD",
		Version:  "1.0.0",
		Provider: "anthropic",

		Anthropic: AnthropicConfig{
			Model:     "claude-3-7-sonnet-20250219",
			BaseURL:   "https://api.anthropic.com/v1",
			Timeout:   "120s",
			MaxTokens: 1000,
		},

		Gemini: GeminiConfig{
			Model:           "gemini-2.0-flash",
			MaxOutputTokens: 2048,
		},

		Quotas: QuotasConfig{
			Window: "60s",
		},

		Builder: BuilderConfig{
			OutputDir:     "output",
			MaxImageBytes: 20 * 1024 * 1024,
		},

		Scad: ScadConfig{
			Timeout: "120s",
		},

		Server: ServerConfig{
			Listen:         ":8080",
			MaxUploadBytes: 32 * 1024 * 1024,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Dir returns the .meshnerd state directory under a workspace.
func Dir(workspace string) string {
	return filepath.Join(workspace, ".meshnerd")
}

// DefaultPath returns the default path to .meshnerd/config.yaml.
func DefaultPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return filepath.Join(".meshnerd", "config.yaml")
	}
	return filepath.Join(cwd, ".meshnerd", "config.yaml")
}

// Load loads configuration from a YAML file.
// A missing file yields defaults. Environment overrides always apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Anthropic.APIKey = key
	}

	// GOOGLE_API_KEY is the legacy name, GEMINI_API_KEY wins
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.Gemini.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Gemini.APIKey = key
	}

	if provider := os.Getenv("MESHNERD_PROVIDER"); provider != "" {
		c.Provider = provider
	}
	if listen := os.Getenv("MESHNERD_LISTEN"); listen != "" {
		c.Server.Listen = listen
	}
	if dir := os.Getenv("MESHNERD_OUTPUT_DIR"); dir != "" {
		c.Builder.OutputDir = dir
	}
	if binary := os.Getenv("OPENSCAD_PATH"); binary != "" {
		c.Scad.Binary = binary
	}
}

// ValidProviders lists all supported model providers.
var ValidProviders = []string{"anthropic", "gemini"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid provider: %s (valid: %v)", c.Provider, ValidProviders)
	}

	switch c.Provider {
	case "anthropic":
		if c.Anthropic.APIKey == "" {
			return fmt.Errorf("Anthropic API key not configured (set ANTHROPIC_API_KEY or anthropic.api_key)")
		}
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("Gemini API key not configured (set GEMINI_API_KEY, GOOGLE_API_KEY, or gemini.api_key)")
		}
	}

	if c.Builder.MaxImageBytes <= 0 {
		return fmt.Errorf("builder.max_image_bytes must be positive")
	}

	return nil
}

// GetAnthropicTimeout returns the Anthropic request timeout as a duration.
func (c *Config) GetAnthropicTimeout() time.Duration {
	d, err := time.ParseDuration(c.Anthropic.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetScadTimeout returns the OpenSCAD render timeout as a duration.
func (c *Config) GetScadTimeout() time.Duration {
	d, err := time.ParseDuration(c.Scad.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetQuotaWindow returns the admission window as a duration.
func (c *Config) GetQuotaWindow() time.Duration {
	d, err := time.ParseDuration(c.Quotas.Window)
	if err != nil {
		return time.Minute
	}
	return d
}
