package builder

import (
	"fmt"

	"meshnerd/internal/config"
	"meshnerd/internal/history"
	"meshnerd/internal/quota"
	"meshnerd/internal/scad"
	"meshnerd/internal/usage"
	"meshnerd/internal/vision"
)

// FromConfig assembles a Builder and all its collaborators from runtime
// configuration. workspace is the directory holding .meshnerd state.
// The returned Builder owns the tracker and history store; Close releases
// them.
func FromConfig(cfg *config.Config, workspace string) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend, err := backendFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	quotas, err := controllerFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	compiler, err := scad.NewCompilerWithConfig(scad.CompilerConfig{
		Binary:  cfg.Scad.Binary,
		Timeout: cfg.GetScadTimeout(),
	})
	if err != nil {
		return nil, err
	}

	tracker, err := usage.NewTracker(workspace)
	if err != nil {
		return nil, err
	}

	store, err := history.NewStore(workspace)
	if err != nil {
		return nil, err
	}

	return New(Config{
		Backend:              backend,
		Quotas:               quotas,
		Compiler:             compiler,
		Usage:                tracker,
		History:              store,
		OutputDir:            cfg.Builder.OutputDir,
		MaxImageBytes:        cfg.Builder.MaxImageBytes,
		FallbackModel:        cfg.Builder.FallbackModel,
		CollapseCylinderDims: cfg.Builder.CollapseCylinderDims,
	})
}

// backendFromConfig picks and configures the vision backend.
func backendFromConfig(cfg *config.Config) (vision.Backend, error) {
	switch cfg.Provider {
	case "anthropic":
		ac := vision.DefaultAnthropicConfig(cfg.Anthropic.APIKey)
		if cfg.Anthropic.Model != "" {
			ac.Model = cfg.Anthropic.Model
		}
		if cfg.Anthropic.BaseURL != "" {
			ac.BaseURL = cfg.Anthropic.BaseURL
		}
		if cfg.Anthropic.MaxTokens > 0 {
			ac.MaxTokens = cfg.Anthropic.MaxTokens
		}
		ac.Timeout = cfg.GetAnthropicTimeout()
		return vision.NewAnthropicBackendWithConfig(ac), nil
	case "gemini":
		gc := vision.DefaultGeminiConfig(cfg.Gemini.APIKey)
		if cfg.Gemini.Model != "" {
			gc.Model = cfg.Gemini.Model
		}
		if cfg.Gemini.MaxOutputTokens > 0 {
			gc.MaxOutputTokens = cfg.Gemini.MaxOutputTokens
		}
		return vision.NewGeminiBackendWithConfig(gc)
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

// controllerFromConfig builds the admission controller: the provider's
// stock quota set with configured capacities layered on top. Config can
// tighten or widen a quota the provider meters; it cannot add a
// dimension the provider doesn't.
func controllerFromConfig(cfg *config.Config) (*quota.Controller, error) {
	var defaults []quota.Config
	switch cfg.Provider {
	case "anthropic":
		defaults = quota.AnthropicDefaults()
	case "gemini":
		defaults = quota.GeminiDefaults()
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}

	overrides := map[string]int64{
		quota.InputTokens:  cfg.Quotas.InputTokensPerMinute,
		quota.OutputTokens: cfg.Quotas.OutputTokensPerMinute,
		quota.Requests:     cfg.Quotas.RequestsPerMinute,
	}
	window := cfg.GetQuotaWindow()

	quotas := make([]quota.Config, 0, len(defaults))
	for _, qc := range defaults {
		if v := overrides[qc.Name]; v > 0 {
			qc.Capacity = v
		}
		qc.Window = window
		quotas = append(quotas, qc)
	}

	return quota.NewController(quota.ControllerConfig{
		Provider: cfg.Provider,
		Quotas:   quotas,
	})
}
