package config

import (
	"slices"
	"time"
)

type ProvidersConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one provider family. Credentials are not stored
// here; candidates name the environment variables holding them.
type ProviderConfig struct {
	Type             string            `yaml:"type"` // gemini, openrouter, anthropic, huggingface
	BaseURL          string            `yaml:"base_url"`
	APIVersion       string            `yaml:"api_version,omitempty"`
	DefaultModel     string            `yaml:"default_model"`
	AllowedModels    []string          `yaml:"allowed_models"`
	RequireAllowList bool              `yaml:"require_allow_list"`
	MaxOutputTokens  int               `yaml:"max_output_tokens"`
	MaxConcurrent    int               `yaml:"max_concurrent"`
	Timeout          time.Duration     `yaml:"timeout"`
	Headers          map[string]string `yaml:"headers,omitempty"`
}

// Allows reports whether an explicitly requested model may be sent to this provider.
func (p ProviderConfig) Allows(model string) bool {
	if slices.Contains(p.AllowedModels, model) {
		return true
	}
	return !p.RequireAllowList && len(p.AllowedModels) == 0
}
