package config

import (
	"errors"
	"fmt"
)

// RoutesConfig is the ordered fallback chain. The first candidate is the primary.
type RoutesConfig struct {
	Candidates []CandidateConfig `yaml:"candidates"`
}

// CandidateConfig pairs a key pool with a provider.
type CandidateConfig struct {
	Name         string   `yaml:"name"`
	Provider     string   `yaml:"provider"`
	KeyEnv       []string `yaml:"key_env"`
	MinKeyLength int      `yaml:"min_key_length"`
	// DefaultModel is the low-cost model used when the caller names none.
	DefaultModel string `yaml:"default_model,omitempty"`
	// StreamModel overrides DefaultModel for streaming requests.
	StreamModel string `yaml:"stream_model,omitempty"`
	Disabled    bool   `yaml:"disabled,omitempty"`
}

// Validate checks that every candidate names a configured provider.
func (r *RoutesConfig) Validate(providers *ProvidersConfig) error {
	if len(r.Candidates) == 0 {
		return errors.New("routes: at least one candidate is required")
	}
	seen := make(map[string]bool, len(r.Candidates))
	for i, c := range r.Candidates {
		if c.Name == "" {
			return fmt.Errorf("routes: candidate %d has no name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("routes: duplicate candidate %q", c.Name)
		}
		seen[c.Name] = true
		if _, ok := providers.Providers[c.Provider]; !ok {
			return fmt.Errorf("routes: candidate %q references unknown provider %q", c.Name, c.Provider)
		}
		if len(c.KeyEnv) == 0 {
			return fmt.Errorf("routes: candidate %q has no key_env entries", c.Name)
		}
	}
	return nil
}
