package router

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/florejun0824/srcslmsstable-sub009/internal/config"
	"github.com/florejun0824/srcslmsstable-sub009/internal/keypool"
	"github.com/florejun0824/srcslmsstable-sub009/internal/router/adapters"
)

// Registry holds one adapter per configured provider. Candidates sharing a
// provider share its adapter, and with it the concurrency cap.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]adapters.ProviderAdapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]adapters.ProviderAdapter),
	}
}

func (r *Registry) Register(name string, adapter adapters.ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
}

func (r *Registry) Get(name string) (adapters.ProviderAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewAdapter builds the adapter for a provider entry.
func NewAdapter(name string, cfg config.ProviderConfig) (adapters.ProviderAdapter, error) {
	client := adapters.NewHTTPClient(cfg.Timeout, cfg.MaxConcurrent)
	switch cfg.Type {
	case "gemini":
		return adapters.NewGeminiAdapter(name, cfg, client), nil
	case "openrouter":
		return adapters.NewOpenRouterAdapter(name, cfg, client), nil
	case "anthropic":
		return adapters.NewAnthropicAdapter(name, cfg, client), nil
	case "huggingface":
		return adapters.NewHuggingFaceAdapter(name, cfg, client), nil
	default:
		return nil, fmt.Errorf("provider %q: unknown type %q", name, cfg.Type)
	}
}

// BuildFromConfig builds provider adapters from the providers config.
func BuildFromConfig(provCfg *config.ProvidersConfig) (*Registry, error) {
	registry := NewRegistry()
	for name, cfg := range provCfg.Providers {
		adapter, err := NewAdapter(name, cfg)
		if err != nil {
			return nil, err
		}
		registry.Register(name, adapter)
	}
	return registry, nil
}

// BuildCandidates turns routes.yaml into the ordered chain, reading each
// candidate's credentials from the environment. Disabled candidates are
// dropped; candidates with no usable key stay in the chain so the router can
// report them.
func BuildCandidates(registry *Registry, provCfg *config.ProvidersConfig, routes *config.RoutesConfig, logger *slog.Logger) ([]*Candidate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	candidates := make([]*Candidate, 0, len(routes.Candidates))
	for _, rc := range routes.Candidates {
		if rc.Disabled {
			continue
		}
		adapter, ok := registry.Get(rc.Provider)
		if !ok {
			return nil, fmt.Errorf("candidate %q: provider %q is not registered", rc.Name, rc.Provider)
		}
		pool := keypool.FromEnv(rc.Name, rc.MinKeyLength, rc.KeyEnv...)
		if pool.Len() == 0 {
			logger.Warn("candidate has no usable credentials",
				"candidate", rc.Name,
				"key_env", rc.KeyEnv,
			)
		}
		candidates = append(candidates, &Candidate{
			Name:         rc.Name,
			Provider:     rc.Provider,
			Adapter:      adapter,
			Pool:         pool,
			Policy:       provCfg.Providers[rc.Provider],
			DefaultModel: rc.DefaultModel,
			StreamModel:  rc.StreamModel,
		})
	}
	return candidates, nil
}

// Build is BuildFromConfig followed by BuildCandidates. It runs at startup
// and on every config reload.
func Build(provCfg *config.ProvidersConfig, routes *config.RoutesConfig, logger *slog.Logger) ([]*Candidate, error) {
	registry, err := BuildFromConfig(provCfg)
	if err != nil {
		return nil, fmt.Errorf("build provider registry: %w", err)
	}
	candidates, err := BuildCandidates(registry, provCfg, routes, logger)
	if err != nil {
		return nil, fmt.Errorf("build candidates: %w", err)
	}
	return candidates, nil
}
