package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florejun0824/srcslmsstable-sub009/internal/config"
)

func testProviders() *config.ProvidersConfig {
	return &config.ProvidersConfig{Providers: map[string]config.ProviderConfig{
		"gemini": {
			Type:          "gemini",
			DefaultModel:  "gemini-2.5-flash",
			AllowedModels: []string{"gemini-2.5-flash"},
		},
		"openrouter": {
			Type:             "openrouter",
			AllowedModels:    []string{"openai/gpt-oss-120b:free"},
			RequireAllowList: true,
		},
		"anthropic":   {Type: "anthropic"},
		"huggingface": {Type: "huggingface"},
	}}
}

func TestBuildFromConfig(t *testing.T) {
	registry, err := BuildFromConfig(testProviders())
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic", "gemini", "huggingface", "openrouter"}, registry.Names())

	a, ok := registry.Get("openrouter")
	require.True(t, ok)
	assert.Equal(t, "openrouter", a.Family())
	assert.Equal(t, "openai/gpt-oss-120b:free", a.DefaultModel())
}

func TestBuildFromConfig_UnknownType(t *testing.T) {
	_, err := BuildFromConfig(&config.ProvidersConfig{Providers: map[string]config.ProviderConfig{
		"mystery": {Type: "carrier-pigeon"},
	}})
	assert.ErrorContains(t, err, "unknown type")
}

func TestBuild_CandidatesFromEnv(t *testing.T) {
	t.Setenv("TEST_GEMINI_KEY", "AIzaSy-primary-key-0001")
	t.Setenv("TEST_GEMINI_KEY_DUP", "AIzaSy-primary-key-0001")
	t.Setenv("TEST_OPENROUTER_KEY", "short")

	routes := &config.RoutesConfig{Candidates: []config.CandidateConfig{
		{Name: "gemini-primary", Provider: "gemini", KeyEnv: []string{"TEST_GEMINI_KEY", "TEST_GEMINI_KEY_DUP"}, StreamModel: "gemini-1.5-flash-8b"},
		{Name: "gemini-spare", Provider: "gemini", KeyEnv: []string{"TEST_GEMINI_KEY"}, Disabled: true},
		{Name: "openrouter-primary", Provider: "openrouter", KeyEnv: []string{"TEST_OPENROUTER_KEY", "TEST_UNSET_KEY"}},
	}}

	candidates, err := Build(testProviders(), routes, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	g := candidates[0]
	assert.Equal(t, "gemini-primary", g.Name)
	assert.Equal(t, 1, g.Pool.Len(), "duplicate keys collapse")
	assert.Equal(t, "gemini-1.5-flash-8b", g.model("", true))
	assert.Equal(t, "gemini-2.5-flash", g.model("", false))
	assert.True(t, g.Policy.Allows("gemini-2.5-flash"))

	o := candidates[1]
	assert.Equal(t, "openrouter-primary", o.Name)
	assert.Equal(t, 0, o.Pool.Len(), "keys of ten characters or fewer are dropped")
	assert.False(t, o.Policy.Allows("gemini-2.5-flash"))
}

func TestBuildCandidates_UnregisteredProvider(t *testing.T) {
	_, err := BuildCandidates(NewRegistry(), testProviders(), &config.RoutesConfig{Candidates: []config.CandidateConfig{
		{Name: "x", Provider: "gemini", KeyEnv: []string{"NOPE"}},
	}}, nil)
	assert.ErrorContains(t, err, "not registered")
}
