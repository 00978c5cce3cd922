package adapters

import (
	"context"

	"github.com/florejun0824/srcslmsstable-sub009/internal/keypool"
	"github.com/florejun0824/srcslmsstable-sub009/internal/types"
)

// ProviderAdapter translates a GenerationRequest into one provider's wire
// format and normalizes the reply. Failures are returned as *types.Failure.
// Adapters never touch quota state.
type ProviderAdapter interface {
	// Name is the provider key from providers.yaml.
	Name() string
	// Family is the wire protocol: gemini, openrouter, anthropic or huggingface.
	Family() string
	DefaultModel() string
	Invoke(ctx context.Context, req types.GenerationRequest, model string, cred keypool.Credential) (types.ProviderResult, error)
	InvokeStream(ctx context.Context, req types.GenerationRequest, model string, cred keypool.Credential) (Stream, error)
}

// Stream is a lazy, finite sequence of text chunks. Next returns io.EOF at a
// clean end and a *types.Failure (or the context error) when aborted.
// Close releases the upstream connection and may be called more than once.
type Stream interface {
	Next() (string, error)
	Close() error
}
