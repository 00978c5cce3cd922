package types

import (
	"errors"
	"strings"
)

var (
	ErrEmptyPrompt      = errors.New("prompt is required")
	ErrInvalidMaxTokens = errors.New("maxOutputTokens must be a positive integer")
)

// GenerateBody is the wire shape accepted by the generation endpoints.
type GenerateBody struct {
	Prompt          string `json:"prompt"`
	Model           string `json:"model,omitempty"`
	JSONMode        bool   `json:"jsonMode,omitempty"`
	MaxOutputTokens *int   `json:"maxOutputTokens,omitempty"`
}

// GenerationRequest is the validated, provider-agnostic request handed to the
// router. It is passed by value and never modified after construction.
type GenerationRequest struct {
	Prompt          string
	Model           string
	JSONMode        bool
	MaxOutputTokens int // 0 means provider default
	RequestID       string
}

// NewGenerationRequest validates a body and builds a GenerationRequest.
func NewGenerationRequest(body GenerateBody, requestID string) (GenerationRequest, error) {
	prompt := strings.TrimSpace(body.Prompt)
	if prompt == "" {
		return GenerationRequest{}, ErrEmptyPrompt
	}
	req := GenerationRequest{
		Prompt:    prompt,
		Model:     strings.TrimSpace(body.Model),
		JSONMode:  body.JSONMode,
		RequestID: requestID,
	}
	if body.MaxOutputTokens != nil {
		if *body.MaxOutputTokens <= 0 {
			return GenerationRequest{}, ErrInvalidMaxTokens
		}
		req.MaxOutputTokens = *body.MaxOutputTokens
	}
	return req, nil
}

// HasGenerationConfig reports whether any optional generation parameter was set.
func (r GenerationRequest) HasGenerationConfig() bool {
	return r.JSONMode || r.MaxOutputTokens > 0
}
