package types

import "strings"

// ProviderResult is a successful provider invocation.
type ProviderResult struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// GenerateResponse is the JSON body returned by POST /v1/generate.
type GenerateResponse struct {
	Text      string `json:"text"`
	Model     string `json:"model,omitempty"`
	Provider  string `json:"provider,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// StripJSONFences removes a surrounding ```json ... ``` block that models
// tend to emit even when asked for raw JSON.
func StripJSONFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimPrefix(t, "json")
	t = strings.TrimPrefix(t, "JSON")
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
