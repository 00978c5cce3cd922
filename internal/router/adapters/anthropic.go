package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/florejun0824/srcslmsstable-sub009/internal/config"
	"github.com/florejun0824/srcslmsstable-sub009/internal/keypool"
	"github.com/florejun0824/srcslmsstable-sub009/internal/types"
)

const (
	anthropicDefaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicDefaultVersion   = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
	anthropicJSONInstruction  = "Respond with a single valid JSON document and nothing else."
)

// AnthropicAdapter handles communication with the Anthropic Messages API.
type AnthropicAdapter struct {
	name    string
	cfg     config.ProviderConfig
	client  *http.Client
	limiter limiter
}

func NewAnthropicAdapter(name string, cfg config.ProviderConfig, client *http.Client) *AnthropicAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = anthropicDefaultVersion
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = anthropicDefaultMaxTokens
	}
	return &AnthropicAdapter{name: name, cfg: cfg, client: client, limiter: newLimiter(cfg.MaxConcurrent)}
}

func (a *AnthropicAdapter) Name() string         { return a.name }
func (a *AnthropicAdapter) Family() string       { return "anthropic" }
func (a *AnthropicAdapter) DefaultModel() string { return a.cfg.DefaultModel }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequestBody struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicResponseBody struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func (a *AnthropicAdapter) newRequest(ctx context.Context, req types.GenerationRequest, model string, cred keypool.Credential, stream bool) (*http.Request, error) {
	maxTokens := a.cfg.MaxOutputTokens
	if req.MaxOutputTokens > 0 {
		maxTokens = req.MaxOutputTokens
	}
	body := anthropicRequestBody{
		Model:     model,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: maxTokens,
		Stream:    stream,
	}
	// The Messages API has no JSON response mode.
	if req.JSONMode {
		body.System = anthropicJSONInstruction
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", string(cred))
	httpReq.Header.Set("anthropic-version", a.cfg.APIVersion)
	for k, v := range a.cfg.Headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}
	return httpReq, nil
}

func (a *AnthropicAdapter) do(ctx context.Context, httpReq *http.Request) (*http.Response, error) {
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportFailure(ctx, a.name, err)
	}
	if err := checkResponse(a.name, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (a *AnthropicAdapter) Invoke(ctx context.Context, req types.GenerationRequest, model string, cred keypool.Credential) (types.ProviderResult, error) {
	release, err := a.limiter.acquire(ctx)
	if err != nil {
		return types.ProviderResult{}, err
	}
	defer release()

	httpReq, err := a.newRequest(ctx, req, model, cred, false)
	if err != nil {
		return types.ProviderResult{}, err
	}
	resp, err := a.do(ctx, httpReq)
	if err != nil {
		return types.ProviderResult{}, err
	}
	defer resp.Body.Close()

	var antResp anthropicResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&antResp); err != nil {
		return types.ProviderResult{}, decodeFailure(a.name, err)
	}

	var text string
	for _, block := range antResp.Content {
		if block.Type == "text" && block.Text != "" {
			text = block.Text
			break
		}
	}
	if text == "" {
		if antResp.StopReason == "refusal" {
			return types.ProviderResult{}, types.NewFailure(types.KindSafetyBlocked, a.name, "model refused the request")
		}
		return types.ProviderResult{}, types.NewFailure(types.KindEmptyResponse, a.name, "no text in response, stop reason "+antResp.StopReason)
	}

	return types.ProviderResult{
		Text:         text,
		Model:        antResp.Model,
		Provider:     a.name,
		FinishReason: mapStopReason(antResp.StopReason),
	}, nil
}

func (a *AnthropicAdapter) InvokeStream(ctx context.Context, req types.GenerationRequest, model string, cred keypool.Credential) (Stream, error) {
	release, err := a.limiter.acquire(ctx)
	if err != nil {
		return nil, err
	}
	httpReq, err := a.newRequest(ctx, req, model, cred, true)
	if err != nil {
		release()
		return nil, err
	}
	resp, err := a.do(ctx, httpReq)
	if err != nil {
		release()
		return nil, err
	}
	return newSSEStream(ctx, a.name, resp.Body, a.decodeEvent, release), nil
}

// decodeEvent handles message_start, content_block_delta, message_delta,
// message_stop and error events. Everything else carries no text.
func (a *AnthropicAdapter) decodeEvent(data string) (string, error) {
	var event struct {
		Type  string `json:"type"`
		Delta struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return "", &types.Failure{
			Kind:     types.KindUnknown,
			Provider: a.name,
			Message:  fmt.Sprintf("malformed stream event: %v", err),
			Err:      err,
		}
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta.Type == "text_delta" {
			return event.Delta.Text, nil
		}
	case "message_delta":
		if event.Delta.StopReason == "refusal" {
			return "", types.NewFailure(types.KindSafetyBlocked, a.name, "model refused the request")
		}
	case "message_stop":
		return "", io.EOF
	case "error":
		msg := event.Error.Type + ": " + event.Error.Message
		if event.Error.Type == "overloaded_error" {
			return "", types.NewFailure(types.KindServiceOverloaded, a.name, msg)
		}
		if event.Error.Type == "rate_limit_error" {
			return "", types.NewFailure(types.KindRateLimited, a.name, msg)
		}
		return "", types.NewFailure(types.KindUnknown, a.name, msg)
	}
	return "", errSkip
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}
