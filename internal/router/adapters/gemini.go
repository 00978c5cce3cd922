package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/florejun0824/srcslmsstable-sub009/internal/config"
	"github.com/florejun0824/srcslmsstable-sub009/internal/keypool"
	"github.com/florejun0824/srcslmsstable-sub009/internal/types"
)

const (
	geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	geminiDefaultModel   = "gemini-2.5-flash"
)

// GeminiAdapter talks to the Generative Language REST API.
type GeminiAdapter struct {
	name    string
	cfg     config.ProviderConfig
	client  *http.Client
	limiter limiter
}

func NewGeminiAdapter(name string, cfg config.ProviderConfig, client *http.Client) *GeminiAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = geminiDefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = geminiDefaultModel
	}
	return &GeminiAdapter{name: name, cfg: cfg, client: client, limiter: newLimiter(cfg.MaxConcurrent)}
}

func (a *GeminiAdapter) Name() string         { return a.name }
func (a *GeminiAdapter) Family() string       { return "gemini" }
func (a *GeminiAdapter) DefaultModel() string { return a.cfg.DefaultModel }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiGenerationConfig struct {
	ResponseMimeType string `json:"responseMimeType,omitempty"`
	MaxOutputTokens  int    `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	SafetySettings   []geminiSafetySetting   `json:"safetySettings"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
	ModelVersion string `json:"modelVersion"`
}

func (a *GeminiAdapter) buildRequest(req types.GenerationRequest) geminiRequest {
	gr := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: req.Prompt}}}},
		SafetySettings: []geminiSafetySetting{{
			Category:  "HARM_CATEGORY_DANGEROUS_CONTENT",
			Threshold: "BLOCK_MEDIUM_AND_ABOVE",
		}},
	}
	if req.HasGenerationConfig() {
		gc := &geminiGenerationConfig{MaxOutputTokens: req.MaxOutputTokens}
		if req.JSONMode {
			gc.ResponseMimeType = "application/json"
		}
		gr.GenerationConfig = gc
	}
	return gr
}

func (a *GeminiAdapter) endpoint(model, method string, sse bool) string {
	endpoint := fmt.Sprintf("%s/models/%s:%s", a.cfg.BaseURL, url.PathEscape(model), method)
	if sse {
		endpoint += "?alt=sse"
	}
	return endpoint
}

// send posts body with the key in a header. Keys never go into the URL, which
// transport errors echo back.
func (a *GeminiAdapter) send(ctx context.Context, endpoint string, cred keypool.Credential, body geminiRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", string(cred))
	for k, v := range a.cfg.Headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportFailure(ctx, a.name, err)
	}
	if err := checkResponse(a.name, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// parse extracts candidates[0].content.parts[0].text or classifies its absence.
func (a *GeminiAdapter) parse(resp geminiResponse) (text, finishReason string, err error) {
	if resp.Error != nil {
		return "", "", classifyStatus(a.name, resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Candidates) > 0 {
		c := resp.Candidates[0]
		finishReason = c.FinishReason
		if len(c.Content.Parts) > 0 && c.Content.Parts[0].Text != "" {
			return c.Content.Parts[0].Text, finishReason, nil
		}
	}
	if finishReason == "SAFETY" || resp.PromptFeedback.BlockReason != "" {
		reason := finishReason
		if resp.PromptFeedback.BlockReason != "" {
			reason = resp.PromptFeedback.BlockReason
		}
		return "", finishReason, types.NewFailure(types.KindSafetyBlocked, a.name, "response blocked for safety: "+reason)
	}
	msg := "no text in response"
	if finishReason != "" {
		msg += ", finish reason " + finishReason
	}
	return "", finishReason, types.NewFailure(types.KindEmptyResponse, a.name, msg)
}

func (a *GeminiAdapter) Invoke(ctx context.Context, req types.GenerationRequest, model string, cred keypool.Credential) (types.ProviderResult, error) {
	release, err := a.limiter.acquire(ctx)
	if err != nil {
		return types.ProviderResult{}, err
	}
	defer release()

	resp, err := a.send(ctx, a.endpoint(model, "generateContent", false), cred, a.buildRequest(req))
	if err != nil {
		return types.ProviderResult{}, err
	}
	defer resp.Body.Close()

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return types.ProviderResult{}, decodeFailure(a.name, err)
	}
	text, finish, err := a.parse(gr)
	if err != nil {
		return types.ProviderResult{}, err
	}
	return types.ProviderResult{Text: text, Model: model, Provider: a.name, FinishReason: finish}, nil
}

func (a *GeminiAdapter) InvokeStream(ctx context.Context, req types.GenerationRequest, model string, cred keypool.Credential) (Stream, error) {
	release, err := a.limiter.acquire(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := a.send(ctx, a.endpoint(model, "streamGenerateContent", true), cred, a.buildRequest(req))
	if err != nil {
		release()
		return nil, err
	}

	emitted := false
	decode := func(data string) (string, error) {
		var gr geminiResponse
		if err := json.Unmarshal([]byte(data), &gr); err != nil {
			return "", &types.Failure{
				Kind:     types.KindUnknown,
				Provider: a.name,
				Message:  fmt.Sprintf("malformed stream event: %v", err),
				Err:      err,
			}
		}
		text, finish, err := a.parse(gr)
		if err == nil {
			emitted = true
			return text, nil
		}
		// Keep-alive events and a trailing finish-only event are normal.
		if types.KindOf(err) == types.KindEmptyResponse && (emitted || finish == "") {
			return "", errSkip
		}
		return "", err
	}
	return newSSEStream(ctx, a.name, resp.Body, decode, release), nil
}
