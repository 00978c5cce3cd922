package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/florejun0824/srcslmsstable-sub009/internal/config"
	"github.com/florejun0824/srcslmsstable-sub009/internal/keypool"
	"github.com/florejun0824/srcslmsstable-sub009/internal/types"
)

const (
	huggingFaceDefaultBaseURL   = "https://api-inference.huggingface.co"
	huggingFaceDefaultMaxTokens = 2048
)

// HuggingFaceAdapter calls the text-generation Inference API. It has no
// incremental mode, so streams carry the whole text as one chunk.
type HuggingFaceAdapter struct {
	name    string
	cfg     config.ProviderConfig
	client  *http.Client
	limiter limiter
}

func NewHuggingFaceAdapter(name string, cfg config.ProviderConfig, client *http.Client) *HuggingFaceAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = huggingFaceDefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = huggingFaceDefaultMaxTokens
	}
	return &HuggingFaceAdapter{name: name, cfg: cfg, client: client, limiter: newLimiter(cfg.MaxConcurrent)}
}

func (a *HuggingFaceAdapter) Name() string         { return a.name }
func (a *HuggingFaceAdapter) Family() string       { return "huggingface" }
func (a *HuggingFaceAdapter) DefaultModel() string { return a.cfg.DefaultModel }

type hfParameters struct {
	MaxNewTokens   int  `json:"max_new_tokens"`
	ReturnFullText bool `json:"return_full_text"`
}

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
}

type hfGeneration struct {
	GeneratedText string `json:"generated_text"`
}

func (a *HuggingFaceAdapter) Invoke(ctx context.Context, req types.GenerationRequest, model string, cred keypool.Credential) (types.ProviderResult, error) {
	release, err := a.limiter.acquire(ctx)
	if err != nil {
		return types.ProviderResult{}, err
	}
	defer release()

	maxTokens := a.cfg.MaxOutputTokens
	if req.MaxOutputTokens > 0 {
		maxTokens = req.MaxOutputTokens
	}
	data, err := json.Marshal(hfRequest{
		Inputs:     req.Prompt,
		Parameters: hfParameters{MaxNewTokens: maxTokens},
	})
	if err != nil {
		return types.ProviderResult{}, fmt.Errorf("marshal huggingface request: %w", err)
	}

	endpoint := a.cfg.BaseURL + "/models/" + model
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return types.ProviderResult{}, fmt.Errorf("create huggingface request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+string(cred))

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return types.ProviderResult{}, transportFailure(ctx, a.name, err)
	}
	if err := checkResponse(a.name, resp); err != nil {
		return types.ProviderResult{}, err
	}
	defer resp.Body.Close()

	var out []hfGeneration
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.ProviderResult{}, decodeFailure(a.name, err)
	}
	if len(out) == 0 || strings.TrimSpace(out[0].GeneratedText) == "" {
		return types.ProviderResult{}, types.NewFailure(types.KindEmptyResponse, a.name, "no generated_text in response")
	}
	return types.ProviderResult{Text: out[0].GeneratedText, Model: model, Provider: a.name}, nil
}

func (a *HuggingFaceAdapter) InvokeStream(ctx context.Context, req types.GenerationRequest, model string, cred keypool.Credential) (Stream, error) {
	res, err := a.Invoke(ctx, req, model, cred)
	if err != nil {
		return nil, err
	}
	return &textStream{text: res.Text}, nil
}
