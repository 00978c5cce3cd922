package adapters

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/florejun0824/srcslmsstable-sub009/internal/config"
	"github.com/florejun0824/srcslmsstable-sub009/internal/keypool"
	"github.com/florejun0824/srcslmsstable-sub009/internal/types"
)

const (
	openRouterDefaultBaseURL   = "https://openrouter.ai/api/v1"
	openRouterDefaultModel     = "openai/gpt-oss-120b:free"
	openRouterDefaultMaxTokens = 8192
)

// OpenRouterAdapter talks to OpenRouter's OpenAI-compatible chat API.
type OpenRouterAdapter struct {
	name    string
	cfg     config.ProviderConfig
	client  oai.Client
	limiter limiter
}

func NewOpenRouterAdapter(name string, cfg config.ProviderConfig, httpClient *http.Client) *OpenRouterAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = openRouterDefaultBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openRouterDefaultModel
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = openRouterDefaultMaxTokens
	}

	opts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/") + "/"),
		option.WithHTTPClient(httpClient),
		// Retries belong to the router, which also does quota accounting.
		option.WithMaxRetries(0),
	}
	for k, v := range cfg.Headers {
		if v != "" {
			opts = append(opts, option.WithHeader(k, v))
		}
	}

	return &OpenRouterAdapter{
		name:    name,
		cfg:     cfg,
		client:  oai.NewClient(opts...),
		limiter: newLimiter(cfg.MaxConcurrent),
	}
}

func (a *OpenRouterAdapter) Name() string         { return a.name }
func (a *OpenRouterAdapter) Family() string       { return "openrouter" }
func (a *OpenRouterAdapter) DefaultModel() string { return a.cfg.DefaultModel }

func (a *OpenRouterAdapter) buildParams(req types.GenerationRequest, model string) oai.ChatCompletionNewParams {
	maxTokens := a.cfg.MaxOutputTokens
	if req.MaxOutputTokens > 0 {
		maxTokens = req.MaxOutputTokens
	}
	params := oai.ChatCompletionNewParams{
		Model:     shared.ChatModel(model),
		Messages:  []oai.ChatCompletionMessageParamUnion{oai.UserMessage(req.Prompt)},
		MaxTokens: param.NewOpt(int64(maxTokens)),
	}
	if req.JSONMode {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}

// mapError converts SDK errors into Failures.
func (a *OpenRouterAdapter) mapError(ctx context.Context, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		body := apiErr.RawJSON()
		if body == "" {
			body = apiErr.Error()
		}
		return classifyStatus(a.name, apiErr.StatusCode, body)
	}
	return transportFailure(ctx, a.name, err)
}

func (a *OpenRouterAdapter) Invoke(ctx context.Context, req types.GenerationRequest, model string, cred keypool.Credential) (types.ProviderResult, error) {
	release, err := a.limiter.acquire(ctx)
	if err != nil {
		return types.ProviderResult{}, err
	}
	defer release()

	completion, err := a.client.Chat.Completions.New(ctx, a.buildParams(req, model), option.WithAPIKey(string(cred)))
	if err != nil {
		return types.ProviderResult{}, a.mapError(ctx, err)
	}

	if len(completion.Choices) == 0 {
		return types.ProviderResult{}, types.NewFailure(types.KindEmptyResponse, a.name, "no choices in response")
	}
	choice := completion.Choices[0]
	if choice.Message.Content == "" {
		if choice.FinishReason == "content_filter" {
			return types.ProviderResult{}, types.NewFailure(types.KindSafetyBlocked, a.name, "response blocked by content filter")
		}
		return types.ProviderResult{}, types.NewFailure(types.KindEmptyResponse, a.name, "no text in response, finish reason "+choice.FinishReason)
	}

	served := completion.Model
	if served == "" {
		served = model
	}
	return types.ProviderResult{
		Text:         choice.Message.Content,
		Model:        served,
		Provider:     a.name,
		FinishReason: choice.FinishReason,
	}, nil
}

func (a *OpenRouterAdapter) InvokeStream(ctx context.Context, req types.GenerationRequest, model string, cred keypool.Credential) (Stream, error) {
	release, err := a.limiter.acquire(ctx)
	if err != nil {
		return nil, err
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, a.buildParams(req, model), option.WithAPIKey(string(cred)))
	if err := stream.Err(); err != nil {
		stream.Close()
		release()
		return nil, a.mapError(ctx, err)
	}
	return &openRouterStream{adapter: a, ctx: ctx, stream: stream, release: release}, nil
}

type openRouterStream struct {
	adapter *OpenRouterAdapter
	ctx     context.Context
	stream  *ssestream.Stream[oai.ChatCompletionChunk]
	release func()

	closeOnce sync.Once
	emitted   bool
	filtered  bool
}

func (s *openRouterStream) Next() (string, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason == "content_filter" {
			s.filtered = true
		}
		if choice.Delta.Content == "" {
			continue
		}
		s.emitted = true
		return choice.Delta.Content, nil
	}

	if err := s.stream.Err(); err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return "", s.adapter.mapError(s.ctx, err)
		}
		return "", &types.Failure{Kind: classifyStatus(s.adapter.name, 0, err.Error()).Kind, Provider: s.adapter.name, Message: "stream interrupted: " + err.Error(), Err: err}
	}
	if !s.emitted {
		if s.filtered {
			return "", types.NewFailure(types.KindSafetyBlocked, s.adapter.name, "response blocked by content filter")
		}
		return "", types.NewFailure(types.KindEmptyResponse, s.adapter.name, "stream ended without any text")
	}
	return "", io.EOF
}

func (s *openRouterStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.stream.Close()
		s.release()
	})
	return err
}
