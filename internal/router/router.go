package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/florejun0824/srcslmsstable-sub009/internal/config"
	"github.com/florejun0824/srcslmsstable-sub009/internal/keypool"
	"github.com/florejun0824/srcslmsstable-sub009/internal/quota"
	"github.com/florejun0824/srcslmsstable-sub009/internal/router/adapters"
	"github.com/florejun0824/srcslmsstable-sub009/internal/types"
)

var (
	ErrModelNotAllowed = errors.New("model not allowed")
	ErrNoCandidates    = errors.New("no candidate has usable credentials")
)

// Candidate is one entry of the fallback chain: a key pool bound to a
// provider adapter.
type Candidate struct {
	Name     string
	Provider string
	Adapter  adapters.ProviderAdapter
	Pool     *keypool.Pool
	// Policy carries the provider's model allow-list.
	Policy       config.ProviderConfig
	DefaultModel string
	StreamModel  string
}

// model picks the model for a request. An explicit model always wins.
func (c *Candidate) model(requested string, stream bool) string {
	switch {
	case requested != "":
		return requested
	case stream && c.StreamModel != "":
		return c.StreamModel
	case c.DefaultModel != "":
		return c.DefaultModel
	default:
		return c.Adapter.DefaultModel()
	}
}

// ModelInfo lists what a provider family accepts.
type ModelInfo struct {
	Provider     string   `json:"provider"`
	DefaultModel string   `json:"defaultModel,omitempty"`
	Models       []string `json:"models"`
}

// Router walks the candidate chain in order and returns the first success.
type Router struct {
	candidates atomic.Pointer[[]*Candidate]
	retry      *RetryController
	health     *HealthTracker
	logger     *slog.Logger
	metrics    Recorder
}

type Option func(*Router)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func WithMetrics(m Recorder) Option {
	return func(r *Router) { r.metrics = m }
}

// WithHealthTracker enables per-candidate circuit breaking.
func WithHealthTracker(ht *HealthTracker) Option {
	return func(r *Router) { r.health = ht }
}

// WithWait replaces the backoff timer. Tests use it to avoid real sleeps.
func WithWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Router) { r.retry.wait = wait }
}

// OnTransition registers a hook for retry state changes.
func OnTransition(fn func(Transition)) Option {
	return func(r *Router) { r.retry.onTransition = fn }
}

func New(candidates []*Candidate, gate QuotaGate, policy RetryPolicy, opts ...Option) *Router {
	r := &Router{
		retry:  NewRetryController(policy, gate),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.retry.logger = r.logger
	r.retry.metrics = r.metrics
	r.SetCandidates(candidates)
	return r
}

// SetCandidates swaps the chain. Requests in flight keep the old one.
func (r *Router) SetCandidates(candidates []*Candidate) {
	cs := append([]*Candidate(nil), candidates...)
	r.candidates.Store(&cs)
}

func (r *Router) Candidates() []*Candidate {
	if cs := r.candidates.Load(); cs != nil {
		return *cs
	}
	return nil
}

// Ready reports whether at least one candidate has credentials.
func (r *Router) Ready() bool {
	for _, c := range r.Candidates() {
		if c.Pool.Len() > 0 {
			return true
		}
	}
	return false
}

// Health exposes circuit states; nil when circuit breaking is off.
func (r *Router) Health() map[string]CircuitState {
	return r.health.States()
}

// Models lists the allow-listed models per provider family, in chain order.
func (r *Router) Models() []ModelInfo {
	seen := make(map[string]bool)
	var out []ModelInfo
	for _, c := range r.Candidates() {
		if seen[c.Provider] {
			continue
		}
		seen[c.Provider] = true
		out = append(out, ModelInfo{
			Provider:     c.Provider,
			DefaultModel: c.model("", false),
			Models:       append([]string(nil), c.Policy.AllowedModels...),
		})
	}
	return out
}

type route struct {
	candidate *Candidate
	model     string
}

// plan resolves the model policy for every candidate. It never touches quota.
func (r *Router) plan(req types.GenerationRequest, stream bool) ([]route, error) {
	var routes []route
	allowed := false
	for _, c := range r.Candidates() {
		if req.Model != "" && !c.Policy.Allows(req.Model) {
			continue
		}
		allowed = true
		if c.Pool.Len() == 0 {
			r.logger.Error("skipping candidate without credentials",
				"request_id", req.RequestID,
				"candidate", c.Name,
				"error", types.ConfigurationError(c.Provider, keypool.ErrEmptyPool),
			)
			continue
		}
		model := c.model(req.Model, stream)
		if model == "" {
			r.logger.Error("skipping candidate without a model",
				"request_id", req.RequestID,
				"candidate", c.Name,
			)
			continue
		}
		routes = append(routes, route{candidate: c, model: model})
	}

	if req.Model != "" && !allowed {
		return nil, types.ConfigurationError("", fmt.Errorf("%w: %q", ErrModelNotAllowed, req.Model))
	}
	if len(routes) == 0 {
		return nil, types.ConfigurationError("", ErrNoCandidates)
	}
	return routes, nil
}

// shortCircuits reports whether err must stop the walk down the chain.
func shortCircuits(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, quota.ErrLimitReached) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// walk runs call for each routable candidate until one succeeds.
func walk[T any](ctx context.Context, r *Router, req types.GenerationRequest, stream bool, call func(context.Context, route, keypool.Credential) (T, error)) (T, *quota.Reservation, route, error) {
	var zero T
	routes, err := r.plan(req, stream)
	if err != nil {
		return zero, nil, route{}, err
	}

	var lastErr error
	for i, rt := range routes {
		c := rt.candidate
		if !r.health.IsAvailable(c.Name) {
			r.logger.Warn("skipping candidate with open circuit",
				"request_id", req.RequestID,
				"candidate", c.Name,
			)
			continue
		}

		out, res, err := execute(ctx, r.retry, c.Name, func(ctx context.Context, att Attempt) (T, error) {
			cred, err := c.Pool.Select()
			if err != nil {
				return zero, types.ConfigurationError(c.Provider, err)
			}
			r.logger.Debug("calling provider",
				"request_id", req.RequestID,
				"candidate", c.Name,
				"provider", c.Adapter.Name(),
				"model", rt.model,
				"attempt", att.Number,
				"key_fingerprint", cred.Fingerprint(),
			)
			return call(ctx, rt, cred)
		})
		if err == nil {
			r.health.RecordSuccess(c.Name)
			return out, res, rt, nil
		}
		if shortCircuits(ctx, err) {
			r.health.ReleaseProbe(c.Name)
			return zero, nil, rt, err
		}

		// A safety refusal is still an answer from a working provider.
		if types.KindOf(err) == types.KindSafetyBlocked {
			r.health.RecordSuccess(c.Name)
		} else {
			r.health.RecordFailure(c.Name)
		}
		lastErr = err
		if i < len(routes)-1 {
			r.logger.Warn("candidate failed, trying next",
				"request_id", req.RequestID,
				"candidate", c.Name,
				"kind", types.KindOf(err).String(),
				"error", err,
			)
			if r.metrics != nil {
				r.metrics.RecordFallback(c.Name)
			}
		}
	}

	if lastErr == nil {
		lastErr = types.NewFailure(types.KindServiceOverloaded, "", "every candidate is cooling down after repeated failures")
	}
	return zero, nil, route{}, lastErr
}

// Generate returns the first successful non-streaming result.
func (r *Router) Generate(ctx context.Context, req types.GenerationRequest) (types.ProviderResult, error) {
	result, _, rt, err := walk(ctx, r, req, false, func(ctx context.Context, rt route, cred keypool.Credential) (types.ProviderResult, error) {
		return rt.candidate.Adapter.Invoke(ctx, req, rt.model, cred)
	})
	if err != nil {
		return types.ProviderResult{}, err
	}
	if result.Model == "" {
		result.Model = rt.model
	}
	if result.Provider == "" {
		result.Provider = rt.candidate.Adapter.Name()
	}
	return result, nil
}

// Stream opens a stream on the first candidate that produces a first chunk.
// Failures after that chunk surface through the RelayStream and are not retried.
func (r *Router) Stream(ctx context.Context, req types.GenerationRequest) (*RelayStream, error) {
	opened, res, rt, err := walk(ctx, r, req, true, func(ctx context.Context, rt route, cred keypool.Credential) (*openedStream, error) {
		upstream, err := rt.candidate.Adapter.InvokeStream(ctx, req, rt.model, cred)
		if err != nil {
			return nil, err
		}
		first, err := upstream.Next()
		if err != nil {
			upstream.Close()
			if errors.Is(err, io.EOF) {
				err = types.NewFailure(types.KindEmptyResponse, rt.candidate.Adapter.Name(), "stream ended without any text")
			}
			return nil, err
		}
		return &openedStream{upstream: upstream, first: first}, nil
	})
	if err != nil {
		return nil, err
	}
	return newRelayStream(ctx, r, rt, opened, res, req.RequestID), nil
}
