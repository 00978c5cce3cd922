package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/florejun0824/srcslmsstable-sub009/internal/config"
	"github.com/florejun0824/srcslmsstable-sub009/internal/httputil"
	"github.com/florejun0824/srcslmsstable-sub009/internal/quota"
	"github.com/florejun0824/srcslmsstable-sub009/internal/router"
	"github.com/florejun0824/srcslmsstable-sub009/internal/telemetry"
	"github.com/florejun0824/srcslmsstable-sub009/internal/types"
)

// statusClientClosed is logged and recorded when the caller goes away. It is
// never written to the wire.
const statusClientClosed = 499

const (
	limitReachedMessage  = "Monthly AI usage limit reached. The quota resets at the start of next month."
	safetyBlockedMessage = "The provider declined to answer this prompt for safety reasons. Try rephrasing it."
)

// QuotaReporter is the read side of quota.Tracker.
type QuotaReporter interface {
	Usage(ctx context.Context) (quota.Usage, error)
	Ping(ctx context.Context) error
}

// Handler holds dependencies for the gateway HTTP handlers.
type Handler struct {
	router  *router.Router
	quota   QuotaReporter
	cfg     func() *config.Config
	metrics *telemetry.Metrics
	logger  *slog.Logger
	version string
}

func NewHandler(rt *router.Router, q QuotaReporter, cfg func() *config.Config, metrics *telemetry.Metrics, logger *slog.Logger, version string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		router:  rt,
		quota:   q,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		version: version,
	}
}

func (h *Handler) record(route, provider string, status int, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordRequest(telemetry.RequestLabels{
		Route:      route,
		Provider:   provider,
		Status:     strconv.Itoa(status),
		DurationMs: float64(time.Since(start).Milliseconds()),
	})
}

// decodeRequest reads and validates the body. It writes the 400 itself.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, reqID string) (types.GenerationRequest, bool) {
	if limit := h.cfg().Server.MaxBodyBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	defer r.Body.Close()

	var body types.GenerateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteBadRequestError(w, reqID, "Request body too large")
			return types.GenerationRequest{}, false
		}
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return types.GenerationRequest{}, false
	}

	req, err := types.NewGenerationRequest(body, reqID)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return types.GenerationRequest{}, false
	}
	return req, true
}

// writeRouteError maps a router error onto the HTTP error contract and
// returns the status it stands for.
func (h *Handler) writeRouteError(w http.ResponseWriter, r *http.Request, reqID string, err error) int {
	switch {
	case errors.Is(err, quota.ErrLimitReached):
		httputil.WriteLimitReachedError(w, reqID, limitReachedMessage)
		return http.StatusTooManyRequests
	case errors.Is(err, router.ErrModelNotAllowed):
		httputil.WriteModelNotAllowedError(w, reqID, err.Error())
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		h.logger.Info("client cancelled request", "request_id", reqID)
		return statusClientClosed
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteServiceUnavailableError(w, reqID, "Provider did not answer in time")
		return http.StatusServiceUnavailable
	}

	var f *types.Failure
	if !errors.As(err, &f) {
		h.logger.Error("unclassified routing error", "request_id", reqID, "error", err)
		httputil.WriteInternalError(w, reqID, "Provider request failed")
		return http.StatusInternalServerError
	}

	h.logger.Warn("generation failed",
		"request_id", reqID,
		"provider", f.Provider,
		"kind", f.Kind.String(),
		"status_code", f.StatusCode,
		"error", f.Message,
	)
	switch f.Kind {
	case types.KindRateLimited:
		httputil.WriteRateLimitError(w, reqID, "Upstream provider is rate limiting requests")
		return http.StatusTooManyRequests
	case types.KindServiceOverloaded:
		httputil.WriteServiceUnavailableError(w, reqID, "Upstream provider is overloaded")
		return http.StatusServiceUnavailable
	case types.KindSafetyBlocked:
		httputil.WriteContentBlockedError(w, reqID, safetyBlockedMessage)
		return http.StatusUnavailableForLegalReasons
	case types.KindEmptyResponse:
		httputil.WriteEmptyResponseError(w, reqID, "Provider returned no text")
		return http.StatusBadGateway
	case types.KindConfiguration:
		httputil.WriteConfigurationError(w, reqID, "Gateway is not configured for this request")
		return http.StatusInternalServerError
	default:
		httputil.WriteInternalError(w, reqID, "Provider request failed")
		return http.StatusInternalServerError
	}
}

// Generate handles POST /v1/generate
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	start := time.Now()

	req, ok := h.decodeRequest(w, r, reqID)
	if !ok {
		h.record("generate", "", http.StatusBadRequest, start)
		return
	}

	res, err := h.router.Generate(r.Context(), req)
	if err != nil {
		status := h.writeRouteError(w, r, reqID, err)
		h.record("generate", types.ProviderOf(err), status, start)
		return
	}

	text := res.Text
	if req.JSONMode {
		text = types.StripJSONFences(text)
	}

	h.logger.Info("generation completed",
		"request_id", reqID,
		"provider", res.Provider,
		"model", res.Model,
		"finish_reason", res.FinishReason,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	h.record("generate", res.Provider, http.StatusOK, start)

	httputil.WriteJSON(w, reqID, http.StatusOK, types.GenerateResponse{
		Text:      text,
		Model:     res.Model,
		Provider:  res.Provider,
		RequestID: reqID,
	})
}

// GenerateStream handles POST /v1/generate/stream
func (h *Handler) GenerateStream(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	start := time.Now()

	if _, ok := w.(http.Flusher); !ok {
		httputil.WriteInternalError(w, reqID, "Streaming not supported")
		return
	}

	req, ok := h.decodeRequest(w, r, reqID)
	if !ok {
		h.record("generate_stream", "", http.StatusBadRequest, start)
		return
	}

	stream, err := h.router.Stream(r.Context(), req)
	if err != nil {
		status := h.writeRouteError(w, r, reqID, err)
		h.record("generate_stream", types.ProviderOf(err), status, start)
		return
	}
	defer stream.Close()

	h.logger.Info("streaming started",
		"request_id", reqID,
		"candidate", stream.Candidate,
		"provider", stream.Provider,
		"model", stream.Model,
	)

	chunks, err := relayStream(r.Context(), w, stream)
	status := http.StatusOK
	switch {
	case err == nil:
		h.logger.Info("streaming completed",
			"request_id", reqID,
			"provider", stream.Provider,
			"chunks", chunks,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	case r.Context().Err() != nil:
		status = statusClientClosed
		h.logger.Info("client disconnected mid-stream", "request_id", reqID, "chunks", chunks)
	default:
		h.logger.Warn("stream aborted",
			"request_id", reqID,
			"provider", stream.Provider,
			"chunks", chunks,
			"kind", types.KindOf(err).String(),
			"error", err,
		)
	}
	h.record("generate_stream", stream.Provider, status, start)
}

type modelListResponse struct {
	Object string             `json:"object"`
	Data   []router.ModelInfo `json:"data"`
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	models := h.router.Models()
	if models == nil {
		models = []router.ModelInfo{}
	}
	httputil.WriteJSON(w, reqID, http.StatusOK, modelListResponse{Object: "list", Data: models})
}

// Quota handles GET /v1/quota
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	usage, err := h.quota.Usage(r.Context())
	if err != nil {
		h.logger.Error("failed to read quota", "request_id", reqID, "error", err)
		httputil.WriteServiceUnavailableError(w, reqID, "Quota store unavailable")
		return
	}
	httputil.WriteJSON(w, reqID, http.StatusOK, usage)
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, "", http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
	})
}

type readiness struct {
	Status     string            `json:"status"`
	QuotaStore string            `json:"quota_store"`
	Candidates int               `json:"candidates"`
	Circuits   map[string]string `json:"circuits,omitempty"`
}

// Readyz handles GET /readyz
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := readiness{Status: "ready", QuotaStore: "ok"}
	status := http.StatusOK
	if err := h.quota.Ping(ctx); err != nil {
		h.logger.Warn("quota store not reachable", "error", err)
		resp.QuotaStore = "unreachable"
		resp.Status = "not_ready"
		status = http.StatusServiceUnavailable
	}
	for _, c := range h.router.Candidates() {
		if c.Pool.Len() > 0 {
			resp.Candidates++
		}
	}
	if resp.Candidates == 0 {
		resp.Status = "not_ready"
		status = http.StatusServiceUnavailable
	}
	if states := h.router.Health(); len(states) > 0 {
		resp.Circuits = make(map[string]string, len(states))
		for name, s := range states {
			resp.Circuits[name] = s.String()
		}
	}
	httputil.WriteJSON(w, "", status, resp)
}
