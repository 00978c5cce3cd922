package gateway

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID reuses the caller's X-Request-ID or mints one, and echoes it on
// the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFrom returns the ID stored by RequestID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// NewRouter wires every gateway route. metrics may be nil.
func NewRouter(h *Handler, metricsPath string, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestID)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if metrics != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.Method(http.MethodGet, metricsPath, metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generate", h.Generate)
		r.Post("/generate/stream", h.GenerateStream)
		r.Get("/models", h.ListModels)
		r.Get("/quota", h.Quota)
	})
	return r
}
