package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shoe-studio/api/internal/platform/httpx"
	"github.com/shoe-studio/api/internal/services"
)

const (
	defaultDesignerRateLimit  = 30
	defaultDesignerRateWindow = time.Minute
)

// DesignerHandlers serve the generation function that the generation pipeline calls.
type DesignerHandlers struct {
	designer  services.DesignerService
	limiter   rateLimiter
	signature func(http.Handler) http.Handler
}

// DesignerOption customises designer handlers.
type DesignerOption func(*DesignerHandlers)

// WithDesignerRateLimit overrides the per-client fixed window budget.
func WithDesignerRateLimit(limit int, window time.Duration, clock func() time.Time) DesignerOption {
	return func(h *DesignerHandlers) {
		h.limiter = newFixedWindowLimiter(limit, window, clock)
	}
}

// WithDesignerSignature requires callers to pass the given verification middleware, typically
// an HMAC check shared with the generation pipeline.
func WithDesignerSignature(mw func(http.Handler) http.Handler) DesignerOption {
	return func(h *DesignerHandlers) {
		h.signature = mw
	}
}

// NewDesignerHandlers constructs designer handlers.
func NewDesignerHandlers(designer services.DesignerService, opts ...DesignerOption) *DesignerHandlers {
	h := &DesignerHandlers{
		designer: designer,
		limiter:  newFixedWindowLimiter(defaultDesignerRateLimit, defaultDesignerRateWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers function endpoints against the provided router.
func (h *DesignerHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	route := r.With(rateLimitMiddleware(h.limiter))
	if h.signature != nil {
		route = route.With(h.signature)
	}
	route.Post("/generate-shoe-colors", h.generateShoeColors)
}

// designerRequest mirrors the body the generation pipeline sends. The designer derives the
// constraints from its own catalog, so any sent by the caller are accepted and ignored.
type designerRequest struct {
	Message     string         `json:"message" validate:"required,max=4000"`
	Constraints map[string]any `json:"constraints,omitempty"`
	Modes       []any          `json:"modes,omitempty"`
}

// generateShoeColors answers with the bare part to color object on success.
func (h *DesignerHandlers) generateShoeColors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.designer == nil {
		httpx.WriteError(ctx, w, httpx.NewError("designer_unavailable", "color designer is not configured", http.StatusServiceUnavailable))
		return
	}

	var req designerRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := h.designer.SuggestColors(ctx, req.Message)
	if err != nil {
		writeDesignerError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stringAssignment(result.Mapping))
}

func writeDesignerError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, services.ErrDesignerUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("designer_unavailable", "color designer is not configured", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrDesignerInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("empty_input", "message is required", http.StatusBadRequest))
	case errors.Is(err, services.ErrDesignerInvalidOutput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_model_output", err.Error(), http.StatusBadGateway))
	case errors.Is(err, services.ErrDesignerModelFailure):
		httpx.WriteError(ctx, w, httpx.NewError("upstream_error", "color model request failed", http.StatusBadGateway).
			WithRetryable(true))
	default:
		writeServiceError(ctx, w, err)
	}
}
