package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/shoe-studio/api/internal/domain"
	"github.com/shoe-studio/api/internal/platform/httpx"
	"github.com/shoe-studio/api/internal/platform/observability"
	"github.com/shoe-studio/api/internal/services"
)

// SessionHandlers expose customization sessions over HTTP.
type SessionHandlers struct {
	sessions    services.SessionService
	idempotency func(http.Handler) http.Handler
}

// SessionOption customises session handlers.
type SessionOption func(*SessionHandlers)

// WithSessionIdempotency guards session mutations with the supplied replay middleware. It
// runs after the session id is known so keys are scoped per session.
func WithSessionIdempotency(mw func(http.Handler) http.Handler) SessionOption {
	return func(h *SessionHandlers) {
		h.idempotency = mw
	}
}

// NewSessionHandlers constructs session handlers.
func NewSessionHandlers(sessions services.SessionService, opts ...SessionOption) *SessionHandlers {
	h := &SessionHandlers{sessions: sessions}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers session endpoints against the provided router.
func (h *SessionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	guard := func(next http.Handler) http.Handler { return next }
	if h.idempotency != nil {
		guard = h.idempotency
	}
	r.With(guard).Post("/", h.createSession)
	r.Route("/{sessionID}", func(rt chi.Router) {
		rt.Use(observability.SessionMiddleware("sessionID"), guard)
		rt.Get("/", h.getSession)
		rt.Delete("/", h.deleteSession)
		rt.Put("/part", h.selectPart)
		rt.Put("/color", h.setColor)
		rt.Patch("/colors", h.applyColors)
		rt.Post("/color:reset", h.resetColor)
		rt.Post("/generate", h.generate)
	})
}

type selectPartRequest struct {
	PartID string `json:"part_id" validate:"required,max=64"`
}

type setColorRequest struct {
	ColorID string `json:"color_id" validate:"required,max=64"`
}

type applyColorsRequest struct {
	Colors colorMap `json:"colors" validate:"required,min=1,dive,keys,required,max=64,endkeys,required,max=64"`
}

type generateRequest struct {
	Message string `json:"message" validate:"max=4000"`
}

type selectionPayload struct {
	CurrentPart  partPayload       `json:"currentPart"`
	CurrentColor colorPayload      `json:"currentColor"`
	Palette      []colorPayload    `json:"palette"`
	Assignment   map[string]string `json:"assignment"`
}

type sessionPayload struct {
	ID        string           `json:"id"`
	Selection selectionPayload `json:"selection"`
	CreatedAt string           `json:"createdAt"`
	UpdatedAt string           `json:"updatedAt"`
	ExpiresAt string           `json:"expiresAt"`
}

type generationPayload struct {
	Mode      string            `json:"mode"`
	Mapping   map[string]string `json:"mapping"`
	LatencyMs int64             `json:"latencyMs"`
}

func (h *SessionHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Create(r.Context())
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+session.ID)
	httpx.WriteJSON(w, http.StatusCreated, buildSessionPayload(session))
}

func (h *SessionHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Get(r.Context(), sessionIDParam(r))
	h.respond(w, r, session, err)
}

func (h *SessionHandlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(r.Context(), sessionIDParam(r)); err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandlers) selectPart(w http.ResponseWriter, r *http.Request) {
	var req selectPartRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	session, err := h.sessions.SelectPart(r.Context(), services.SelectPartCommand{
		SessionID: sessionIDParam(r),
		PartID:    domain.PartID(req.PartID),
	})
	h.respond(w, r, session, err)
}

func (h *SessionHandlers) setColor(w http.ResponseWriter, r *http.Request) {
	var req setColorRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	session, err := h.sessions.SetColor(r.Context(), services.SetColorCommand{
		SessionID: sessionIDParam(r),
		ColorID:   domain.ColorID(req.ColorID),
	})
	h.respond(w, r, session, err)
}

func (h *SessionHandlers) applyColors(w http.ResponseWriter, r *http.Request) {
	var req applyColorsRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	colors := make(domain.PartialMapping, len(req.Colors))
	for part, color := range req.Colors {
		colors[domain.PartID(part)] = domain.ColorID(color)
	}
	session, err := h.sessions.ApplyColors(r.Context(), services.ApplyColorsCommand{
		SessionID: sessionIDParam(r),
		Colors:    colors,
	})
	h.respond(w, r, session, err)
}

func (h *SessionHandlers) resetColor(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.ResetPartColor(r.Context(), sessionIDParam(r))
	h.respond(w, r, session, err)
}

func (h *SessionHandlers) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	outcome, err := h.sessions.Generate(r.Context(), services.GenerateCommand{
		SessionID: sessionIDParam(r),
		Message:   req.Message,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"session": buildSessionPayload(outcome.Session),
		"generation": generationPayload{
			Mode:      string(outcome.Result.Mode),
			Mapping:   stringAssignment(outcome.Result.Mapping),
			LatencyMs: outcome.Result.Latency.Milliseconds(),
		},
	})
}

func (h *SessionHandlers) respond(w http.ResponseWriter, r *http.Request, session services.Session, err error) {
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildSessionPayload(session))
}

func sessionIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "sessionID"))
}

func buildSessionPayload(session services.Session) sessionPayload {
	selection := session.Selection
	return sessionPayload{
		ID: session.ID,
		Selection: selectionPayload{
			CurrentPart:  buildPartPayload(selection.CurrentPart),
			CurrentColor: buildColorPayload(selection.CurrentColor),
			Palette:      buildColorPayloads(selection.Palette),
			Assignment:   stringAssignment(selection.Assignment),
		},
		CreatedAt: formatTime(session.CreatedAt),
		UpdatedAt: formatTime(session.UpdatedAt),
		ExpiresAt: formatTime(session.ExpiresAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
