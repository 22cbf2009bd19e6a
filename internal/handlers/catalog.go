package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shoe-studio/api/internal/catalog"
	domain "github.com/shoe-studio/api/internal/domain"
	"github.com/shoe-studio/api/internal/platform/httpx"
)

// CatalogHandlers serve the read-only product catalog.
type CatalogHandlers struct {
	catalog *catalog.Catalog
}

// NewCatalogHandlers constructs catalog handlers backed by the loaded catalog.
func NewCatalogHandlers(cat *catalog.Catalog) *CatalogHandlers {
	return &CatalogHandlers{catalog: cat}
}

// Routes registers catalog endpoints against the provided router.
func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getCatalog)
	r.Get("/parts/{partID}/colors", h.listPartColors)
}

type partPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type colorPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Hex  string `json:"hex"`
}

type rulePayload struct {
	All    bool     `json:"all"`
	Colors []string `json:"colors,omitempty"`
}

type catalogPayload struct {
	Parts             []partPayload          `json:"parts"`
	Colors            []colorPayload         `json:"colors"`
	Rules             map[string]rulePayload `json:"rules"`
	BaselineColor     string                 `json:"baselineColor"`
	DefaultPart       string                 `json:"defaultPart"`
	DefaultAssignment map[string]string      `json:"defaultAssignment"`
}

func (h *CatalogHandlers) getCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog not loaded", http.StatusServiceUnavailable))
		return
	}

	defaults, err := h.catalog.DefaultAssignment()
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	parts := h.catalog.Parts()
	payload := catalogPayload{
		Parts:             make([]partPayload, 0, len(parts)),
		Colors:            buildColorPayloads(h.catalog.Colors()),
		Rules:             make(map[string]rulePayload, len(parts)),
		BaselineColor:     string(h.catalog.BaselineColor()),
		DefaultPart:       string(h.catalog.DefaultPart()),
		DefaultAssignment: stringAssignment(defaults),
	}
	for _, part := range parts {
		payload.Parts = append(payload.Parts, buildPartPayload(part))
		rule, ok := h.catalog.Rule(part.ID)
		if !ok {
			continue
		}
		entry := rulePayload{All: rule.AllColors}
		for _, id := range rule.Colors {
			entry.Colors = append(entry.Colors, string(id))
		}
		payload.Rules[string(part.ID)] = entry
	}

	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *CatalogHandlers) listPartColors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog not loaded", http.StatusServiceUnavailable))
		return
	}

	partID := domain.PartID(strings.TrimSpace(chi.URLParam(r, "partID")))
	colors, err := h.catalog.AvailableColors(partID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"partId": string(partID),
		"colors": buildColorPayloads(colors),
	})
}

func buildPartPayload(part domain.Part) partPayload {
	return partPayload{ID: string(part.ID), Name: part.Name, DisplayName: part.DisplayName}
}

func buildColorPayload(color domain.ColorOption) colorPayload {
	return colorPayload{ID: string(color.ID), Name: color.Name, Hex: color.Hex}
}

func buildColorPayloads(colors []domain.ColorOption) []colorPayload {
	out := make([]colorPayload, 0, len(colors))
	for _, color := range colors {
		out = append(out, buildColorPayload(color))
	}
	return out
}

func stringAssignment[M ~map[domain.PartID]domain.ColorID](mapping M) map[string]string {
	out := make(map[string]string, len(mapping))
	for part, color := range mapping {
		out[string(part)] = string(color)
	}
	return out
}
