package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/shoe-studio/api/internal/domain"
	"github.com/shoe-studio/api/internal/services"
)

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON error body, got %q: %v", rr.Body.String(), err)
	}
	return body.Error
}

func TestNewRouter_HealthEndpoints(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	system := &stubSystemService{
		liveness: services.SystemHealthReport{Status: domain.HealthStatusOK},
		report: services.SystemHealthReport{
			Status:      domain.HealthStatusOK,
			Uptime:      5 * time.Second,
			GeneratedAt: now,
			Checks:      map[string]domain.SystemHealthCheck{"catalog": {Status: domain.HealthStatusOK}},
		},
	}
	router := NewRouter(WithHealthHandlers(NewHealthHandlers(
		WithHealthSystemService(system),
		WithHealthClock(func() time.Time { return now }),
	)))

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("%s: expected JSON, got %s", path, ct)
		}
	}
}

func TestNewRouter_UnmountedGroupsAnswerNotImplemented(t *testing.T) {
	router := NewRouter(WithCatalogRoutes(func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	}))

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/api/v1/catalog", http.StatusNoContent},
		{http.MethodGet, "/api/v1/sessions", http.StatusNotImplemented},
		{http.MethodPost, "/api/v1/sessions/ses_1/generate", http.StatusNotImplemented},
		{http.MethodPost, "/api/v1/functions/generate-shoe-colors", http.StatusNotImplemented},
	}
	for _, tc := range tests {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != tc.status {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.status, rr.Code)
		}
		if tc.status == http.StatusNotImplemented {
			if code := decodeErrorCode(t, rr); code != "not_implemented" {
				t.Fatalf("%s: expected not_implemented, got %s", tc.path, code)
			}
		}
	}
}

func TestNewRouter_UnknownRouteIsJSON404(t *testing.T) {
	rr := httptest.NewRecorder()
	NewRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/does/not/exist", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != "route_not_found" {
		t.Fatalf("expected route_not_found, got %s", code)
	}
}

func TestNewRouter_AppliesMiddlewareAndTimeout(t *testing.T) {
	var deadlineSet bool
	mark := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, deadlineSet = r.Context().Deadline()
			w.Header().Set("X-Test-Middleware", "global")
			next.ServeHTTP(w, r)
		})
	}

	rr := httptest.NewRecorder()
	NewRouter(WithMiddlewares(mark), WithRequestTimeout(time.Second)).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Header().Get("X-Test-Middleware") != "global" {
		t.Fatalf("expected global middleware to run")
	}
	if !deadlineSet {
		t.Fatalf("expected request context to carry the timeout deadline")
	}
}
