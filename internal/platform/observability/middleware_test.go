package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shoe-studio/api/internal/platform/requestctx"
)

func TestRequestLoggerMiddleware_LogsRouteAndSession(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	var sessionSeen string
	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(logger))
	router.Use(RequestLoggerMiddleware("shoe-dev"))
	router.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Use(SessionMiddleware("sessionID"))
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			sessionSeen = requestctx.SessionID(r.Context())
			requestctx.Logger(r.Context()).Info("handler ran")
			w.WriteHeader(http.StatusNoContent)
		})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/ses_abc/", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if sessionSeen != "ses_abc" {
		t.Fatalf("expected session on context, got %q", sessionSeen)
	}

	handlerLogs := logs.FilterMessage("handler ran").All()
	if len(handlerLogs) != 1 || handlerLogs[0].ContextMap()["session_id"] != "ses_abc" {
		t.Fatalf("expected handler log tagged with session, got %+v", handlerLogs)
	}

	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 {
		t.Fatalf("expected one completion log, got %d", len(completed))
	}
	fields := completed[0].ContextMap()
	if fields["route"] != "/sessions/{sessionID}/" {
		t.Fatalf("unexpected route field %v", fields["route"])
	}
	if fields["status"] != int64(http.StatusNoContent) {
		t.Fatalf("unexpected status field %v", fields["status"])
	}
	if fields["session_id"] != "ses_abc" {
		t.Fatalf("expected completion log to carry the session, got %v", fields["session_id"])
	}
}

func TestRecoveryMiddleware_WritesJSONError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestParseCloudTraceHeader(t *testing.T) {
	spanCtx, ok := parseCloudTraceHeader("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatal("expected header to parse")
	}
	if spanCtx.TraceID().String() != "105445aa7843bc8bf206b12000100000" || spanCtx.SpanID().String() != "0000000000000001" {
		t.Fatalf("unexpected span context %v/%v", spanCtx.TraceID(), spanCtx.SpanID())
	}
	if !spanCtx.IsRemote() || !spanCtx.IsSampled() {
		t.Fatalf("expected remote sampled span context")
	}

	hexSpan, ok := parseCloudTraceHeader("105445aa7843bc8bf206b12000100000/00f067aa0ba902b7;o=0")
	if !ok || hexSpan.SpanID().String() != "00f067aa0ba902b7" || hexSpan.IsSampled() {
		t.Fatalf("expected hex span id unsampled, got %v %v", hexSpan.SpanID(), ok)
	}

	for _, header := range []string{"", "abc", "short/1", "105445aa7843bc8bf206b12000100000/zz", "105445aa7843bc8bf206b12000100000/0"} {
		if _, ok := parseCloudTraceHeader(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestTraceMiddleware_ContinuesIncomingTrace(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
	}{
		{name: "traceparent", header: "traceparent", value: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
		{name: "cloud trace", header: cloudTraceHeader, value: "4bf92f3577b34da6a3ce929d0e0e4736/12345;o=1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			handler := TraceMiddleware("shoe-dev")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = requestctx.TraceID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/catalog", nil)
			req.Header.Set(tc.header, tc.value)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if seen != "4bf92f3577b34da6a3ce929d0e0e4736" {
				t.Fatalf("expected incoming trace id on context, got %q", seen)
			}
			if got := rec.Header().Get(cloudTraceHeader); !strings.HasPrefix(got, "4bf92f3577b34da6a3ce929d0e0e4736/") {
				t.Fatalf("unexpected cloud trace response header %q", got)
			}
			if got := rec.Header().Get("traceparent"); !strings.Contains(got, "4bf92f3577b34da6a3ce929d0e0e4736") {
				t.Fatalf("unexpected traceparent response header %q", got)
			}
		})
	}
}

func TestTraceMiddleware_NoIncomingTraceLeavesContextEmpty(t *testing.T) {
	var seen string
	handler := TraceMiddleware("shoe-dev")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestctx.TraceID(r.Context())
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if seen != "" || rec.Header().Get(cloudTraceHeader) != "" {
		t.Fatalf("expected no trace without a recording provider, got %q", seen)
	}
}
