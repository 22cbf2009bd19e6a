package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testSecret = "designer-shared-secret"

func signedRequest(t *testing.T, signer *Signer, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/functions/generate-shoe-colors", bytes.NewReader([]byte(body)))
	if err := signer.Sign(req, []byte(body)); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return req
}

func newTestValidator(t *testing.T, now time.Time, opts ...HMACOption) *HMACValidator {
	t.Helper()
	opts = append([]HMACOption{WithHMACClock(func() time.Time { return now })}, opts...)
	validator, err := NewHMACValidator(testSecret, NewMemoryNonceStore(0), opts...)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return validator
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rr.Body.String())
	}
	code, _ := body["error"].(string)
	return code
}

func TestRequireHMAC_Success(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	signer, err := NewSigner(testSecret,
		WithSignerClock(func() time.Time { return now }),
		WithSignerNonce(func() string { return "nonce-1" }),
	)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	validator := newTestValidator(t, now)

	body := `{"message":"red laces"}`
	req := signedRequest(t, signer, body)

	var seen string
	rr := httptest.NewRecorder()
	validator.RequireHMAC(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		seen = string(raw)
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if seen != body {
		t.Fatalf("expected body restored for handler, got %q", seen)
	}
}

func TestRequireHMAC_Rejections(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	signer, err := NewSigner(testSecret, WithSignerClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	otherSigner, err := NewSigner("other-secret", WithSignerClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	staleSigner, err := NewSigner(testSecret, WithSignerClock(func() time.Time { return now.Add(-10 * time.Minute) }))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	tests := []struct {
		name   string
		build  func() *http.Request
		status int
		code   string
	}{
		{
			name: "unsigned",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/v1/functions/generate-shoe-colors", nil)
			},
			status: http.StatusUnauthorized,
			code:   "signature_missing",
		},
		{
			name:   "wrong secret",
			build:  func() *http.Request { return signedRequest(t, otherSigner, `{"message":"x"}`) },
			status: http.StatusUnauthorized,
			code:   "signature_mismatch",
		},
		{
			name: "tampered body",
			build: func() *http.Request {
				req := signedRequest(t, signer, `{"message":"x"}`)
				req.Body = io.NopCloser(bytes.NewReader([]byte(`{"message":"y"}`)))
				return req
			},
			status: http.StatusUnauthorized,
			code:   "signature_mismatch",
		},
		{
			name:   "stale timestamp",
			build:  func() *http.Request { return signedRequest(t, staleSigner, `{"message":"x"}`) },
			status: http.StatusUnauthorized,
			code:   "timestamp_skew",
		},
		{
			name: "garbled signature",
			build: func() *http.Request {
				req := signedRequest(t, signer, `{"message":"x"}`)
				req.Header.Set(defaultSignatureHeader, "not base64 !!")
				return req
			},
			status: http.StatusUnauthorized,
			code:   "signature_invalid",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			validator := newTestValidator(t, now)
			rr := httptest.NewRecorder()
			validator.RequireHMAC(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("handler must not run")
			})).ServeHTTP(rr, tc.build())

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if got := errorCode(t, rr); got != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, got)
			}
		})
	}
}

func TestRequireHMAC_BodyOverLimit(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	signer, err := NewSigner(testSecret, WithSignerClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	validator := newTestValidator(t, now, WithHMACMaxBody(16))

	rr := httptest.NewRecorder()
	validator.RequireHMAC(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	})).ServeHTTP(rr, signedRequest(t, signer, `{"message":"a body well past the limit"}`))

	if rr.Code != http.StatusRequestEntityTooLarge || errorCode(t, rr) != "payload_too_large" {
		t.Fatalf("expected 413 payload_too_large, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestRequireHMAC_ReplayRejected(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	signer, err := NewSigner(testSecret,
		WithSignerClock(func() time.Time { return now }),
		WithSignerNonce(func() string { return "fixed" }),
	)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	validator := newTestValidator(t, now)
	handler := validator.RequireHMAC(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, signedRequest(t, signer, `{"message":"x"}`))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, signedRequest(t, signer, `{"message":"x"}`))
	if second.Code != http.StatusUnauthorized || errorCode(t, second) != "nonce_replay" {
		t.Fatalf("expected nonce_replay, got %d %s", second.Code, second.Body.String())
	}
}

type failingNonceStore struct{}

func (failingNonceStore) UseNonce(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("store offline")
}

func TestRequireHMAC_NonceStoreFailure(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	signer, err := NewSigner(testSecret, WithSignerClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	validator, err := NewHMACValidator(testSecret, failingNonceStore{}, WithHMACClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}

	rr := httptest.NewRecorder()
	validator.RequireHMAC(http.NotFoundHandler()).ServeHTTP(rr, signedRequest(t, signer, `{}`))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner("  "); !errors.Is(err, ErrSecretRequired) {
		t.Fatalf("expected ErrSecretRequired, got %v", err)
	}
	if _, err := NewHMACValidator("", nil); !errors.Is(err, ErrSecretRequired) {
		t.Fatalf("expected ErrSecretRequired, got %v", err)
	}
}

func TestMemoryNonceStoreExpiry(t *testing.T) {
	store := NewMemoryNonceStore(0)
	ctx := context.Background()

	if ok, err := store.UseNonce(ctx, "n1", time.Now().Add(30*time.Millisecond)); err != nil || !ok {
		t.Fatalf("expected first use stored, got %v %v", ok, err)
	}
	if ok, _ := store.UseNonce(ctx, "n1", time.Now().Add(time.Minute)); ok {
		t.Fatalf("expected replay within ttl to be refused")
	}
	time.Sleep(50 * time.Millisecond)
	if ok, err := store.UseNonce(ctx, "n1", time.Now().Add(time.Minute)); err != nil || !ok {
		t.Fatalf("expected nonce reusable after expiry, got %v %v", ok, err)
	}
	if _, err := store.UseNonce(ctx, "n2", time.Now().Add(-time.Second)); err == nil {
		t.Fatalf("expected error for expiry in the past")
	}
}
