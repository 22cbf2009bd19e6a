package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/shoe-studio/api/internal/platform/httpx"
	"github.com/shoe-studio/api/internal/platform/requestctx"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
	defaultMaxBody   = 64 << 10
)

// ErrSecretRequired is returned when a signer or validator is built without a shared secret.
var ErrSecretRequired = errors.New("auth: hmac secret is required")

// NonceStore tracks unique nonces for replay prevention.
type NonceStore interface {
	// UseNonce records the nonce if it has not been seen before. The boolean reports whether
	// the nonce was stored (true) or already existed (false).
	UseNonce(ctx context.Context, nonce string, expiry time.Time) (bool, error)
}

// MemoryNonceStore keeps nonces in process memory until they expire.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces *gocache.Cache
	now    func() time.Time
}

// NewMemoryNonceStore builds a store. A non-positive cleanup interval disables the janitor;
// expired nonces are still ignored on lookup.
func NewMemoryNonceStore(cleanup time.Duration) *MemoryNonceStore {
	if cleanup <= 0 {
		cleanup = -1
	}
	return &MemoryNonceStore{
		nonces: gocache.New(gocache.NoExpiration, cleanup),
		now:    time.Now,
	}
}

// UseNonce records the nonce until expiry, rejecting replays until then.
func (s *MemoryNonceStore) UseNonce(_ context.Context, nonce string, expiry time.Time) (bool, error) {
	if strings.TrimSpace(nonce) == "" {
		return false, errors.New("auth: nonce is required")
	}
	ttl := expiry.Sub(s.now())
	if ttl <= 0 {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.nonces.Add(nonce, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

// Signer adds HMAC signature headers to outbound requests.
type Signer struct {
	secret []byte
	now    func() time.Time
	nonce  func() string

	signatureHeader string
	timestampHeader string
	nonceHeader     string
}

// SignerOption customises a Signer.
type SignerOption func(*Signer)

// WithSignerClock injects a custom clock.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSignerNonce overrides nonce generation.
func WithSignerNonce(fn func() string) SignerOption {
	return func(s *Signer) {
		if fn != nil {
			s.nonce = fn
		}
	}
}

// NewSigner builds a signer around the shared secret.
func NewSigner(secret string, opts ...SignerOption) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrSecretRequired
	}
	signer := &Signer{
		secret:          []byte(secret),
		now:             time.Now,
		nonce:           func() string { return ulid.Make().String() },
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(signer)
		}
	}
	return signer, nil
}

// Sign sets the timestamp, nonce and signature headers for the request carrying body.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	if s == nil || req == nil {
		return errors.New("auth: signer and request are required")
	}
	timestamp := s.now().UTC().Format(time.RFC3339)
	nonce := s.nonce()
	signature := computeHMAC(s.secret, buildCanonicalString(req, body, timestamp, nonce))

	req.Header.Set(s.timestampHeader, timestamp)
	req.Header.Set(s.nonceHeader, nonce)
	req.Header.Set(s.signatureHeader, base64.StdEncoding.EncodeToString(signature))
	return nil
}

// HMACValidator verifies requests signed by a Signer holding the same secret.
type HMACValidator struct {
	secret []byte
	nonces NonceStore
	logger *zap.Logger
	now    func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration
	maxBody   int64
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator for the shared secret. A nil nonce store gets an
// in-memory one.
func NewHMACValidator(secret string, nonces NonceStore, opts ...HMACOption) (*HMACValidator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrSecretRequired
	}
	if nonces == nil {
		nonces = NewMemoryNonceStore(defaultNonceTTL)
	}
	validator := &HMACValidator{
		secret:          []byte(secret),
		nonces:          nonces,
		logger:          zap.NewNop(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
		maxBody:         defaultMaxBody,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}

	return validator, nil
}

// WithHMACLogger overrides the fallback logger used when the request carries none.
func WithHMACLogger(logger *zap.Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACMaxBody bounds the body read for verification. Larger bodies get 413.
func WithHMACMaxBody(limit int64) HMACOption {
	return func(v *HMACValidator) {
		if limit > 0 {
			v.maxBody = limit
		}
	}
}

// WithHMACNonceTTL customises the nonce retention duration.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// RequireHMAC enforces the presence of a valid HMAC signature on the request.
func (v *HMACValidator) RequireHMAC(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
		if signatureValue == "" {
			v.reject(w, r, http.StatusUnauthorized, "signature_missing", "signature header missing")
			return
		}

		timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
		if timestampValue == "" {
			v.reject(w, r, http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing")
			return
		}

		timestamp, err := parseSignatureTimestamp(timestampValue)
		if err != nil {
			v.reject(w, r, http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid")
			return
		}

		if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
			v.reject(w, r, http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
			return
		}

		nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
		if nonce == "" {
			v.reject(w, r, http.StatusUnauthorized, "nonce_missing", "signature nonce missing")
			return
		}

		bodyBytes, err := readAndRestoreBody(w, r, v.maxBody)
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			v.reject(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return
		case err != nil:
			v.reject(w, r, http.StatusBadRequest, "invalid_body", "unable to read body for signature verification")
			return
		}

		signature, err := decodeSignature(signatureValue)
		if err != nil {
			v.reject(w, r, http.StatusUnauthorized, "signature_invalid", "signature encoding invalid")
			return
		}

		expected := computeHMAC(v.secret, buildCanonicalString(r, bodyBytes, timestampValue, nonce))
		if !hmac.Equal(signature, expected) {
			v.reject(w, r, http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
			return
		}

		expiry := timestamp.Add(v.nonceTTL)
		if expiry.Before(v.now()) {
			expiry = v.now().Add(v.nonceTTL)
		}

		stored, err := v.nonces.UseNonce(ctx, nonce, expiry)
		if err != nil {
			v.loggerFor(r).Warn("hmac nonce store error", zap.Error(err))
			v.reject(w, r, http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error")
			return
		}
		if !stored {
			v.reject(w, r, http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (v *HMACValidator) reject(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	v.loggerFor(r).Info("hmac verification rejected",
		zap.String("reason", code),
		zap.String("path", r.URL.Path),
	)
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

func (v *HMACValidator) loggerFor(r *http.Request) *zap.Logger {
	return requestctx.LoggerOr(r.Context(), v.logger)
}

func readAndRestoreBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}

	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}

	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

// buildCanonicalString joins method, path, timestamp, nonce and the body hash.
func buildCanonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
