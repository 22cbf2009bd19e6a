package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shoe-studio/api/internal/platform/httpx"
	"github.com/shoe-studio/api/internal/platform/requestctx"
)

const (
	defaultHeader  = "Idempotency-Key"
	replayHeader   = "X-Idempotent-Replay"
	maxKeyLength   = 255
	defaultMaxBody = 64 << 10
)

// statusClientClosedRequest is the non-standard 499 for a caller that went away.
const statusClientClosedRequest = 499

type options struct {
	header  string
	ttl     time.Duration
	methods []string
	maxBody int64
	logger  *zap.Logger
}

// Option tunes Middleware.
type Option func(*options)

// WithHeader reads the key from a different request header.
func WithHeader(name string) Option {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.header = name
		}
	}
}

// WithTTL sets how long a completed response is replayed.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithMethods limits which methods are guarded. Defaults to POST, PUT, PATCH and DELETE.
func WithMethods(methods ...string) Option {
	return func(o *options) {
		var kept []string
		for _, m := range methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				kept = append(kept, m)
			}
		}
		if len(kept) > 0 {
			o.methods = kept
		}
	}
}

// WithMaxBody bounds the request body buffered for fingerprinting.
func WithMaxBody(limit int64) Option {
	return func(o *options) {
		if limit > 0 {
			o.maxBody = limit
		}
	}
}

// WithLogger is used when the request context carries no logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Middleware makes keyed session mutations safe to retry. The first request with a key runs
// and its response is stored; repeats within the TTL get the stored response back with
// X-Idempotent-Replay set. Keys are scoped to the session in the request context.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	o := options{
		header:  defaultHeader,
		ttl:     DefaultTTL,
		methods: []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		maxBody: defaultMaxBody,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(o.header))
			if key == "" || !guarded(o.methods, r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key is too long", http.StatusBadRequest))
				return
			}

			logger := requestctx.LoggerOr(ctx, o.logger)

			body, err := bufferBody(w, r, o.maxBody)
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge))
				return
			case err != nil:
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}

			scope := requestctx.SessionID(ctx)
			scoped := scopedKey(key, scope)
			fingerprint := requestFingerprint(r, body, scope)

			outcome, stored, err := store.Reserve(ctx, scoped, fingerprint, o.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
				return
			case err != nil:
				logger.Error("idempotency: reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusInternalServerError))
				return
			case outcome == OutcomeReplay && stored != nil:
				replay(w, stored)
				return
			case outcome == OutcomeInFlight:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict).WithRetryable(true))
				return
			}

			buf := &bufferedWriter{header: make(http.Header)}
			next.ServeHTTP(buf, r)

			if !replayable(buf.code()) {
				if err := store.Release(ctx, scoped); err != nil {
					logger.Warn("idempotency: release failed", zap.Error(err))
				}
			} else if err := store.Complete(ctx, scoped, fingerprint, buf.response(), o.ttl); err != nil {
				logger.Warn("idempotency: store response failed", zap.Error(err))
				if err := store.Release(ctx, scoped); err != nil {
					logger.Warn("idempotency: release failed", zap.Error(err))
				}
			}
			buf.flushTo(w)
		})
	}
}

func guarded(methods []string, method string) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

// replayable reports whether a response is deterministic for its request. Server errors and
// answers about timing (timeouts, conflicts with a running generation, rate limits, client
// disconnects) release the key so the retry runs again.
func replayable(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests, statusClientClosedRequest:
		return false
	}
	return status < http.StatusInternalServerError
}

func bufferBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint ties a key to one exact request so reuse with a different payload
// is rejected instead of replayed.
func requestFingerprint(r *http.Request, body []byte, scope string) string {
	h := sha256.New()
	for _, part := range []string{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Content-Type"), scope} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func scopedKey(key, scope string) string {
	if scope = strings.TrimSpace(scope); scope == "" {
		scope = "-"
	}
	return scope + "|" + key
}

func replay(w http.ResponseWriter, resp *Response) {
	header := w.Header()
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}
	header.Set(replayHeader, "true")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// bufferedWriter holds the handler's response until it has been stored.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	return b.body.Write(p)
}

func (b *bufferedWriter) code() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) response() Response {
	return Response{Status: b.code(), Header: b.header.Clone(), Body: b.body.Bytes()}
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	dst := w.Header()
	for name, values := range b.header {
		dst[name] = values
	}
	w.WriteHeader(b.code())
	_, _ = w.Write(b.body.Bytes())
}
