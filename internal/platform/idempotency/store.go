package idempotency

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL is how long a completed response stays replayable.
const DefaultTTL = 10 * time.Minute

// Outcome is the result of reserving a key.
type Outcome int

const (
	// OutcomeReserved means the caller owns the key and should run the request.
	OutcomeReserved Outcome = iota
	// OutcomeReplay means a stored response exists for the key.
	OutcomeReplay
	// OutcomeInFlight means another request holds the key and has not finished.
	OutcomeInFlight
)

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key already used for a different request")

// Response is a captured HTTP response kept for replay.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Store holds reservations and captured responses keyed by scoped idempotency key.
type Store interface {
	// Reserve claims key for fingerprint. A replay outcome carries the stored response.
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (Outcome, *Response, error)
	// Complete stores the response for a key reserved by the same fingerprint.
	Complete(ctx context.Context, key, fingerprint string, resp Response, ttl time.Duration) error
	// Release forgets key so the next attempt runs again.
	Release(ctx context.Context, key string) error
}

type entry struct {
	fingerprint string
	response    *Response
}

// MemoryStore keeps entries in process memory until their TTL passes.
type MemoryStore struct {
	mu      sync.Mutex
	entries *gocache.Cache
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore builds a store. A non-positive cleanup interval disables the janitor;
// expired entries are still ignored on lookup.
func NewMemoryStore(cleanup time.Duration) *MemoryStore {
	if cleanup <= 0 {
		cleanup = -1
	}
	return &MemoryStore{entries: gocache.New(DefaultTTL, cleanup)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (Outcome, *Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found := s.entries.Get(key)
	if !found {
		s.entries.Set(key, entry{fingerprint: fingerprint}, ttlOrDefault(ttl))
		return OutcomeReserved, nil, nil
	}
	e := existing.(entry)
	switch {
	case e.fingerprint != fingerprint:
		return 0, nil, ErrFingerprintMismatch
	case e.response != nil:
		return OutcomeReplay, e.response, nil
	default:
		return OutcomeInFlight, nil, nil
	}
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, found := s.entries.Get(key); found && existing.(entry).fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	stored := Response{
		Status: resp.Status,
		Header: replayableHeader(resp.Header),
		Body:   append([]byte(nil), resp.Body...),
	}
	s.entries.Set(key, entry{fingerprint: fingerprint, response: &stored}, ttlOrDefault(ttl))
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Delete(key)
	return nil
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// hopHeaders are per-connection or per-request and must not be replayed.
var hopHeaders = []string{
	"Connection", "Content-Length", "Date", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade", "X-Request-Id",
}

func replayableHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}
