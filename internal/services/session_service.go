package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shoe-studio/api/internal/catalog"
	domain "github.com/shoe-studio/api/internal/domain"
	"github.com/shoe-studio/api/internal/platform/textutil"
)

var (
	// ErrSessionInvalidInput indicates the caller provided invalid arguments.
	ErrSessionInvalidInput = errors.New("session: invalid input")
	// ErrSessionNotFound indicates the session does not exist or has expired.
	ErrSessionNotFound = errors.New("session: not found")
)

const (
	sessionIDPrefix           = "ses_"
	eventIDPrefix             = "gev_"
	defaultSessionTTL         = 2 * time.Hour
	defaultSessionCleanup     = 10 * time.Minute
	defaultEventPublishBudget = 5 * time.Second
	sessionMetricNamespace    = "github.com/shoe-studio/api/internal/services"
	generationStatusOK        = "ok"
)

var errSessionEnded = errors.New("session ended")

// SessionServiceDeps wires dependencies for the session service implementation.
type SessionServiceDeps struct {
	Catalog   *catalog.Catalog
	Generator GenerationService
	Events    GenerationEventPublisher
	// TTL is the idle lifetime of a session; each access extends it.
	TTL time.Duration
	// CleanupInterval controls how often expired sessions are purged. Negative disables
	// the background purge.
	CleanupInterval time.Duration
	Clock           func() time.Time
	IDGenerator     func() string
	Meter           metric.Meter
	Logger          func(context.Context, string, map[string]any)
}

type sessionEntry struct {
	mu         sync.Mutex
	id         string
	store      *CustomizationStore
	createdAt  time.Time
	updatedAt  time.Time
	accessedAt time.Time
	ended      bool

	generationSeq    uint64
	cancelGeneration context.CancelCauseFunc
}

type sessionService struct {
	catalog   *catalog.Catalog
	generator GenerationService
	events    GenerationEventPublisher
	sessions  *cache.Cache
	ttl       time.Duration
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)

	outcomes        metric.Int64Counter
	outcomesEnabled bool
	latency         metric.Float64Histogram
	latencyEnabled  bool
}

var _ SessionService = (*sessionService)(nil)

// NewSessionService constructs a SessionService holding sessions in memory.
func NewSessionService(deps SessionServiceDeps) (SessionService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("session service: catalog is required")
	}
	if deps.Generator == nil {
		return nil, errors.New("session service: generator is required")
	}

	ttl := deps.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	cleanup := deps.CleanupInterval
	if cleanup == 0 {
		cleanup = defaultSessionCleanup
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(sessionMetricNamespace)
	}

	svc := &sessionService{
		catalog:   deps.Catalog,
		generator: deps.Generator,
		events:    deps.Events,
		sessions:  cache.New(ttl, cleanup),
		ttl:       ttl,
		clock:     func() time.Time { return clock().UTC() },
		newID:     idGen,
		logger:    logger,
	}

	outcomes, err := meter.Int64Counter(
		"generation.requests",
		metric.WithDescription("Count of generation requests by outcome"),
	)
	if err != nil {
		logger(context.Background(), "session.metric_registration_failed", map[string]any{"metric": "generation.requests", "error": err.Error()})
	} else {
		svc.outcomes, svc.outcomesEnabled = outcomes, true
	}
	latency, err := meter.Float64Histogram(
		"generation.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds of generation requests"),
	)
	if err != nil {
		logger(context.Background(), "session.metric_registration_failed", map[string]any{"metric": "generation.latency", "error": err.Error()})
	} else {
		svc.latency, svc.latencyEnabled = latency, true
	}

	svc.sessions.OnEvicted(func(_ string, value any) {
		if entry, ok := value.(*sessionEntry); ok {
			entry.end()
		}
	})

	return svc, nil
}

func (s *sessionService) Create(ctx context.Context) (Session, error) {
	store, err := NewCustomizationStore(s.catalog)
	if err != nil {
		return Session{}, err
	}
	now := s.clock()
	entry := &sessionEntry{
		id:         s.nextSessionID(),
		store:      store,
		createdAt:  now,
		updatedAt:  now,
		accessedAt: now,
	}
	if err := s.sessions.Add(entry.id, entry, cache.DefaultExpiration); err != nil {
		return Session{}, fmt.Errorf("session service: register session: %w", err)
	}
	s.logger(ctx, "session.created", map[string]any{"sessionId": entry.id})

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return s.snapshot(entry)
}

func (s *sessionService) Get(ctx context.Context, sessionID string) (Session, error) {
	entry, err := s.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.ended {
		return Session{}, ErrSessionNotFound
	}
	s.touch(entry, false)
	return s.snapshot(entry)
}

func (s *sessionService) Delete(ctx context.Context, sessionID string) error {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return err
	}
	if _, found := s.sessions.Get(id); !found {
		return ErrSessionNotFound
	}
	// Eviction ends the entry and cancels any in-flight generation.
	s.sessions.Delete(id)
	s.logger(ctx, "session.deleted", map[string]any{"sessionId": id})
	return nil
}

// ActiveSessions includes sessions that expired but have not been purged yet.
func (s *sessionService) ActiveSessions() int {
	return s.sessions.ItemCount()
}

func (s *sessionService) SelectPart(ctx context.Context, cmd SelectPartCommand) (Session, error) {
	return s.mutate(cmd.SessionID, func(store *CustomizationStore) error {
		return store.SelectPart(domain.PartID(strings.TrimSpace(string(cmd.PartID))))
	})
}

func (s *sessionService) SetColor(ctx context.Context, cmd SetColorCommand) (Session, error) {
	return s.mutate(cmd.SessionID, func(store *CustomizationStore) error {
		return store.SetColor(domain.ColorID(strings.TrimSpace(string(cmd.ColorID))))
	})
}

func (s *sessionService) ApplyColors(ctx context.Context, cmd ApplyColorsCommand) (Session, error) {
	if len(cmd.Colors) == 0 {
		return Session{}, fmt.Errorf("%w: colors are required", ErrSessionInvalidInput)
	}
	return s.mutate(cmd.SessionID, func(store *CustomizationStore) error {
		return store.ApplyMapping(cmd.Colors)
	})
}

func (s *sessionService) ResetPartColor(ctx context.Context, sessionID string) (Session, error) {
	return s.mutate(sessionID, func(store *CustomizationStore) error {
		return store.ResetPartColor()
	})
}

// Generate runs the generation pipeline and merges its mapping into the session. A newer
// Generate on the same session cancels this one, which then returns ErrGenerationSuperseded
// without writing.
func (s *sessionService) Generate(ctx context.Context, cmd GenerateCommand) (SessionGeneration, error) {
	entry, err := s.lookup(cmd.SessionID)
	if err != nil {
		return SessionGeneration{}, err
	}
	// Text the pipeline would reject as empty (blank or markup only) must not cancel a
	// generation that is already running. The rune cap cannot empty a prompt, so none is set.
	if textutil.NormalizePrompt(cmd.Message, 0) == "" {
		return SessionGeneration{}, newGenerationError(GenerationKindEmptyInput, nil, "request text is blank")
	}

	genCtx, seq, err := entry.beginGeneration(ctx)
	if err != nil {
		return SessionGeneration{}, err
	}
	defer entry.finishGeneration(seq)

	start := s.clock()
	result, genErr := s.generator.Generate(genCtx, cmd.Message)
	outcome, err := s.mergeGeneration(entry, seq, result, genErr)
	s.recordGeneration(ctx, entry.id, result, err, s.clock().Sub(start))
	if err != nil {
		return SessionGeneration{}, err
	}
	return outcome, nil
}

// mergeGeneration applies a finished generation unless the session ended or a newer
// generation started in the meantime.
func (s *sessionService) mergeGeneration(entry *sessionEntry, seq uint64, result GenerationResult, genErr error) (SessionGeneration, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	switch {
	case entry.ended:
		return SessionGeneration{}, ErrSessionNotFound
	case entry.generationSeq != seq:
		return SessionGeneration{}, newGenerationError(GenerationKindSuperseded, nil, "replaced by a newer request")
	case genErr != nil:
		return SessionGeneration{}, genErr
	}

	if err := entry.store.ApplyMapping(result.Mapping); err != nil {
		return SessionGeneration{}, newGenerationError(GenerationKindSchemaViolation, err, "mapping rejected by store")
	}
	s.touch(entry, true)

	session, err := s.snapshot(entry)
	if err != nil {
		return SessionGeneration{}, err
	}
	return SessionGeneration{Session: session, Result: result}, nil
}

func (s *sessionService) mutate(sessionID string, apply func(*CustomizationStore) error) (Session, error) {
	entry, err := s.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.ended {
		return Session{}, ErrSessionNotFound
	}
	if err := apply(entry.store); err != nil {
		return Session{}, err
	}
	s.touch(entry, true)
	return s.snapshot(entry)
}

func (s *sessionService) lookup(sessionID string) (*sessionEntry, error) {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	value, found := s.sessions.Get(id)
	if !found {
		return nil, ErrSessionNotFound
	}
	entry, ok := value.(*sessionEntry)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return entry, nil
}

// touch extends the session TTL; callers hold entry.mu.
func (s *sessionService) touch(entry *sessionEntry, modified bool) {
	now := s.clock()
	entry.accessedAt = now
	if modified {
		entry.updatedAt = now
	}
	_ = s.sessions.Replace(entry.id, entry, cache.DefaultExpiration)
}

// snapshot renders the entry; callers hold entry.mu.
func (s *sessionService) snapshot(entry *sessionEntry) (Session, error) {
	selection, err := entry.store.Snapshot()
	if err != nil {
		return Session{}, err
	}
	return Session{
		ID:        entry.id,
		Selection: selection,
		CreatedAt: entry.createdAt,
		UpdatedAt: entry.updatedAt,
		ExpiresAt: entry.accessedAt.Add(s.ttl),
	}, nil
}

func (s *sessionService) recordGeneration(ctx context.Context, sessionID string, result GenerationResult, genErr error, latency time.Duration) {
	status := generationStatusOK
	if genErr != nil {
		status = generationStatus(genErr)
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	if s.outcomesEnabled {
		s.outcomes.Add(ctx, 1, attrs)
	}
	if s.latencyEnabled {
		s.latency.Record(ctx, float64(latency)/float64(time.Millisecond), attrs)
	}

	fields := map[string]any{
		"sessionId": sessionID,
		"status":    status,
		"latencyMs": latency.Milliseconds(),
	}
	if genErr != nil {
		fields["error"] = genErr.Error()
	} else {
		fields["mode"] = string(result.Mode)
		fields["partCount"] = len(result.Mapping)
	}
	s.logger(ctx, "session.generation", fields)

	if s.events == nil {
		return
	}
	event := GenerationEvent{
		EventID:    eventIDPrefix + s.newID(),
		SessionID:  sessionID,
		Status:     status,
		Latency:    latency,
		OccurredAt: s.clock(),
	}
	if genErr == nil {
		event.Mode = string(result.Mode)
		event.PartCount = len(result.Mapping)
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultEventPublishBudget)
	defer cancel()
	if _, err := s.events.PublishGenerationEvent(publishCtx, event); err != nil {
		s.logger(ctx, "session.generation_event_failed", map[string]any{
			"sessionId": sessionID,
			"error":     err.Error(),
		})
	}
}

func (s *sessionService) nextSessionID() string {
	return sessionIDPrefix + strings.ToLower(s.newID())
}

// beginGeneration cancels any in-flight generation and registers a new one.
func (e *sessionEntry) beginGeneration(parent context.Context) (context.Context, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return nil, 0, ErrSessionNotFound
	}
	if e.cancelGeneration != nil {
		e.cancelGeneration(ErrGenerationSuperseded)
	}
	ctx, cancel := context.WithCancelCause(parent)
	e.generationSeq++
	e.cancelGeneration = cancel
	return ctx, e.generationSeq, nil
}

func (e *sessionEntry) finishGeneration(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generationSeq == seq && e.cancelGeneration != nil {
		e.cancelGeneration(nil)
		e.cancelGeneration = nil
	}
}

func (e *sessionEntry) end() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ended = true
	if e.cancelGeneration != nil {
		e.cancelGeneration(errSessionEnded)
		e.cancelGeneration = nil
	}
}

func generationStatus(err error) string {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return string(genErr.Kind)
	}
	if errors.Is(err, ErrSessionNotFound) {
		return "session_ended"
	}
	return "internal_error"
}

func normalizeSessionID(sessionID string) (string, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return "", fmt.Errorf("%w: session id is required", ErrSessionInvalidInput)
	}
	return id, nil
}
