package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/shoe-studio/api/internal/catalog"
	domain "github.com/shoe-studio/api/internal/domain"
)

type stubGenerator struct {
	generate func(ctx context.Context, text string) (GenerationResult, error)
}

func (s stubGenerator) Generate(ctx context.Context, text string) (GenerationResult, error) {
	return s.generate(ctx, text)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []GenerationEvent
	err    error
}

func (p *recordingPublisher) PublishGenerationEvent(_ context.Context, event GenerationEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return "msg-" + event.EventID, p.err
}

func (p *recordingPublisher) snapshot() []GenerationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]GenerationEvent(nil), p.events...)
}

func newTestSessionService(t *testing.T, gen GenerationService, events GenerationEventPublisher) SessionService {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ids := 0
	var idMu sync.Mutex
	svc, err := NewSessionService(SessionServiceDeps{
		Catalog:         twoPartCatalog(t),
		Generator:       gen,
		Events:          events,
		TTL:             time.Hour,
		CleanupInterval: -1,
		Clock:           func() time.Time { return now },
		IDGenerator: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			ids++
			return "ID" + strings.Repeat("X", ids)
		},
	})
	if err != nil {
		t.Fatalf("NewSessionService: %v", err)
	}
	return svc
}

func staticGenerator(mapping domain.PartialMapping, mode domain.GenerationMode) stubGenerator {
	return stubGenerator{generate: func(context.Context, string) (GenerationResult, error) {
		return GenerationResult{Mapping: mapping.Clone(), Mode: mode, Latency: 5 * time.Millisecond}, nil
	}}
}

func TestSessionService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newTestSessionService(t, staticGenerator(nil, ""), nil)

	session, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if session.ID != "ses_idx" {
		t.Fatalf("unexpected session id %q", session.ID)
	}
	if session.Selection.CurrentPart.ID != "laces" || session.Selection.CurrentColor.ID != "white" {
		t.Fatalf("unexpected initial selection %+v", session.Selection)
	}
	if session.ExpiresAt.IsZero() {
		t.Fatalf("expected expiry to be reported")
	}
	if n := svc.ActiveSessions(); n != 1 {
		t.Fatalf("expected one active session, got %d", n)
	}

	session, err = svc.SelectPart(ctx, SelectPartCommand{SessionID: session.ID, PartID: "outsole"})
	if err != nil {
		t.Fatalf("SelectPart: %v", err)
	}
	session, err = svc.SetColor(ctx, SetColorCommand{SessionID: session.ID, ColorID: "red"})
	if err != nil {
		t.Fatalf("SetColor: %v", err)
	}
	session, err = svc.ApplyColors(ctx, ApplyColorsCommand{SessionID: session.ID, Colors: domain.PartialMapping{"laces": "black"}})
	if err != nil {
		t.Fatalf("ApplyColors: %v", err)
	}
	want := domain.Assignment{"laces": "black", "outsole": "red"}
	if diff := cmp.Diff(want, session.Selection.Assignment); diff != "" {
		t.Fatalf("assignment mismatch (-want +got):\n%s", diff)
	}

	session, err = svc.ResetPartColor(ctx, session.ID)
	if err != nil {
		t.Fatalf("ResetPartColor: %v", err)
	}
	if session.Selection.Assignment["outsole"] != "white" {
		t.Fatalf("expected outsole reset, got %v", session.Selection.Assignment)
	}

	got, err := svc.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(session, got); diff != "" {
		t.Fatalf("Get mismatch (-want +got):\n%s", diff)
	}

	if err := svc.Delete(ctx, session.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n := svc.ActiveSessions(); n != 0 {
		t.Fatalf("expected no active sessions after delete, got %d", n)
	}
	if _, err := svc.Get(ctx, session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := svc.Delete(ctx, session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestSessionService_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	svc := newTestSessionService(t, staticGenerator(nil, ""), nil)
	session, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.Get(ctx, "  "); !errors.Is(err, ErrSessionInvalidInput) {
		t.Fatalf("expected invalid input for blank id, got %v", err)
	}
	if _, err := svc.Get(ctx, "ses_missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.SetColor(ctx, SetColorCommand{SessionID: session.ID, ColorID: "red"}); !errors.Is(err, catalog.ErrIllegalColor) {
		t.Fatalf("expected illegal color, got %v", err)
	}
	if _, err := svc.ApplyColors(ctx, ApplyColorsCommand{SessionID: session.ID}); !errors.Is(err, ErrSessionInvalidInput) {
		t.Fatalf("expected invalid input for empty colors, got %v", err)
	}
	if _, err := svc.ApplyColors(ctx, ApplyColorsCommand{SessionID: session.ID, Colors: domain.PartialMapping{"laces": "black", "heel": "black"}}); !errors.Is(err, catalog.ErrUnknownPart) {
		t.Fatalf("expected unknown part, got %v", err)
	}
	got, err := svc.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(session.Selection.Assignment, got.Selection.Assignment); diff != "" {
		t.Fatalf("rejected operations changed state (-want +got):\n%s", diff)
	}
}

func TestSessionService_GenerateMergesAndPublishes(t *testing.T) {
	ctx := context.Background()
	events := &recordingPublisher{}
	svc := newTestSessionService(t, staticGenerator(domain.PartialMapping{"laces": "black"}, domain.GenerationModePartial), events)

	session, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	out, err := svc.Generate(ctx, GenerateCommand{SessionID: session.ID, Message: "secret design idea"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := domain.Assignment{"laces": "black", "outsole": "white"}
	if diff := cmp.Diff(want, out.Session.Selection.Assignment); diff != "" {
		t.Fatalf("assignment mismatch (-want +got):\n%s", diff)
	}
	if out.Result.Mode != domain.GenerationModePartial {
		t.Fatalf("unexpected mode %s", out.Result.Mode)
	}

	published := events.snapshot()
	if len(published) != 1 {
		t.Fatalf("expected one event, got %d", len(published))
	}
	event := published[0]
	if event.SessionID != session.ID || event.Status != "ok" || event.Mode != "partial" || event.PartCount != 1 {
		t.Fatalf("unexpected event %+v", event)
	}
	if !strings.HasPrefix(event.EventID, "gev_") {
		t.Fatalf("unexpected event id %q", event.EventID)
	}
}

func TestSessionService_GenerateFailureLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	events := &recordingPublisher{err: errors.New("pubsub down")}
	gen := stubGenerator{generate: func(context.Context, string) (GenerationResult, error) {
		return GenerationResult{}, newGenerationError(GenerationKindSchemaViolation, catalog.ErrIllegalColor, "response rejected")
	}}
	svc := newTestSessionService(t, gen, events)

	session, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = svc.Generate(ctx, GenerateCommand{SessionID: session.ID, Message: "red laces"})
	if !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
	got, err := svc.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(session.Selection.Assignment, got.Selection.Assignment); diff != "" {
		t.Fatalf("failed generation changed state (-want +got):\n%s", diff)
	}
	published := events.snapshot()
	if len(published) != 1 || published[0].Status != string(GenerationKindSchemaViolation) {
		t.Fatalf("expected failure event despite publisher error, got %+v", published)
	}
}

func TestSessionService_GenerateRevalidatesMapping(t *testing.T) {
	ctx := context.Background()
	// A generator that skipped validation must not corrupt the store.
	svc := newTestSessionService(t, staticGenerator(domain.PartialMapping{"laces": "red"}, domain.GenerationModePartial), nil)

	session, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = svc.Generate(ctx, GenerateCommand{SessionID: session.ID, Message: "red laces"})
	if !errors.Is(err, ErrSchemaViolation) || !errors.Is(err, catalog.ErrIllegalColor) {
		t.Fatalf("expected schema violation, got %v", err)
	}
	got, err := svc.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Selection.Assignment["laces"] != "white" {
		t.Fatalf("store was written: %v", got.Selection.Assignment)
	}
}

func TestSessionService_BlankGenerateDoesNotCancelInFlight(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	gen := stubGenerator{generate: func(ctx context.Context, text string) (GenerationResult, error) {
		calls.Add(1)
		close(started)
		select {
		case <-release:
			return GenerationResult{Mapping: domain.PartialMapping{"outsole": "red"}, Mode: domain.GenerationModePartial}, nil
		case <-ctx.Done():
			return GenerationResult{}, newGenerationError(GenerationKindSuperseded, nil, "replaced")
		}
	}}
	svc := newTestSessionService(t, gen, nil)
	session, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	inFlight := make(chan error, 1)
	go func() {
		_, err := svc.Generate(ctx, GenerateCommand{SessionID: session.ID, Message: "red outsole"})
		inFlight <- err
	}()
	<-started

	for _, blank := range []string{" \n ", "<p></p>", "<div> <br/> </div>", "&nbsp;<span></span>"} {
		_, err := svc.Generate(ctx, GenerateCommand{SessionID: session.ID, Message: blank})
		if !errors.Is(err, ErrEmptyInput) {
			t.Fatalf("%q: expected empty input, got %v", blank, err)
		}
	}
	close(release)

	if err := <-inFlight; err != nil {
		t.Fatalf("in-flight generation must survive blank requests, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("generator should only run for the real request, got %d calls", n)
	}
	got, err := svc.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Selection.Assignment["outsole"] != "red" {
		t.Fatalf("expected in-flight result merged, got %v", got.Selection.Assignment)
	}
}

func TestSessionService_NewerGenerationSupersedesOlder(t *testing.T) {
	ctx := context.Background()
	firstStarted := make(chan struct{})
	gen := stubGenerator{generate: func(ctx context.Context, text string) (GenerationResult, error) {
		if text == "first" {
			close(firstStarted)
			<-ctx.Done()
			if errors.Is(context.Cause(ctx), ErrGenerationSuperseded) {
				return GenerationResult{}, newGenerationError(GenerationKindSuperseded, nil, "replaced")
			}
			return GenerationResult{}, newGenerationError(GenerationKindCanceled, ctx.Err(), "canceled")
		}
		return GenerationResult{Mapping: domain.PartialMapping{"outsole": "red"}, Mode: domain.GenerationModePartial}, nil
	}}
	svc := newTestSessionService(t, gen, nil)
	session, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Generate(ctx, GenerateCommand{SessionID: session.ID, Message: "first"})
		firstErr <- err
	}()
	<-firstStarted

	out, err := svc.Generate(ctx, GenerateCommand{SessionID: session.ID, Message: "second"})
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if out.Session.Selection.Assignment["outsole"] != "red" {
		t.Fatalf("expected second generation merged, got %v", out.Session.Selection.Assignment)
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrGenerationSuperseded) {
			t.Fatalf("expected first generation superseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first generation never returned")
	}
}

func TestSessionService_LateResultOfSupersededCallIsDiscarded(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	firstStarted := make(chan struct{})
	gen := stubGenerator{generate: func(ctx context.Context, text string) (GenerationResult, error) {
		if text == "first" {
			close(firstStarted)
			<-release
			// Ignores cancellation and reports success anyway.
			return GenerationResult{Mapping: domain.PartialMapping{"laces": "black"}, Mode: domain.GenerationModePartial}, nil
		}
		return GenerationResult{Mapping: domain.PartialMapping{"outsole": "red"}, Mode: domain.GenerationModePartial}, nil
	}}
	svc := newTestSessionService(t, gen, nil)
	session, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Generate(ctx, GenerateCommand{SessionID: session.ID, Message: "first"})
		firstErr <- err
	}()
	<-firstStarted
	if _, err := svc.Generate(ctx, GenerateCommand{SessionID: session.ID, Message: "second"}); err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	close(release)

	if err := <-firstErr; !errors.Is(err, ErrGenerationSuperseded) {
		t.Fatalf("expected superseded, got %v", err)
	}
	got, err := svc.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := domain.Assignment{"laces": "white", "outsole": "red"}
	if diff := cmp.Diff(want, got.Selection.Assignment); diff != "" {
		t.Fatalf("late result leaked into store (-want +got):\n%s", diff)
	}
}

func TestSessionService_DeleteCancelsGeneration(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	gen := stubGenerator{generate: func(ctx context.Context, text string) (GenerationResult, error) {
		close(started)
		<-ctx.Done()
		return GenerationResult{}, newGenerationError(GenerationKindCanceled, ctx.Err(), "canceled")
	}}
	svc := newTestSessionService(t, gen, nil)
	session, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.Generate(ctx, GenerateCommand{SessionID: session.ID, Message: "anything"})
		done <- err
	}()
	<-started
	if err := svc.Delete(ctx, session.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected session not found, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("generation was not cancelled by delete")
	}
}

func TestNewSessionService_Validation(t *testing.T) {
	if _, err := NewSessionService(SessionServiceDeps{Generator: staticGenerator(nil, "")}); err == nil {
		t.Fatalf("expected error without catalog")
	}
	if _, err := NewSessionService(SessionServiceDeps{Catalog: twoPartCatalog(t)}); err == nil {
		t.Fatalf("expected error without generator")
	}
}
