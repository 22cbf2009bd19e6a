package services

import (
	"context"

	domain "github.com/shoe-studio/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Session            = domain.Session
	SelectionSnapshot  = domain.SelectionSnapshot
	GenerationResult   = domain.GenerationResult
	GenerationEvent    = domain.GenerationEvent
	SystemHealthReport = domain.SystemHealthReport
)

// GenerationService turns free text into a validated part to color mapping. Failures are
// *GenerationError values.
type GenerationService interface {
	Generate(ctx context.Context, text string) (GenerationResult, error)
}

// SessionService owns the customization stores of live configurator sessions. Every
// mutation returns the resulting session snapshot.
type SessionService interface {
	Create(ctx context.Context) (Session, error)
	Get(ctx context.Context, sessionID string) (Session, error)
	Delete(ctx context.Context, sessionID string) error
	SelectPart(ctx context.Context, cmd SelectPartCommand) (Session, error)
	SetColor(ctx context.Context, cmd SetColorCommand) (Session, error)
	ApplyColors(ctx context.Context, cmd ApplyColorsCommand) (Session, error)
	ResetPartColor(ctx context.Context, sessionID string) (Session, error)
	Generate(ctx context.Context, cmd GenerateCommand) (SessionGeneration, error)
	SessionCounter
}

// DesignerService answers generation requests on behalf of the remote generation
// endpoint by asking a language model for catalog constrained colors.
type DesignerService interface {
	SuggestColors(ctx context.Context, message string) (GenerationResult, error)
}

// ColorModel is a structured output language model. It receives the prompt and the legal
// output space and returns the raw JSON object it produced.
type ColorModel interface {
	GenerateColorJSON(ctx context.Context, req ColorModelRequest) ([]byte, error)
}

// GenerationEventPublisher forwards generation outcome events for analytics.
type GenerationEventPublisher interface {
	PublishGenerationEvent(ctx context.Context, event GenerationEvent) (string, error)
}

// SystemService exposes operational metadata such as health reports.
type SystemService interface {
	// Liveness reports build metadata without probing dependencies.
	Liveness(ctx context.Context) SystemHealthReport
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// SelectPartCommand focuses a part in a session.
type SelectPartCommand struct {
	SessionID string
	PartID    domain.PartID
}

// SetColorCommand colors the focused part of a session.
type SetColorCommand struct {
	SessionID string
	ColorID   domain.ColorID
}

// ApplyColorsCommand merges a partial mapping into a session.
type ApplyColorsCommand struct {
	SessionID string
	Colors    domain.PartialMapping
}

// GenerateCommand runs the generation pipeline for a session and merges the result.
type GenerateCommand struct {
	SessionID string
	Message   string
}

// SessionGeneration pairs the merged session with the generation result that changed it.
type SessionGeneration struct {
	Session Session
	Result  GenerationResult
}
