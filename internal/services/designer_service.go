package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shoe-studio/api/internal/catalog"
	domain "github.com/shoe-studio/api/internal/domain"
	"github.com/shoe-studio/api/internal/platform/textutil"
)

var (
	// ErrDesignerInvalidInput indicates a blank or unusable message.
	ErrDesignerInvalidInput = errors.New("designer: invalid input")
	// ErrDesignerUnavailable indicates no language model is configured.
	ErrDesignerUnavailable = errors.New("designer: model unavailable")
	// ErrDesignerModelFailure indicates the language model call failed.
	ErrDesignerModelFailure = errors.New("designer: model failure")
	// ErrDesignerInvalidOutput indicates the model answered outside the catalog.
	ErrDesignerInvalidOutput = errors.New("designer: invalid model output")
)

// ColorModelRequest is what a ColorModel needs to answer one design request.
type ColorModelRequest struct {
	Instruction string
	Message     string
	Shape       []catalog.PartShape
}

// DesignerServiceDeps wires dependencies for the designer service.
type DesignerServiceDeps struct {
	Catalog       *catalog.Catalog
	Model         ColorModel
	MaxInputRunes int
	Clock         func() time.Time
	Logger        func(context.Context, string, map[string]any)
}

type designerService struct {
	catalog     *catalog.Catalog
	model       ColorModel
	maxRunes    int
	instruction string
	shape       []catalog.PartShape
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

var _ DesignerService = (*designerService)(nil)

// NewDesignerService builds the designer. A nil Model yields a service that reports
// ErrDesignerUnavailable.
func NewDesignerService(deps DesignerServiceDeps) (DesignerService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("designer service: catalog is required")
	}
	shape, err := deps.Catalog.OutputShape()
	if err != nil {
		return nil, fmt.Errorf("designer service: %w", err)
	}
	maxRunes := deps.MaxInputRunes
	if maxRunes <= 0 {
		maxRunes = defaultMaxInputRunes
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &designerService{
		catalog:     deps.Catalog,
		model:       deps.Model,
		maxRunes:    maxRunes,
		instruction: DesignerInstruction(deps.Catalog, shape),
		shape:       shape,
		clock:       clock,
		logger:      logger,
	}, nil
}

// SuggestColors asks the model for a mapping and returns it only when every pair is legal.
func (s *designerService) SuggestColors(ctx context.Context, message string) (GenerationResult, error) {
	if s.model == nil {
		return GenerationResult{}, ErrDesignerUnavailable
	}
	prompt := textutil.NormalizePrompt(message, s.maxRunes)
	if prompt == "" {
		return GenerationResult{}, fmt.Errorf("%w: message is required", ErrDesignerInvalidInput)
	}

	start := s.clock()
	raw, err := s.model.GenerateColorJSON(ctx, ColorModelRequest{
		Instruction: s.instruction,
		Message:     prompt,
		Shape:       s.shape,
	})
	latency := s.clock().Sub(start)
	if err != nil {
		s.logger(ctx, "designer.model_failed", map[string]any{"error": err.Error(), "latencyMs": latency.Milliseconds()})
		return GenerationResult{}, fmt.Errorf("%w: %w", ErrDesignerModelFailure, err)
	}

	mapping, err := s.catalog.DecodeMapping(raw)
	if err != nil {
		s.logger(ctx, "designer.invalid_output", map[string]any{"error": err.Error(), "latencyMs": latency.Milliseconds()})
		return GenerationResult{}, fmt.Errorf("%w: %w", ErrDesignerInvalidOutput, err)
	}
	if len(mapping) == 0 {
		return GenerationResult{}, fmt.Errorf("%w: no parts assigned", ErrDesignerInvalidOutput)
	}

	mode := domain.GenerationModePartial
	if s.catalog.IsComplete(mapping) {
		mode = domain.GenerationModeFull
	}
	s.logger(ctx, "designer.suggested", map[string]any{
		"mode":      string(mode),
		"partCount": len(mapping),
		"latencyMs": latency.Milliseconds(),
	})
	return GenerationResult{Mapping: mapping, Mode: mode, Latency: latency}, nil
}

// DesignerInstruction renders the system instruction for the model from the catalog.
func DesignerInstruction(cat *catalog.Catalog, shape []catalog.PartShape) string {
	var b strings.Builder
	b.WriteString("You are a sneaker color designer. Answer with a JSON object mapping part ids to color ids.\n")
	b.WriteString("Only use the part ids and, for each part, only the color ids listed below.\n")
	for _, hint := range GenerationModeHints {
		fmt.Fprintf(&b, "Mode %s: when %s.\n", hint.Mode, hint.When)
	}
	b.WriteString("\nParts and their allowed colors:\n")
	for _, entry := range shape {
		label := string(entry.Part)
		if part, ok := cat.Part(entry.Part); ok && part.DisplayName != "" {
			label = fmt.Sprintf("%s (%s)", entry.Part, part.DisplayName)
		}
		ids := make([]string, 0, len(entry.Colors))
		for _, id := range entry.Colors {
			ids = append(ids, string(id))
		}
		fmt.Fprintf(&b, "- %s: %s\n", label, strings.Join(ids, ", "))
	}
	b.WriteString("\nColor ids and names:\n")
	for _, color := range cat.Colors() {
		fmt.Fprintf(&b, "- %s: %s %s\n", color.ID, color.Name, color.Hex)
	}
	return b.String()
}
