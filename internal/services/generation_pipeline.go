package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shoe-studio/api/internal/catalog"
	domain "github.com/shoe-studio/api/internal/domain"
	"github.com/shoe-studio/api/internal/platform/textutil"
)

const (
	defaultGenerationTimeout  = 10 * time.Second
	defaultMaxInputRunes      = 500
	maxGenerationResponseSize = int64(1 << 20)
	generationErrorBodyPeek   = int64(512)
)

var errGenerationDeadline = errors.New("generation deadline elapsed")

// HTTPDoer sends an outbound HTTP request.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// RequestSigner authenticates an outbound request carrying body.
type RequestSigner interface {
	Sign(req *http.Request, body []byte) error
}

// GenerationRequest is the JSON body sent to the remote generation service.
type GenerationRequest struct {
	Message     string                             `json:"message"`
	Constraints map[domain.PartID][]domain.ColorID `json:"constraints"`
	Modes       []GenerationModeHint               `json:"modes"`
}

// GenerationModeHint tells the remote model when each response mode applies.
type GenerationModeHint struct {
	Mode domain.GenerationMode `json:"mode"`
	When string                `json:"when"`
}

// GenerationModeHints are sent with every request; the remote model picks the mode.
var GenerationModeHints = []GenerationModeHint{
	{Mode: domain.GenerationModeFull, When: "the request describes a whole design or overall style; assign a color to every part"},
	{Mode: domain.GenerationModePartial, When: "the request names specific parts; assign only those parts and omit the rest"},
}

// GenerationPipelineDeps wires the pipeline collaborators.
type GenerationPipelineDeps struct {
	Catalog       *catalog.Catalog
	Endpoint      string
	Client        HTTPDoer
	Signer        RequestSigner
	Timeout       time.Duration
	MaxInputRunes int
	Tracer        trace.Tracer
	Clock         func() time.Time
	Logger        func(context.Context, string, map[string]any)
}

// GenerationPipeline turns free text into a validated part to color mapping by calling a
// remote generation service. It never mutates session state.
type GenerationPipeline struct {
	catalog  *catalog.Catalog
	endpoint string
	client   HTTPDoer
	signer   RequestSigner
	timeout  time.Duration
	maxRunes int
	tracer   trace.Tracer
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

var _ GenerationService = (*GenerationPipeline)(nil)

// NewGenerationPipeline validates deps and builds a pipeline.
func NewGenerationPipeline(deps GenerationPipelineDeps) (*GenerationPipeline, error) {
	if deps.Catalog == nil {
		return nil, errors.New("generation pipeline: catalog is required")
	}
	endpoint := strings.TrimSpace(deps.Endpoint)
	if endpoint == "" {
		return nil, errors.New("generation pipeline: endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("generation pipeline: endpoint %q must be an absolute URL", endpoint)
	}

	client := deps.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultGenerationTimeout
	}
	maxRunes := deps.MaxInputRunes
	if maxRunes <= 0 {
		maxRunes = defaultMaxInputRunes
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/shoe-studio/api/internal/services")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &GenerationPipeline{
		catalog:  deps.Catalog,
		endpoint: endpoint,
		client:   client,
		signer:   deps.Signer,
		timeout:  timeout,
		maxRunes: maxRunes,
		tracer:   tracer,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Timeout is the hard deadline applied to every call.
func (p *GenerationPipeline) Timeout() time.Duration {
	return p.timeout
}

// Generate sends text to the remote service and returns the validated mapping. Every
// failure is a *GenerationError.
func (p *GenerationPipeline) Generate(ctx context.Context, text string) (domain.GenerationResult, error) {
	message := textutil.NormalizePrompt(text, p.maxRunes)
	if message == "" {
		return domain.GenerationResult{}, newGenerationError(GenerationKindEmptyInput, nil, "request text is blank")
	}

	ctx, span := p.tracer.Start(ctx, "generation.Generate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Int("generation.input_runes", len([]rune(message))))

	start := p.clock()
	result, err := p.call(ctx, message)
	latency := p.clock().Sub(start)

	if err != nil {
		var genErr *GenerationError
		if errors.As(err, &genErr) {
			span.SetAttributes(attribute.String("generation.outcome", string(genErr.Kind)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		p.logger(ctx, "generation.failed", map[string]any{
			"error":     err.Error(),
			"latencyMs": latency.Milliseconds(),
		})
		return domain.GenerationResult{}, err
	}

	result.Latency = latency
	span.SetAttributes(
		attribute.String("generation.outcome", "ok"),
		attribute.String("generation.mode", string(result.Mode)),
		attribute.Int("generation.part_count", len(result.Mapping)),
	)
	p.logger(ctx, "generation.succeeded", map[string]any{
		"mode":      string(result.Mode),
		"partCount": len(result.Mapping),
		"latencyMs": latency.Milliseconds(),
	})
	return result, nil
}

func (p *GenerationPipeline) call(parent context.Context, message string) (domain.GenerationResult, error) {
	shape, err := p.catalog.OutputShape()
	if err != nil {
		return domain.GenerationResult{}, err
	}
	payload, err := json.Marshal(GenerationRequest{
		Message:     message,
		Constraints: catalog.ShapeMap(shape),
		Modes:       GenerationModeHints,
	})
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("generation pipeline: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeoutCause(parent, p.timeout, errGenerationDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("generation pipeline: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.signer != nil {
		if err := p.signer.Sign(req, payload); err != nil {
			return domain.GenerationResult{}, fmt.Errorf("generation pipeline: sign request: %w", err)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.GenerationResult{}, p.classifyAbort(parent, ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, generationErrorBodyPeek))
		return domain.GenerationResult{}, newGenerationError(GenerationKindUpstream, nil, "remote service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGenerationResponseSize+1))
	if err != nil {
		return domain.GenerationResult{}, p.classifyAbort(parent, ctx, err)
	}
	if int64(len(body)) > maxGenerationResponseSize {
		return domain.GenerationResult{}, newGenerationError(GenerationKindSchemaViolation, nil, "response exceeds %d bytes", maxGenerationResponseSize)
	}

	return p.validate(body)
}

func (p *GenerationPipeline) validate(body []byte) (domain.GenerationResult, error) {
	mapping, err := p.catalog.DecodeMapping(body)
	if err != nil {
		return domain.GenerationResult{}, newGenerationError(GenerationKindSchemaViolation, err, "response rejected")
	}
	if len(mapping) == 0 {
		return domain.GenerationResult{}, newGenerationError(GenerationKindSchemaViolation, nil, "response assigns no parts")
	}
	mode := domain.GenerationModePartial
	if p.catalog.IsComplete(mapping) {
		mode = domain.GenerationModeFull
	}
	return domain.GenerationResult{Mapping: mapping, Mode: mode}, nil
}

// classifyAbort separates our own deadline from caller cancellation and transport failures.
func (p *GenerationPipeline) classifyAbort(parent, ctx context.Context, err error) error {
	if parent.Err() != nil {
		if errors.Is(context.Cause(parent), ErrGenerationSuperseded) {
			return newGenerationError(GenerationKindSuperseded, nil, "replaced by a newer request")
		}
		return newGenerationError(GenerationKindCanceled, parent.Err(), "caller abandoned the request")
	}
	if errors.Is(context.Cause(ctx), errGenerationDeadline) {
		return newGenerationError(GenerationKindTimeout, nil, "no response within %s", p.timeout)
	}
	return newGenerationError(GenerationKindUpstream, err, "request failed")
}
