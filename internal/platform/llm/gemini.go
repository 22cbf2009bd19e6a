package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/shoe-studio/api/internal/services"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiConfig configures the Gemini backed color model.
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int32
	// BaseURL overrides the API endpoint; tests point it at a local server.
	BaseURL    string
	HTTPClient *http.Client
}

// GeminiColorModel asks Gemini for structured JSON constrained to the catalog.
type GeminiColorModel struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
}

var _ services.ColorModel = (*GeminiColorModel)(nil)

// NewGeminiColorModel creates a Gemini API client.
func NewGeminiColorModel(ctx context.Context, cfg GeminiConfig) (*GeminiColorModel, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &GeminiColorModel{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxOutputTokens,
	}, nil
}

// Name identifies the backing model.
func (m *GeminiColorModel) Name() string {
	return "gemini:" + m.model
}

// GenerateColorJSON sends the message with a response schema that only admits legal
// part/color pairs and returns the JSON text of the first candidate.
func (m *GeminiColorModel) GenerateColorJSON(ctx context.Context, req services.ColorModelRequest) ([]byte, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.Instruction, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    ResponseSchema(req),
		Temperature:       genai.Ptr(m.temperature),
	}
	if m.maxTokens > 0 {
		config.MaxOutputTokens = m.maxTokens
	}

	resp, err := m.client.Models.GenerateContent(ctx, m.model, genai.Text(req.Message), config)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, errors.New("gemini: empty response")
	}
	return []byte(text), nil
}

// ResponseSchema describes an object with one optional string property per part, each
// restricted to the part's legal color ids.
func ResponseSchema(req services.ColorModelRequest) *genai.Schema {
	schema := &genai.Schema{
		Type:        genai.TypeObject,
		Description: "Part id to color id assignments",
		Properties:  make(map[string]*genai.Schema, len(req.Shape)),
	}
	for _, entry := range req.Shape {
		enum := make([]string, 0, len(entry.Colors))
		for _, id := range entry.Colors {
			enum = append(enum, string(id))
		}
		schema.Properties[string(entry.Part)] = &genai.Schema{
			Type: genai.TypeString,
			Enum: enum,
		}
		schema.PropertyOrdering = append(schema.PropertyOrdering, string(entry.Part))
	}
	return schema
}
