package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/shoe-studio/api/internal/catalog"
	domain "github.com/shoe-studio/api/internal/domain"
)

type stubColorModel struct {
	reply []byte
	err   error
	last  ColorModelRequest
	calls int
}

func (m *stubColorModel) GenerateColorJSON(_ context.Context, req ColorModelRequest) ([]byte, error) {
	m.calls++
	m.last = req
	return m.reply, m.err
}

func newTestDesigner(t *testing.T, model ColorModel) DesignerService {
	t.Helper()
	svc, err := NewDesignerService(DesignerServiceDeps{Catalog: twoPartCatalog(t), Model: model})
	if err != nil {
		t.Fatalf("NewDesignerService: %v", err)
	}
	return svc
}

func TestDesignerService_SuggestColors(t *testing.T) {
	model := &stubColorModel{reply: []byte(`{"laces":"black","outsole":"red"}`)}
	svc := newTestDesigner(t, model)

	result, err := svc.SuggestColors(context.Background(), " <i>dark</i> laces, red sole ")
	if err != nil {
		t.Fatalf("SuggestColors: %v", err)
	}
	if diff := cmp.Diff(domain.PartialMapping{"laces": "black", "outsole": "red"}, result.Mapping); diff != "" {
		t.Fatalf("mapping mismatch (-want +got):\n%s", diff)
	}
	if result.Mode != domain.GenerationModeFull {
		t.Fatalf("expected full mode, got %s", result.Mode)
	}
	if model.last.Message != "dark laces, red sole" {
		t.Fatalf("unexpected prompt %q", model.last.Message)
	}
	if len(model.last.Shape) != 2 {
		t.Fatalf("expected shape for both parts, got %+v", model.last.Shape)
	}
	for _, want := range []string{"- laces (Laces): black, white", "- outsole (Outsole): black, white, red", "Mode partial"} {
		if !strings.Contains(model.last.Instruction, want) {
			t.Fatalf("instruction missing %q:\n%s", want, model.last.Instruction)
		}
	}
}

func TestDesignerService_Errors(t *testing.T) {
	ctx := context.Background()

	unavailable := newTestDesigner(t, nil)
	if _, err := unavailable.SuggestColors(ctx, "red"); !errors.Is(err, ErrDesignerUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	model := &stubColorModel{reply: []byte(`{"laces":"black"}`)}
	svc := newTestDesigner(t, model)
	if _, err := svc.SuggestColors(ctx, "   "); !errors.Is(err, ErrDesignerInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if model.calls != 0 {
		t.Fatalf("model called for blank input")
	}

	model.err = errors.New("quota exceeded")
	if _, err := svc.SuggestColors(ctx, "red"); !errors.Is(err, ErrDesignerModelFailure) {
		t.Fatalf("expected model failure, got %v", err)
	}

	model.err = nil
	model.reply = []byte(`{"laces":"red"}`)
	_, err := svc.SuggestColors(ctx, "red laces")
	if !errors.Is(err, ErrDesignerInvalidOutput) || !errors.Is(err, catalog.ErrIllegalColor) {
		t.Fatalf("expected invalid output wrapping illegal color, got %v", err)
	}

	model.reply = []byte(`{}`)
	if _, err := svc.SuggestColors(ctx, "nothing"); !errors.Is(err, ErrDesignerInvalidOutput) {
		t.Fatalf("expected invalid output for empty object, got %v", err)
	}
}

func TestDesignerInstruction_ListsEveryColor(t *testing.T) {
	cat := defaultCatalog(t)
	shape, err := cat.OutputShape()
	if err != nil {
		t.Fatalf("OutputShape: %v", err)
	}
	instruction := DesignerInstruction(cat, shape)
	for _, color := range cat.Colors() {
		if !strings.Contains(instruction, "- "+string(color.ID)+": ") {
			t.Fatalf("instruction missing color %s", color.ID)
		}
	}
	if !strings.Contains(instruction, "- midsole (Midsole): white, cream, light-gray") {
		t.Fatalf("instruction missing midsole palette:\n%s", instruction)
	}
}
