package services

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/shoe-studio/api/internal/catalog"
	domain "github.com/shoe-studio/api/internal/domain"
)

func twoPartCatalog(t testing.TB) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(catalog.Definition{
		Parts: []domain.Part{{ID: "laces", Name: "Laces"}, {ID: "outsole", Name: "Outsole"}},
		Colors: []domain.ColorOption{
			{ID: "black", Hex: "#000000", Name: "Black"},
			{ID: "white", Hex: "#FFFFFF", Name: "White"},
			{ID: "red", Hex: "#FF0000", Name: "Red"},
		},
		Rules: map[domain.PartID]domain.ColorRule{
			"laces":   {Colors: []domain.ColorID{"black", "white"}},
			"outsole": {AllColors: true},
		},
		BaselineColor: "white",
		DefaultPart:   "laces",
	})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return cat
}

// fatalHelper is satisfied by both *testing.T and *rapid.T.
type fatalHelper interface {
	Helper()
	Fatalf(format string, args ...any)
}

func defaultCatalog(t fatalHelper) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default: %v", err)
	}
	return cat
}

func newStore(t fatalHelper, cat *catalog.Catalog) *CustomizationStore {
	t.Helper()
	store, err := NewCustomizationStore(cat)
	if err != nil {
		t.Fatalf("NewCustomizationStore: %v", err)
	}
	return store
}

func TestCustomizationStore_InitialState(t *testing.T) {
	store := newStore(t, defaultCatalog(t))

	if got := store.CurrentPart().ID; got != "heel_counter" {
		t.Fatalf("expected heel_counter focused, got %q", got)
	}
	color, err := store.CurrentColor()
	if err != nil {
		t.Fatalf("CurrentColor: %v", err)
	}
	if color.ID != "white" || color.Hex != "#FFFFFF" {
		t.Fatalf("unexpected current color %+v", color)
	}
	if len(store.Assignment()) != 13 {
		t.Fatalf("expected total assignment, got %v", store.Assignment())
	}
}

func TestCustomizationStore_ApplyMappingPartialOverwrite(t *testing.T) {
	store := newStore(t, twoPartCatalog(t))

	if err := store.ApplyMapping(domain.PartialMapping{"laces": "black"}); err != nil {
		t.Fatalf("ApplyMapping: %v", err)
	}
	want := domain.Assignment{"laces": "black", "outsole": "white"}
	if diff := cmp.Diff(want, store.Assignment()); diff != "" {
		t.Fatalf("assignment mismatch (-want +got):\n%s", diff)
	}
}

func TestCustomizationStore_ApplyMappingRejectsWholeMapping(t *testing.T) {
	store := newStore(t, twoPartCatalog(t))
	before := store.Assignment()

	err := store.ApplyMapping(domain.PartialMapping{"outsole": "red", "laces": "red"})
	if !errors.Is(err, catalog.ErrIllegalColor) {
		t.Fatalf("expected illegal color error, got %v", err)
	}
	if diff := cmp.Diff(before, store.Assignment()); diff != "" {
		t.Fatalf("assignment changed on rejected mapping (-want +got):\n%s", diff)
	}
}

func TestCustomizationStore_SetColor(t *testing.T) {
	store := newStore(t, twoPartCatalog(t))

	if err := store.SetColor("red"); !errors.Is(err, catalog.ErrIllegalColor) {
		t.Fatalf("expected illegal color for laces, got %v", err)
	}
	if err := store.SetColor("violet"); !errors.Is(err, catalog.ErrUnknownColor) || !errors.Is(err, catalog.ErrCatalogIntegrity) {
		t.Fatalf("expected unknown color integrity error, got %v", err)
	}
	if err := store.SetColor("black"); err != nil {
		t.Fatalf("SetColor(black): %v", err)
	}
	if err := store.SelectPart("outsole"); err != nil {
		t.Fatalf("SelectPart: %v", err)
	}
	if err := store.SetColor("red"); err != nil {
		t.Fatalf("SetColor(red) on outsole: %v", err)
	}
	want := domain.Assignment{"laces": "black", "outsole": "red"}
	if diff := cmp.Diff(want, store.Assignment()); diff != "" {
		t.Fatalf("assignment mismatch (-want +got):\n%s", diff)
	}
}

func TestCustomizationStore_ResetPartColor(t *testing.T) {
	store := newStore(t, twoPartCatalog(t))
	if err := store.SetColor("black"); err != nil {
		t.Fatalf("SetColor: %v", err)
	}
	if err := store.ResetPartColor(); err != nil {
		t.Fatalf("ResetPartColor: %v", err)
	}
	if got := store.Assignment()["laces"]; got != "white" {
		t.Fatalf("expected laces reset to white, got %q", got)
	}
}

func TestCustomizationStore_SelectUnknownPart(t *testing.T) {
	store := newStore(t, twoPartCatalog(t))
	err := store.SelectPart("tongue")
	if !errors.Is(err, catalog.ErrUnknownPart) || !errors.Is(err, catalog.ErrCatalogIntegrity) {
		t.Fatalf("expected unknown part integrity error, got %v", err)
	}
	if store.CurrentPart().ID != "laces" {
		t.Fatalf("focus moved after rejected selection: %q", store.CurrentPart().ID)
	}
}

func TestCustomizationStore_Snapshot(t *testing.T) {
	store := newStore(t, twoPartCatalog(t))
	if err := store.SelectPart("outsole"); err != nil {
		t.Fatalf("SelectPart: %v", err)
	}
	snap, err := store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.CurrentPart.ID != "outsole" || snap.CurrentColor.ID != "white" || len(snap.Palette) != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	snap.Assignment["outsole"] = "black"
	if store.Assignment()["outsole"] != "white" {
		t.Fatalf("snapshot must not alias store state")
	}
}

// storeOp draws one store operation, including ids outside the catalog.
func storeOp(cat *catalog.Catalog) *rapid.Generator[func(*CustomizationStore)] {
	partIDs := []domain.PartID{"bogus"}
	for _, part := range cat.Parts() {
		partIDs = append(partIDs, part.ID)
	}
	colorIDs := []domain.ColorID{"bogus"}
	for _, color := range cat.Colors() {
		colorIDs = append(colorIDs, color.ID)
	}
	return rapid.Custom(func(t *rapid.T) func(*CustomizationStore) {
		switch rapid.IntRange(0, 3).Draw(t, "op") {
		case 0:
			part := rapid.SampledFrom(partIDs).Draw(t, "selectPart")
			return func(s *CustomizationStore) { _ = s.SelectPart(part) }
		case 1:
			color := rapid.SampledFrom(colorIDs).Draw(t, "setColor")
			return func(s *CustomizationStore) { _ = s.SetColor(color) }
		case 2:
			return func(s *CustomizationStore) { _ = s.ResetPartColor() }
		default:
			mapping := rapid.MapOf(rapid.SampledFrom(partIDs), rapid.SampledFrom(colorIDs)).Draw(t, "applyMapping")
			return func(s *CustomizationStore) { _ = s.ApplyMapping(domain.PartialMapping(mapping)) }
		}
	})
}

// Every reachable assignment only holds legal colors, whatever the callers send.
func TestCustomizationStore_AssignmentInvariant(t *testing.T) {
	cat := defaultCatalog(t)
	rapid.Check(t, func(rt *rapid.T) {
		store := newStore(rt, cat)
		ops := rapid.SliceOfN(storeOp(cat), 1, 40).Draw(rt, "ops")
		for _, op := range ops {
			op(store)
			assignment := store.Assignment()
			for _, part := range cat.Parts() {
				colorID, ok := assignment[part.ID]
				if !ok {
					rt.Fatalf("part %s missing from assignment", part.ID)
				}
				if !cat.IsLegal(part.ID, colorID) {
					rt.Fatalf("part %s holds illegal color %s", part.ID, colorID)
				}
			}
			if _, err := store.CurrentColor(); err != nil {
				rt.Fatalf("CurrentColor: %v", err)
			}
		}
	})
}

func TestCustomizationStore_MergeIsPartialOverwrite(t *testing.T) {
	cat := defaultCatalog(t)
	shape, err := cat.OutputShape()
	if err != nil {
		t.Fatalf("OutputShape: %v", err)
	}
	rapid.Check(t, func(rt *rapid.T) {
		store := newStore(rt, cat)
		for _, op := range rapid.SliceOfN(storeOp(cat), 0, 10).Draw(rt, "warmup") {
			op(store)
		}
		before := store.Assignment()

		mapping := domain.PartialMapping{}
		for _, entry := range shape {
			if rapid.Bool().Draw(rt, "include "+string(entry.Part)) {
				mapping[entry.Part] = rapid.SampledFrom(entry.Colors).Draw(rt, "color "+string(entry.Part))
			}
		}
		if err := store.ApplyMapping(mapping); err != nil {
			rt.Fatalf("ApplyMapping(%v): %v", mapping, err)
		}
		after := store.Assignment()
		for partID, colorID := range before {
			want := colorID
			if mapped, ok := mapping[partID]; ok {
				want = mapped
			}
			if after[partID] != want {
				rt.Fatalf("part %s = %s, want %s", partID, after[partID], want)
			}
		}
	})
}

func TestCustomizationStore_SelectPartIdempotent(t *testing.T) {
	cat := defaultCatalog(t)
	parts := cat.Parts()
	rapid.Check(t, func(rt *rapid.T) {
		part := rapid.SampledFrom(parts).Draw(rt, "part")

		once := newStore(rt, cat)
		twice := newStore(rt, cat)
		if err := once.SelectPart(part.ID); err != nil {
			rt.Fatalf("SelectPart: %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := twice.SelectPart(part.ID); err != nil {
				rt.Fatalf("SelectPart: %v", err)
			}
		}
		a, err := once.Snapshot()
		if err != nil {
			rt.Fatalf("Snapshot: %v", err)
		}
		b, err := twice.Snapshot()
		if err != nil {
			rt.Fatalf("Snapshot: %v", err)
		}
		if diff := cmp.Diff(a, b); diff != "" {
			rt.Fatalf("repeated selection changed state (-once +twice):\n%s", diff)
		}
	})
}
