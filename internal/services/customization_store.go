package services

import (
	"errors"
	"fmt"

	"github.com/shoe-studio/api/internal/catalog"
	domain "github.com/shoe-studio/api/internal/domain"
)

// CustomizationStore holds the focused part and the total assignment of one shoe design.
// It is not safe for concurrent use; SessionService serialises access per session.
type CustomizationStore struct {
	catalog    *catalog.Catalog
	focused    domain.PartID
	assignment domain.Assignment
}

// NewCustomizationStore starts a store with every part at its default color and the
// catalog's default part focused.
func NewCustomizationStore(cat *catalog.Catalog) (*CustomizationStore, error) {
	if cat == nil {
		return nil, errors.New("customization store: catalog is required")
	}
	assignment, err := cat.DefaultAssignment()
	if err != nil {
		return nil, err
	}
	return &CustomizationStore{
		catalog:    cat,
		focused:    cat.DefaultPart(),
		assignment: assignment,
	}, nil
}

// SelectPart focuses a part. Selecting the focused part again changes nothing.
func (s *CustomizationStore) SelectPart(partID domain.PartID) error {
	if _, ok := s.catalog.Part(partID); !ok {
		return catalog.OutsideCatalog(catalog.ErrUnknownPart, "part %q is not in the catalog", partID)
	}
	s.focused = partID
	return nil
}

// SetColor assigns a color to the focused part. Colors outside the part's palette are
// rejected and leave the assignment unchanged.
func (s *CustomizationStore) SetColor(colorID domain.ColorID) error {
	if _, ok := s.catalog.Color(colorID); !ok {
		return catalog.OutsideCatalog(catalog.ErrUnknownColor, "color %q is not in the catalog", colorID)
	}
	if !s.catalog.IsLegal(s.focused, colorID) {
		return fmt.Errorf("%w: %s on %s", catalog.ErrIllegalColor, colorID, s.focused)
	}
	s.assignment[s.focused] = colorID
	return nil
}

// ApplyMapping overwrites the parts named by mapping and leaves every other part alone.
// The mapping is validated as a whole first; one bad pair rejects all of it.
func (s *CustomizationStore) ApplyMapping(mapping domain.PartialMapping) error {
	if err := s.catalog.ValidateMapping(mapping); err != nil {
		return err
	}
	for partID, colorID := range mapping {
		s.assignment[partID] = colorID
	}
	return nil
}

// ResetPartColor puts the focused part back on its default color.
func (s *CustomizationStore) ResetPartColor() error {
	colorID, err := s.catalog.DefaultColor(s.focused)
	if err != nil {
		return err
	}
	s.assignment[s.focused] = colorID
	return nil
}

// CurrentPart returns the focused part.
func (s *CustomizationStore) CurrentPart() domain.Part {
	part, _ := s.catalog.Part(s.focused)
	return part
}

// CurrentColor resolves the focused part's color to its full record.
func (s *CustomizationStore) CurrentColor() (domain.ColorOption, error) {
	colorID := s.assignment[s.focused]
	color, ok := s.catalog.Color(colorID)
	if !ok {
		return domain.ColorOption{}, catalog.OutsideCatalog(catalog.ErrUnknownColor, "part %q holds unknown color %q", s.focused, colorID)
	}
	return color, nil
}

// CurrentPalette returns the legal colors of the focused part.
func (s *CustomizationStore) CurrentPalette() ([]domain.ColorOption, error) {
	return s.catalog.AvailableColors(s.focused)
}

// Assignment returns a copy of the full assignment.
func (s *CustomizationStore) Assignment() domain.Assignment {
	return s.assignment.Clone()
}

// Snapshot captures the focused part, its color and palette, and the assignment.
func (s *CustomizationStore) Snapshot() (domain.SelectionSnapshot, error) {
	color, err := s.CurrentColor()
	if err != nil {
		return domain.SelectionSnapshot{}, err
	}
	palette, err := s.CurrentPalette()
	if err != nil {
		return domain.SelectionSnapshot{}, err
	}
	return domain.SelectionSnapshot{
		CurrentPart:  s.CurrentPart(),
		CurrentColor: color,
		Palette:      palette,
		Assignment:   s.Assignment(),
	}, nil
}
