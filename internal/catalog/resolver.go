package catalog

import (
	domain "github.com/shoe-studio/api/internal/domain"
)

// AvailableColors returns the legal palette of a part. Explicit rules keep their
// declared order; "all" rules return the whole catalog in catalog order. A part
// without a rule is a catalog integrity error, never an empty palette.
func (c *Catalog) AvailableColors(partID domain.PartID) ([]domain.ColorOption, error) {
	if !c.hasPart(partID) {
		return nil, OutsideCatalog(ErrUnknownPart, "part %q is not in the catalog", partID)
	}
	rule, ok := c.rules[partID]
	if !ok {
		return nil, integrityErrorf("part %q has no color rule", partID)
	}
	if rule.AllColors {
		return c.Colors(), nil
	}
	palette := make([]domain.ColorOption, 0, len(rule.Colors))
	for _, colorID := range rule.Colors {
		color, ok := c.Color(colorID)
		if !ok {
			return nil, integrityErrorf("rule for part %q references unknown color %q", partID, colorID)
		}
		palette = append(palette, color)
	}
	return palette, nil
}

// LegalColorIDs returns the ids of AvailableColors.
func (c *Catalog) LegalColorIDs(partID domain.PartID) ([]domain.ColorID, error) {
	palette, err := c.AvailableColors(partID)
	if err != nil {
		return nil, err
	}
	ids := make([]domain.ColorID, 0, len(palette))
	for _, color := range palette {
		ids = append(ids, color.ID)
	}
	return ids, nil
}

// IsLegal reports whether colorID may be assigned to partID.
func (c *Catalog) IsLegal(partID domain.PartID, colorID domain.ColorID) bool {
	rule, ok := c.rules[partID]
	if !ok {
		return false
	}
	if _, ok := c.colorIndex[colorID]; !ok {
		return false
	}
	if rule.AllColors {
		return true
	}
	for _, id := range rule.Colors {
		if id == colorID {
			return true
		}
	}
	return false
}

// DefaultColor is the color a part starts with: the baseline when legal, otherwise
// the first entry of its palette.
func (c *Catalog) DefaultColor(partID domain.PartID) (domain.ColorID, error) {
	if c.IsLegal(partID, c.baseline) {
		return c.baseline, nil
	}
	ids, err := c.LegalColorIDs(partID)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// DefaultAssignment assigns every part its default color.
func (c *Catalog) DefaultAssignment() (domain.Assignment, error) {
	assignment := make(domain.Assignment, len(c.parts))
	for _, part := range c.parts {
		colorID, err := c.DefaultColor(part.ID)
		if err != nil {
			return nil, err
		}
		assignment[part.ID] = colorID
	}
	return assignment, nil
}

// OutputShape lists, for every part in catalog order, the color ids it may take with
// "all" expanded. It is the constraint description sent to generation backends.
func (c *Catalog) OutputShape() ([]PartShape, error) {
	shape := make([]PartShape, 0, len(c.parts))
	for _, part := range c.parts {
		ids, err := c.LegalColorIDs(part.ID)
		if err != nil {
			return nil, err
		}
		shape = append(shape, PartShape{Part: part.ID, Colors: ids})
	}
	return shape, nil
}

// PartShape is one entry of OutputShape.
type PartShape struct {
	Part   domain.PartID
	Colors []domain.ColorID
}

// ShapeMap converts an output shape into a part keyed map suitable for JSON encoding.
func ShapeMap(shape []PartShape) map[domain.PartID][]domain.ColorID {
	out := make(map[domain.PartID][]domain.ColorID, len(shape))
	for _, entry := range shape {
		out[entry.Part] = entry.Colors
	}
	return out
}
