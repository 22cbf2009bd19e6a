package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/lucasb-eyer/go-colorful"

	domain "github.com/shoe-studio/api/internal/domain"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// ErrCatalogIntegrity is matched by every IntegrityError via errors.Is.
var ErrCatalogIntegrity = errors.New("catalog: integrity violation")

// IntegrityError lists every inconsistency found in a catalog definition or lookup.
// Cause is set when the problem is an id supplied from outside the catalog.
type IntegrityError struct {
	Problems []string
	Cause    error
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return ErrCatalogIntegrity.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCatalogIntegrity.Error(), strings.Join(e.Problems, "; "))
}

// Is reports whether target is ErrCatalogIntegrity.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrCatalogIntegrity
}

// Unwrap exposes the cause, if any.
func (e *IntegrityError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func integrityErrorf(format string, args ...any) error {
	return &IntegrityError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// OutsideCatalog reports an id that does not belong to the catalog. The returned error
// matches both ErrCatalogIntegrity and cause.
func OutsideCatalog(cause error, format string, args ...any) error {
	return &IntegrityError{Problems: []string{fmt.Sprintf(format, args...)}, Cause: cause}
}

// Definition is the raw input used to build a Catalog.
type Definition struct {
	Parts         []domain.Part
	Colors        []domain.ColorOption
	Rules         map[domain.PartID]domain.ColorRule
	BaselineColor domain.ColorID
	DefaultPart   domain.PartID
}

// Catalog is the immutable set of parts, colors and per-part color rules.
type Catalog struct {
	parts       []domain.Part
	colors      []domain.ColorOption
	rules       map[domain.PartID]domain.ColorRule
	partIndex   map[domain.PartID]int
	colorIndex  map[domain.ColorID]int
	baseline    domain.ColorID
	defaultPart domain.PartID
}

// New validates the definition and builds a Catalog. All problems are reported at once.
func New(def Definition) (*Catalog, error) {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	c := &Catalog{
		parts:       make([]domain.Part, 0, len(def.Parts)),
		colors:      make([]domain.ColorOption, 0, len(def.Colors)),
		rules:       make(map[domain.PartID]domain.ColorRule, len(def.Rules)),
		partIndex:   make(map[domain.PartID]int, len(def.Parts)),
		colorIndex:  make(map[domain.ColorID]int, len(def.Colors)),
		baseline:    domain.ColorID(strings.TrimSpace(string(def.BaselineColor))),
		defaultPart: domain.PartID(strings.TrimSpace(string(def.DefaultPart))),
	}

	if len(def.Parts) == 0 {
		addf("no parts defined")
	}
	if len(def.Colors) == 0 {
		addf("no colors defined")
	}

	for _, color := range def.Colors {
		id := domain.ColorID(strings.TrimSpace(string(color.ID)))
		if id == "" {
			addf("color with empty id")
			continue
		}
		if _, exists := c.colorIndex[id]; exists {
			addf("duplicate color %q", id)
			continue
		}
		if _, err := colorful.Hex(strings.TrimSpace(color.Hex)); err != nil {
			addf("color %q has invalid hex value %q", id, color.Hex)
		}
		c.colorIndex[id] = len(c.colors)
		c.colors = append(c.colors, domain.ColorOption{
			ID:   id,
			Hex:  strings.ToUpper(strings.TrimSpace(color.Hex)),
			Name: strings.TrimSpace(color.Name),
		})
	}

	for _, part := range def.Parts {
		id := domain.PartID(strings.TrimSpace(string(part.ID)))
		if id == "" {
			addf("part with empty id")
			continue
		}
		if _, exists := c.partIndex[id]; exists {
			addf("duplicate part %q", id)
			continue
		}
		display := strings.TrimSpace(part.DisplayName)
		if display == "" {
			display = strings.TrimSpace(part.Name)
		}
		c.partIndex[id] = len(c.parts)
		c.parts = append(c.parts, domain.Part{
			ID:          id,
			Name:        strings.TrimSpace(part.Name),
			DisplayName: display,
		})
	}

	for partID, rule := range def.Rules {
		if _, ok := c.partIndex[partID]; !ok {
			addf("rule for unknown part %q", partID)
			continue
		}
		if rule.AllColors {
			if len(rule.Colors) > 0 {
				addf("rule for part %q mixes all with explicit colors", partID)
			}
			c.rules[partID] = domain.ColorRule{AllColors: true}
			continue
		}
		if len(rule.Colors) == 0 {
			addf("rule for part %q permits no colors", partID)
			continue
		}
		seen := make(map[domain.ColorID]struct{}, len(rule.Colors))
		for _, colorID := range rule.Colors {
			if _, ok := c.colorIndex[colorID]; !ok {
				addf("rule for part %q references unknown color %q", partID, colorID)
			}
			if _, dup := seen[colorID]; dup {
				addf("rule for part %q repeats color %q", partID, colorID)
			}
			seen[colorID] = struct{}{}
		}
		c.rules[partID] = rule.Clone()
	}

	for _, part := range c.parts {
		if _, ok := def.Rules[part.ID]; !ok {
			addf("part %q has no color rule", part.ID)
		}
	}

	if c.baseline == "" {
		addf("baseline color is required")
	} else if _, ok := c.colorIndex[c.baseline]; !ok {
		addf("baseline color %q is not in the catalog", c.baseline)
	}
	if c.defaultPart == "" {
		addf("default part is required")
	} else if _, ok := c.partIndex[c.defaultPart]; !ok {
		addf("default part %q is not in the catalog", c.defaultPart)
	}

	if len(problems) > 0 {
		slices.Sort(problems)
		return nil, &IntegrityError{Problems: problems}
	}
	return c, nil
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(embeddedCatalog)
}

// LoadFile reads a YAML catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parts returns the parts in catalog order.
func (c *Catalog) Parts() []domain.Part {
	return slices.Clone(c.parts)
}

// Colors returns the color options in catalog order.
func (c *Catalog) Colors() []domain.ColorOption {
	return slices.Clone(c.colors)
}

// Rule returns the color rule of a part.
func (c *Catalog) Rule(partID domain.PartID) (domain.ColorRule, bool) {
	rule, ok := c.rules[partID]
	if !ok {
		return domain.ColorRule{}, false
	}
	return rule.Clone(), true
}

// Part looks up a part by id.
func (c *Catalog) Part(id domain.PartID) (domain.Part, bool) {
	idx, ok := c.partIndex[id]
	if !ok {
		return domain.Part{}, false
	}
	return c.parts[idx], true
}

// Color looks up a color option by id.
func (c *Catalog) Color(id domain.ColorID) (domain.ColorOption, bool) {
	idx, ok := c.colorIndex[id]
	if !ok {
		return domain.ColorOption{}, false
	}
	return c.colors[idx], true
}

// BaselineColor is the color every part starts from when its rule allows it.
func (c *Catalog) BaselineColor() domain.ColorID {
	return c.baseline
}

// DefaultPart is the part focused when a session starts.
func (c *Catalog) DefaultPart() domain.PartID {
	return c.defaultPart
}
