package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	domain "github.com/shoe-studio/api/internal/domain"
)

var (
	// ErrUnknownPart indicates a mapping key that is not a catalog part.
	ErrUnknownPart = errors.New("catalog: unknown part")
	// ErrUnknownColor indicates a mapping value that is not a catalog color.
	ErrUnknownColor = errors.New("catalog: unknown color")
	// ErrIllegalColor indicates a catalog color that the part's rule does not permit.
	ErrIllegalColor = errors.New("catalog: color not permitted for part")
	// ErrMalformedMapping indicates a payload that is not an object of string values.
	ErrMalformedMapping = errors.New("catalog: malformed mapping")
)

// Violation describes one rejected part/color pair.
type Violation struct {
	Part   string
	Color  string
	Reason error
}

// MappingError reports every violation of a rejected mapping.
type MappingError struct {
	Violations []Violation
}

// Error implements the error interface.
func (e *MappingError) Error() string {
	if e == nil || len(e.Violations) == 0 {
		return "catalog: invalid mapping"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		switch {
		case v.Part == "":
			parts = append(parts, v.Reason.Error())
		case v.Color == "":
			parts = append(parts, fmt.Sprintf("%s: %v", v.Part, v.Reason))
		default:
			parts = append(parts, fmt.Sprintf("%s=%s: %v", v.Part, v.Color, v.Reason))
		}
	}
	return "invalid mapping: " + strings.Join(parts, "; ")
}

// Is matches any of the violation reasons.
func (e *MappingError) Is(target error) bool {
	if e == nil {
		return false
	}
	for _, v := range e.Violations {
		if errors.Is(v.Reason, target) {
			return true
		}
	}
	return false
}

// ValidateMapping checks every pair of the mapping against the color rules. The mapping
// is valid only when every pair is valid.
func (c *Catalog) ValidateMapping(mapping domain.PartialMapping) error {
	var violations []Violation
	for _, partID := range mapping.Parts() {
		colorID := mapping[partID]
		violation := Violation{Part: string(partID), Color: string(colorID)}
		switch {
		case !c.hasPart(partID):
			violation.Reason = ErrUnknownPart
		case !c.hasColor(colorID):
			violation.Reason = ErrUnknownColor
		case !c.IsLegal(partID, colorID):
			violation.Reason = ErrIllegalColor
		default:
			continue
		}
		violations = append(violations, violation)
	}
	if len(violations) > 0 {
		return &MappingError{Violations: violations}
	}
	return nil
}

// DecodeMapping parses an untrusted JSON object of part ids to color ids and
// validates it. Any malformed or illegal entry rejects the whole payload.
func (c *Catalog) DecodeMapping(data []byte) (domain.PartialMapping, error) {
	malformed := func(format string, args ...any) error {
		reason := fmt.Errorf("%w: "+format, append([]any{ErrMalformedMapping}, args...)...)
		return &MappingError{Violations: []Violation{{Reason: reason}}}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, malformed("expected a JSON object")
	}

	mapping := domain.PartialMapping{}
	var violations []Violation
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, malformed("%v", err)
		}
		key, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, malformed("%v", err)
		}
		if _, dup := mapping[domain.PartID(key)]; dup {
			violations = append(violations, Violation{Part: key, Reason: fmt.Errorf("%w: repeated key", ErrMalformedMapping)})
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			violations = append(violations, Violation{Part: key, Reason: fmt.Errorf("%w: value must be a string", ErrMalformedMapping)})
			// keep the key so a later repeat is still caught
			mapping[domain.PartID(key)] = ""
			continue
		}
		mapping[domain.PartID(key)] = domain.ColorID(value)
	}
	if _, err := dec.Token(); err != nil {
		return nil, malformed("%v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, malformed("trailing data after object")
	}
	if len(violations) > 0 {
		return nil, &MappingError{Violations: violations}
	}
	if err := c.ValidateMapping(mapping); err != nil {
		return nil, err
	}
	return mapping, nil
}

// IsComplete reports whether the mapping assigns every catalog part.
func (c *Catalog) IsComplete(mapping domain.PartialMapping) bool {
	for _, part := range c.parts {
		if _, ok := mapping[part.ID]; !ok {
			return false
		}
	}
	return true
}

func (c *Catalog) hasPart(id domain.PartID) bool {
	_, ok := c.partIndex[id]
	return ok
}

func (c *Catalog) hasColor(id domain.ColorID) bool {
	_, ok := c.colorIndex[id]
	return ok
}
