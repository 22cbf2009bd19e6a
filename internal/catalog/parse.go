package catalog

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	domain "github.com/shoe-studio/api/internal/domain"
)

const allColorsKeyword = "all"

type fileDefinition struct {
	Defaults struct {
		Color string `yaml:"color"`
		Part  string `yaml:"part"`
	} `yaml:"defaults"`
	Parts []struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		DisplayName string `yaml:"displayName"`
	} `yaml:"parts"`
	Colors []struct {
		ID   string `yaml:"id"`
		Hex  string `yaml:"hex"`
		Name string `yaml:"name"`
	} `yaml:"colors"`
	Rules map[string]ruleSpec `yaml:"rules"`
}

// ruleSpec accepts either the scalar "all" or a sequence of color ids.
type ruleSpec struct {
	all    bool
	colors []string
}

func (r *ruleSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if !strings.EqualFold(strings.TrimSpace(node.Value), allColorsKeyword) {
			return fmt.Errorf("line %d: rule must be %q or a list of color ids, got %q", node.Line, allColorsKeyword, node.Value)
		}
		r.all = true
		return nil
	case yaml.SequenceNode:
		var colors []string
		if err := node.Decode(&colors); err != nil {
			return err
		}
		r.colors = colors
		return nil
	default:
		return fmt.Errorf("line %d: rule must be %q or a list of color ids", node.Line, allColorsKeyword)
	}
}

// Parse decodes a YAML catalog document and validates its integrity.
func Parse(data []byte) (*Catalog, error) {
	var file fileDefinition
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("catalog: decode yaml: %w", err)
	}

	def := Definition{
		Parts:         make([]domain.Part, 0, len(file.Parts)),
		Colors:        make([]domain.ColorOption, 0, len(file.Colors)),
		Rules:         make(map[domain.PartID]domain.ColorRule, len(file.Rules)),
		BaselineColor: domain.ColorID(file.Defaults.Color),
		DefaultPart:   domain.PartID(file.Defaults.Part),
	}
	for _, part := range file.Parts {
		def.Parts = append(def.Parts, domain.Part{
			ID:          domain.PartID(part.ID),
			Name:        part.Name,
			DisplayName: part.DisplayName,
		})
	}
	for _, color := range file.Colors {
		def.Colors = append(def.Colors, domain.ColorOption{
			ID:   domain.ColorID(color.ID),
			Hex:  color.Hex,
			Name: color.Name,
		})
	}
	for partID, entry := range file.Rules {
		rule := domain.ColorRule{AllColors: entry.all}
		for _, colorID := range entry.colors {
			rule.Colors = append(rule.Colors, domain.ColorID(strings.TrimSpace(colorID)))
		}
		def.Rules[domain.PartID(strings.TrimSpace(partID))] = rule
	}

	return New(def)
}
