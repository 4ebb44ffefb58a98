package scenario

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/ecosim/internal/assessment"
)

// Definition is the on-disk YAML shape of a scenario.
type Definition struct {
	ID            string          `yaml:"id"`
	Title         string          `yaml:"title"`
	Description   string          `yaml:"description"`
	PersonaPrompt string          `yaml:"persona_prompt"`
	ContextIndex  string          `yaml:"context_index,omitempty"`
	CreatedBy     string          `yaml:"created_by,omitempty"`
	Rubric        []CriterionYAML `yaml:"rubric,omitempty"`
}

// CriterionYAML is one rubric criterion in a definition file.
type CriterionYAML struct {
	ID       string `yaml:"id"`
	Label    string `yaml:"label"`
	MaxScore int    `yaml:"max_score,omitempty"`
}

// Scenario converts the definition into a catalog scenario.
func (d Definition) Scenario() Scenario {
	sc := Scenario{
		ID:            d.ID,
		Title:         d.Title,
		Description:   d.Description,
		PersonaPrompt: d.PersonaPrompt,
		ContextIndex:  d.ContextIndex,
		CreatedBy:     d.CreatedBy,
	}
	for _, c := range d.Rubric {
		sc.Rubric.Criteria = append(sc.Rubric.Criteria, assessment.Criterion{
			ID: c.ID, Label: c.Label, MaxScore: c.MaxScore,
		})
	}
	return sc
}

// ParseDefinitions decodes one or more YAML documents separated by "---".
func ParseDefinitions(data []byte) ([]Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var defs []Definition
	for {
		var d Definition
		err := dec.Decode(&d)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding scenario definition %d: %w", len(defs)+1, err)
		}
		if d.ID == "" && d.Title == "" && d.PersonaPrompt == "" {
			continue
		}
		defs = append(defs, d)
	}
	return defs, nil
}

// LoadFile reads scenario definitions from a YAML file.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseDefinitions(data)
}
