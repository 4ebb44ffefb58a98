// Package assessment holds the rubric type and the normalized evaluation
// result shared by the evaluation engine and the report generator.
package assessment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultMaxScore is the maximum score of a criterion that does not set one.
const DefaultMaxScore = 4

// ErrInvalidRubric is returned when a rubric definition cannot be used for scoring.
var ErrInvalidRubric = errors.New("invalid rubric")

// Criterion is one scored dimension of a rubric.
type Criterion struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	MaxScore int    `json:"max_score"`
}

// Rubric is an ordered list of criteria.
type Rubric struct {
	Criteria []Criterion `json:"criteria"`
}

// DefaultRubric is used when a scenario carries no rubric.
func DefaultRubric() Rubric {
	return Rubric{Criteria: []Criterion{
		{ID: "communication", Label: "Communication", MaxScore: DefaultMaxScore},
		{ID: "history_taking", Label: "History taking", MaxScore: DefaultMaxScore},
		{ID: "physical_exam", Label: "Physical examination", MaxScore: DefaultMaxScore},
		{ID: "clinical_reasoning", Label: "Clinical reasoning", MaxScore: DefaultMaxScore},
		{ID: "management_plan", Label: "Management plan", MaxScore: DefaultMaxScore},
	}}
}

// MaxTotal is the sum of the criteria maxima.
func (r Rubric) MaxTotal() int {
	total := 0
	for _, c := range r.Criteria {
		total += c.MaxScore
	}
	return total
}

// IDs returns the criterion ids in rubric order.
func (r Rubric) IDs() []string {
	ids := make([]string, len(r.Criteria))
	for i, c := range r.Criteria {
		ids[i] = c.ID
	}
	return ids
}

var criterionIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]*$`)

// Validate checks that the rubric has at least one criterion, that ids are
// unique and safe to embed in extraction patterns, and that maxima are positive.
func (r Rubric) Validate() error {
	if len(r.Criteria) == 0 {
		return fmt.Errorf("%w: no criteria", ErrInvalidRubric)
	}
	seen := make(map[string]bool, len(r.Criteria))
	for _, c := range r.Criteria {
		if !criterionIDPattern.MatchString(c.ID) {
			return fmt.Errorf("%w: criterion id %q must be lowercase letters, digits, '_' or '-'", ErrInvalidRubric, c.ID)
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: duplicate criterion %q", ErrInvalidRubric, c.ID)
		}
		seen[c.ID] = true
		if c.MaxScore <= 0 {
			return fmt.Errorf("%w: criterion %q has non-positive max score %d", ErrInvalidRubric, c.ID, c.MaxScore)
		}
	}
	return nil
}

// legacyCriterion is the object-map rubric shape found in older scenario
// records: {"communication": {"description": "...", "weight": 30}}.
type legacyCriterion struct {
	Label       string `json:"label"`
	Description string `json:"description"`
	Weight      int    `json:"weight"`
	MaxScore    int    `json:"max_score"`
}

// ParseRubric decodes a stored rubric. An empty input yields the default
// rubric. Three shapes are accepted: a list of criteria, an object with a
// "criteria" list, and the legacy id-keyed map. The result is validated.
func ParseRubric(raw string) (Rubric, error) {
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return DefaultRubric(), nil
	}

	var r Rubric
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &r.Criteria); err != nil {
			return Rubric{}, fmt.Errorf("%w: %v", ErrInvalidRubric, err)
		}
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return Rubric{}, fmt.Errorf("%w: %v", ErrInvalidRubric, err)
		}
		if list, ok := probe["criteria"]; ok && len(probe) == 1 {
			if err := json.Unmarshal(list, &r.Criteria); err != nil {
				return Rubric{}, fmt.Errorf("%w: %v", ErrInvalidRubric, err)
			}
			break
		}
		parsed, err := parseLegacy(probe)
		if err != nil {
			return Rubric{}, err
		}
		r = parsed
	default:
		return Rubric{}, fmt.Errorf("%w: expected a JSON list or object", ErrInvalidRubric)
	}

	for i := range r.Criteria {
		c := &r.Criteria[i]
		c.ID = strings.TrimSpace(c.ID)
		if c.Label == "" {
			c.Label = c.ID
		}
		if c.MaxScore == 0 {
			c.MaxScore = DefaultMaxScore
		}
	}
	if err := r.Validate(); err != nil {
		return Rubric{}, err
	}
	return r, nil
}

func parseLegacy(m map[string]json.RawMessage) (Rubric, error) {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	// Map order is lost in JSON decoding; sort for a stable prompt.
	sort.Strings(ids)

	var r Rubric
	for _, id := range ids {
		var lc legacyCriterion
		if err := json.Unmarshal(m[id], &lc); err != nil {
			return Rubric{}, fmt.Errorf("%w: criterion %q: %v", ErrInvalidRubric, id, err)
		}
		label := lc.Label
		if label == "" {
			label = lc.Description
		}
		r.Criteria = append(r.Criteria, Criterion{ID: id, Label: label, MaxScore: lc.MaxScore})
	}
	return r, nil
}

// JSON encodes the rubric in its canonical list shape for storage.
func (r Rubric) JSON() string {
	b, err := json.Marshal(r.Criteria)
	if err != nil {
		return "[]"
	}
	return string(b)
}
