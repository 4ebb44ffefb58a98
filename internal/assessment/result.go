package assessment

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Mode records which parse tier produced a Result.
type Mode string

const (
	ModeStrict   Mode = "strict"
	ModeFallback Mode = "fallback"
)

// Placeholders used when the evaluator output lacks a field.
const (
	PlaceholderComment        = "No comment provided."
	PlaceholderStrength       = "No specific strengths identified."
	PlaceholderWeakness       = "No specific weaknesses identified."
	PlaceholderRecommendation = "No specific recommendations provided."
)

// List is a list section of the evaluator output. It decodes from either a
// JSON array of strings or a bare string.
type List struct {
	Items   []string
	Present bool // the key was present in the source
}

// UnmarshalJSON accepts a string, an array of strings or null.
func (l *List) UnmarshalJSON(data []byte) error {
	l.Present = true
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		l.Items = []string{s}
		return nil
	}
	var raw []any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	for _, v := range raw {
		if s, ok := v.(string); ok {
			l.Items = append(l.Items, s)
		}
	}
	return nil
}

// Normalized returns the trimmed non-empty items, or a single placeholder.
func (l List) Normalized(placeholder string) []string {
	var out []string
	for _, s := range l.Items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{placeholder}
	}
	return out
}

// Result is the normalized evaluator output, whichever tier parsed it.
type Result struct {
	Scores          map[string]int
	Comments        map[string]string
	Strengths       List
	Weaknesses      List
	Recommendations List
	Mode            Mode
}

// Total sums the scores of the rubric's criteria.
func (r Result) Total(rubric Rubric) int {
	total := 0
	for _, c := range rubric.Criteria {
		total += r.Scores[c.ID]
	}
	return total
}

// Clamp bounds every criterion score to 0..max and drops keys that are not
// rubric criteria. Missing criteria score 0 and get a placeholder comment.
func (r *Result) Clamp(rubric Rubric) {
	scores := make(map[string]int, len(rubric.Criteria))
	comments := make(map[string]string, len(rubric.Criteria))
	for _, c := range rubric.Criteria {
		score := r.Scores[c.ID]
		if score < 0 {
			score = 0
		}
		if score > c.MaxScore {
			score = c.MaxScore
		}
		scores[c.ID] = score

		comment := strings.TrimSpace(r.Comments[c.ID])
		if comment == "" {
			comment = PlaceholderComment
		}
		comments[c.ID] = comment
	}
	r.Scores = scores
	r.Comments = comments
}
