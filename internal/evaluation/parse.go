package evaluation

import (
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/kalambet/ecosim/internal/assessment"
)

var errNoObject = errors.New("no JSON object in output")

// Parse turns raw evaluator output into a Result. It tries a strict JSON
// decode first and falls back to per-field pattern extraction, which never
// fails. Scores are clamped to the rubric.
func Parse(raw string, rubric assessment.Rubric) assessment.Result {
	res, err := parseStrict(raw)
	if err != nil {
		res = parseFallback(raw, rubric)
	}
	res.Clamp(rubric)
	return res
}

type strictOutput struct {
	Scores          map[string]any  `json:"scores"`
	Comments        map[string]any  `json:"comments"`
	Strengths       assessment.List `json:"strengths"`
	Weaknesses      assessment.List `json:"weaknesses"`
	Recommendations assessment.List `json:"recommendations"`
}

// parseStrict decodes the span between the first '{' and the last '}'. The
// scores and comments keys must be present.
func parseStrict(raw string) (assessment.Result, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return assessment.Result{}, errNoObject
	}

	var out strictOutput
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return assessment.Result{}, err
	}
	if out.Scores == nil {
		return assessment.Result{}, errors.New("missing scores")
	}
	if out.Comments == nil {
		return assessment.Result{}, errors.New("missing comments")
	}

	res := assessment.Result{
		Scores:          make(map[string]int, len(out.Scores)),
		Comments:        make(map[string]string, len(out.Comments)),
		Strengths:       out.Strengths,
		Weaknesses:      out.Weaknesses,
		Recommendations: out.Recommendations,
		Mode:            assessment.ModeStrict,
	}
	for id, v := range out.Scores {
		res.Scores[id] = toScore(v)
	}
	for id, v := range out.Comments {
		if s, ok := v.(string); ok {
			res.Comments[id] = s
		}
	}
	return res, nil
}

// toScore reads a JSON score value. Non-numeric values score 0.
func toScore(v any) int {
	switch n := v.(type) {
	case float64:
		return int(math.Round(n))
	case string:
		return roundScore(n)
	}
	return 0
}

// roundScore reads a decimal score the same way JSON numbers are read.
func roundScore(raw string) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return int(math.Round(f))
}

var (
	listMarker    = regexp.MustCompile(`^\s*(?:[-*•]+|\d+[.)])\s*`)
	quotedListSep = regexp.MustCompile(`"\s*,\s*"`)
	listSections  = []struct {
		key         string
		placeholder string
	}{
		{"strengths", assessment.PlaceholderStrength},
		{"weaknesses", assessment.PlaceholderWeakness},
		{"recommendations", assessment.PlaceholderRecommendation},
	}
)

// parseFallback extracts every field independently so one malformed field
// cannot hide the others.
func parseFallback(raw string, rubric assessment.Rubric) assessment.Result {
	res := assessment.Result{
		Scores:   make(map[string]int, len(rubric.Criteria)),
		Comments: make(map[string]string, len(rubric.Criteria)),
		Mode:     assessment.ModeFallback,
	}

	for _, c := range rubric.Criteria {
		key := regexp.QuoteMeta(c.ID)

		scoreRe := regexp.MustCompile(`"` + key + `"\s*:\s*(\d+(?:\.\d+)?)`)
		if m := scoreRe.FindStringSubmatch(raw); m != nil {
			res.Scores[c.ID] = roundScore(m[1])
		}

		commentRe := regexp.MustCompile(`"` + key + `"\s*:\s*"((?:[^"\\]|\\.)*)"`)
		if m := commentRe.FindStringSubmatch(raw); m != nil {
			res.Comments[c.ID] = unescape(m[1])
		}
	}

	for _, sec := range listSections {
		items := extractList(raw, sec.key)
		if len(items) == 0 {
			items = []string{sec.placeholder}
		}
		l := assessment.List{Items: items, Present: true}
		switch sec.key {
		case "strengths":
			res.Strengths = l
		case "weaknesses":
			res.Weaknesses = l
		case "recommendations":
			res.Recommendations = l
		}
	}
	return res
}

// extractList returns the items of the bracketed span following key, or the
// value itself when key maps to a bare string.
func extractList(raw, key string) []string {
	quoted := regexp.QuoteMeta(key)

	spanRe := regexp.MustCompile(`"` + quoted + `"\s*:\s*\[`)
	if loc := spanRe.FindStringIndex(raw); loc != nil {
		body := raw[loc[1]:]
		if end := strings.Index(body, "]"); end >= 0 {
			body = body[:end]
		}
		return splitItems(body)
	}

	scalarRe := regexp.MustCompile(`"` + quoted + `"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	if m := scalarRe.FindStringSubmatch(raw); m != nil {
		if s := strings.TrimSpace(unescape(m[1])); s != "" {
			return []string{s}
		}
	}
	return nil
}

func splitItems(body string) []string {
	var items []string
	for _, line := range strings.Split(body, "\n") {
		for _, part := range quotedListSep.Split(line, -1) {
			item := cleanItem(part)
			if item != "" {
				items = append(items, item)
			}
		}
	}
	return items
}

func cleanItem(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ",")
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	s = listMarker.ReplaceAllString(s, "")
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(unescape(s))
}

// unescape decodes JSON string escapes, returning s unchanged when it is not
// a valid JSON string body.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}
