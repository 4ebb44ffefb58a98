package evaluation

import (
	"fmt"
	"strings"

	"github.com/kalambet/ecosim/internal/assessment"
	"github.com/kalambet/ecosim/internal/scenario"
)

const assessorSystem = `You are an expert clinical examiner assessing a medical student's performance in an objective structured clinical examination (OSCE) station.
You grade strictly against the rubric you are given, using only evidence from the transcript.
You answer with a single JSON object and nothing else: no prose, no markdown fences.`

// BuildPrompt returns the evaluation request for a transcript.
func BuildPrompt(sc scenario.Scenario, rubric assessment.Rubric, transcript string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Station: %s\n", strings.TrimSpace(sc.Title))
	if desc := strings.TrimSpace(sc.Description); desc != "" {
		fmt.Fprintf(&sb, "Situation: %s\n", desc)
	}
	fmt.Fprintf(&sb, "Patient role played: %s\n\n", strings.TrimSpace(sc.PersonaPrompt))

	sb.WriteString("Rubric (score each criterion with an integer from 0 to its maximum):\n")
	for _, c := range rubric.Criteria {
		fmt.Fprintf(&sb, "- %s (%s): 0-%d\n", c.ID, c.Label, c.MaxScore)
	}

	sb.WriteString("\nTranscript (STUDENT is the candidate, PATIENT is the simulated patient):\n")
	sb.WriteString(transcript)

	sb.WriteString("\nReturn ONLY a JSON object of exactly this shape:\n")
	sb.WriteString(`{"scores": {`)
	for i, c := range rubric.Criteria {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, `"%s": <integer 0-%d>`, c.ID, c.MaxScore)
	}
	sb.WriteString(`}, "comments": {`)
	for i, c := range rubric.Criteria {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, `"%s": "<one short sentence>"`, c.ID)
	}
	sb.WriteString(`}, "strengths": ["<short point>"], "weaknesses": ["<short point>"], "recommendations": ["<short point>"]}`)
	sb.WriteString("\nKeep each list to at most three short items.")
	return sb.String()
}
