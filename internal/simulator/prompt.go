package simulator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/ecosim/internal/retrieval"
	"github.com/kalambet/ecosim/internal/scenario"
)

const defaultMaxContextTokens = 1000

const patientRules = `[Rules]
- Stay strictly within the presenting complaint and your role as the patient described above.
- Never introduce symptoms, history or facts that the persona does not state or clearly imply.
- Speak in everyday lay language. Do not use medical jargon and never name a diagnosis yourself.
- If the student asks something unrelated to the consultation, gently bring the conversation back to why you came.
- Show the emotions and concerns a person in your situation would have.
- Answer only what you are asked. Never act as the clinician, give medical advice or comment on the student's performance.
- Reply in the language the student uses, in a few natural sentences.`

// PromptBuilder assembles the system instruction for the simulated patient
// from the scenario and any retrieved reference passages.
type PromptBuilder struct {
	MaxContextTokens int
}

// NewPromptBuilder creates a PromptBuilder with the given token budget for
// injected reference context. If maxContextTokens <= 0, the default (1000)
// is used.
func NewPromptBuilder(maxContextTokens int) *PromptBuilder {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &PromptBuilder{MaxContextTokens: maxContextTokens}
}

// System returns the system instruction. The persona and description are
// included verbatim and the scenario's core fact is repeated last.
func (b *PromptBuilder) System(sc scenario.Scenario, passages []retrieval.Passage) string {
	var sb strings.Builder

	sb.WriteString("You are role-playing a standardized patient in a clinical training simulation. ")
	sb.WriteString("A medical student is interviewing you.\n\n")

	sb.WriteString("[Persona]\n")
	sb.WriteString(strings.TrimSpace(sc.PersonaPrompt))
	sb.WriteString("\n\n")

	if desc := strings.TrimSpace(sc.Description); desc != "" {
		sb.WriteString("[Situation]\n")
		sb.WriteString(desc)
		sb.WriteString("\n\n")
	}

	sb.WriteString(patientRules)
	sb.WriteString("\n\n")

	if ctx := b.buildContext(passages); ctx != "" {
		sb.WriteString(ctx)
	}

	if fact := sc.CoreFact(); fact != "" {
		sb.WriteString("Remember who you are: ")
		sb.WriteString(fact)
	}
	return strings.TrimSpace(sb.String())
}

// buildContext selects the best passages that fit the token budget.
func (b *PromptBuilder) buildContext(passages []retrieval.Passage) string {
	if len(passages) == 0 {
		return ""
	}

	sorted := make([]retrieval.Passage, len(passages))
	copy(sorted, passages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	header := "[Background Facts]\nUse these only to stay medically consistent. Never quote them or reveal more than the persona would know.\n"
	remaining := b.MaxContextTokens - EstimateTokens(header)

	var entries []string
	for _, p := range sorted {
		entry := formatPassage(p)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		entries = append(entries, entry)
		remaining -= tokens
	}
	if len(entries) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(header)
	for _, e := range entries {
		sb.WriteString(e)
	}
	sb.WriteString("\n")
	return sb.String()
}

func formatPassage(p retrieval.Passage) string {
	return fmt.Sprintf("- %s\n", strings.TrimSpace(p.Content))
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
