package evaluation

import (
	"testing"

	"github.com/kalambet/ecosim/internal/assessment"
)

const wellFormed = `{
  "scores": {"communication": 3, "history_taking": 2, "physical_exam": 1, "clinical_reasoning": 4, "management_plan": 2},
  "comments": {"communication": "Clear and warm", "history_taking": "Missed allergies", "physical_exam": "Brief",
               "clinical_reasoning": "Sound differential", "management_plan": "Vague follow-up"},
  "strengths": ["Good rapport", "Structured questions"],
  "weaknesses": ["No allergy check"],
  "recommendations": ["Always ask about allergies"]
}`

var wantScores = map[string]int{
	"communication": 3, "history_taking": 2, "physical_exam": 1, "clinical_reasoning": 4, "management_plan": 2,
}

func assertScores(t *testing.T, got map[string]int) {
	t.Helper()
	for id, want := range wantScores {
		if got[id] != want {
			t.Errorf("score[%s] = %d, want %d", id, got[id], want)
		}
	}
}

func TestParse_Strict(t *testing.T) {
	res := Parse(wellFormed, assessment.DefaultRubric())

	if res.Mode != assessment.ModeStrict {
		t.Fatalf("Mode = %q, want strict", res.Mode)
	}
	assertScores(t, res.Scores)
	if res.Comments["history_taking"] != "Missed allergies" {
		t.Errorf("comment = %q", res.Comments["history_taking"])
	}
	if len(res.Strengths.Items) != 2 || res.Recommendations.Items[0] != "Always ask about allergies" {
		t.Errorf("lists = %+v / %+v", res.Strengths, res.Recommendations)
	}
}

func TestParse_StrictWithChatter(t *testing.T) {
	raw := "Sure! Here is the assessment:\n```json\n" + wellFormed + "\n```\nLet me know if you need more."
	res := Parse(raw, assessment.DefaultRubric())

	if res.Mode != assessment.ModeStrict {
		t.Fatalf("Mode = %q, want strict", res.Mode)
	}
	assertScores(t, res.Scores)
}

func TestParse_StrictAcceptsStringScoresAndScalarLists(t *testing.T) {
	raw := `{"scores": {"communication": "3", "history_taking": 2.6}, "comments": {}, "strengths": "Empathic"}`
	res := Parse(raw, assessment.DefaultRubric())

	if res.Mode != assessment.ModeStrict {
		t.Fatalf("Mode = %q, want strict", res.Mode)
	}
	if res.Scores["communication"] != 3 || res.Scores["history_taking"] != 3 {
		t.Errorf("scores = %v", res.Scores)
	}
	if got := res.Strengths.Normalized(assessment.PlaceholderStrength); len(got) != 1 || got[0] != "Empathic" {
		t.Errorf("strengths = %q", got)
	}
	if res.Comments["physical_exam"] != assessment.PlaceholderComment {
		t.Errorf("missing comment = %q, want placeholder", res.Comments["physical_exam"])
	}
}

func TestParse_FallbackMatchesStrictScores(t *testing.T) {
	raw := `Here is my evaluation:
{
  "scores": {"communication": 3, "history_taking": 2, "physical_exam": 1, "clinical_reasoning": 4, "management_plan": 2,},
  "comments": {"communication": "Clear and \"warm\" tone", "history_taking": "Missed allergies"},
  "strengths": [
    "- Good rapport",
    "2. Structured questions"
  ],
  "weaknesses": ["No allergy check", "Rushed closing"]
}`
	res := Parse(raw, assessment.DefaultRubric())

	if res.Mode != assessment.ModeFallback {
		t.Fatalf("Mode = %q, want fallback", res.Mode)
	}
	assertScores(t, res.Scores)
	if res.Comments["communication"] != `Clear and "warm" tone` {
		t.Errorf("comment = %q", res.Comments["communication"])
	}
	if res.Comments["physical_exam"] != assessment.PlaceholderComment {
		t.Errorf("missing comment = %q, want placeholder", res.Comments["physical_exam"])
	}

	wantStrengths := []string{"Good rapport", "Structured questions"}
	if len(res.Strengths.Items) != len(wantStrengths) {
		t.Fatalf("strengths = %q", res.Strengths.Items)
	}
	for i, want := range wantStrengths {
		if res.Strengths.Items[i] != want {
			t.Errorf("strengths[%d] = %q, want %q", i, res.Strengths.Items[i], want)
		}
	}
	if len(res.Weaknesses.Items) != 2 || res.Weaknesses.Items[1] != "Rushed closing" {
		t.Errorf("weaknesses = %q", res.Weaknesses.Items)
	}
	if len(res.Recommendations.Items) != 1 || res.Recommendations.Items[0] != assessment.PlaceholderRecommendation {
		t.Errorf("recommendations = %q, want placeholder", res.Recommendations.Items)
	}
}

func TestParse_DecimalScoresRoundAlike(t *testing.T) {
	scores := `"scores": {"communication": 3.6, "history_taking": 2.4, "physical_exam": 0.5}`
	strict := Parse(`{`+scores+`, "comments": {}}`, assessment.DefaultRubric())
	fallback := Parse(`{`+scores+`,, "comments": {}`, assessment.DefaultRubric())

	if strict.Mode != assessment.ModeStrict || fallback.Mode != assessment.ModeFallback {
		t.Fatalf("modes = %q / %q", strict.Mode, fallback.Mode)
	}
	want := map[string]int{"communication": 4, "history_taking": 2, "physical_exam": 1}
	for id, w := range want {
		if strict.Scores[id] != w {
			t.Errorf("strict score[%s] = %d, want %d", id, strict.Scores[id], w)
		}
		if fallback.Scores[id] != strict.Scores[id] {
			t.Errorf("fallback score[%s] = %d, strict = %d", id, fallback.Scores[id], strict.Scores[id])
		}
	}
}

func TestParse_MissingCommentsUsesFallback(t *testing.T) {
	raw := `{"scores": {"communication": 3, "history_taking": 2, "physical_exam": 1, "clinical_reasoning": 4, "management_plan": 2}}`
	res := Parse(raw, assessment.DefaultRubric())

	if res.Mode != assessment.ModeFallback {
		t.Fatalf("Mode = %q, want fallback", res.Mode)
	}
	assertScores(t, res.Scores)
}

func TestParse_GarbageNeverFails(t *testing.T) {
	for _, raw := range []string{"", "I am unable to evaluate this.", "{", "}{", `{"scores": [1, 2]`} {
		res := Parse(raw, assessment.DefaultRubric())
		if res.Mode != assessment.ModeFallback {
			t.Errorf("Parse(%q).Mode = %q, want fallback", raw, res.Mode)
		}
		for _, id := range assessment.DefaultRubric().IDs() {
			if res.Scores[id] != 0 {
				t.Errorf("Parse(%q) score[%s] = %d, want 0", raw, id, res.Scores[id])
			}
			if res.Comments[id] != assessment.PlaceholderComment {
				t.Errorf("Parse(%q) comment[%s] = %q", raw, id, res.Comments[id])
			}
		}
		if len(res.Strengths.Items) != 1 || res.Strengths.Items[0] != assessment.PlaceholderStrength {
			t.Errorf("Parse(%q) strengths = %q", raw, res.Strengths.Items)
		}
	}
}

func TestParse_ClampsScores(t *testing.T) {
	raw := `{"scores": {"communication": 9, "history_taking": -2}, "comments": {}}`
	res := Parse(raw, assessment.DefaultRubric())

	if res.Scores["communication"] != 4 || res.Scores["history_taking"] != 0 {
		t.Errorf("scores = %v, want clamped", res.Scores)
	}
}

func TestParse_CustomRubric(t *testing.T) {
	rubric := assessment.Rubric{Criteria: []assessment.Criterion{
		{ID: "privacy", Label: "Privacy", MaxScore: 2},
		{ID: "clinical_examination", Label: "Examination", MaxScore: 4},
	}}
	raw := `scores: "privacy": 2, "clinical_examination": 3 and "strengths": "Respectful"`
	res := Parse(raw, rubric)

	if res.Mode != assessment.ModeFallback {
		t.Fatalf("Mode = %q", res.Mode)
	}
	if res.Scores["privacy"] != 2 || res.Scores["clinical_examination"] != 3 {
		t.Errorf("scores = %v", res.Scores)
	}
	if len(res.Scores) != 2 {
		t.Errorf("scores has %d keys, want rubric only", len(res.Scores))
	}
	if len(res.Strengths.Items) != 1 || res.Strengths.Items[0] != "Respectful" {
		t.Errorf("strengths = %q", res.Strengths.Items)
	}
}
