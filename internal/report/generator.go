// Package report turns a parsed evaluation into the persisted, immutable
// session report.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ecosim/internal/assessment"
	"github.com/kalambet/ecosim/internal/storage"
)

// InsufficientMessage is the summary of a session with no real interaction.
const InsufficientMessage = "This session does not contain enough interaction to be evaluated. " +
	"An evaluation needs at least one question from the student and one reply from the patient."

// Performance tiers.
const (
	TierExcellent        = "excellent"
	TierGood             = "good"
	TierSatisfactory     = "satisfactory"
	TierNeedsImprovement = "needs improvement"
)

// Store defines the report persistence the Generator needs.
// Implemented by storage.Store.
type Store interface {
	PutReport(ctx context.Context, r storage.Report) (storage.Report, error)
	GetReport(ctx context.Context, sessionID string) (storage.Report, error)
}

// Generator builds and persists reports. A session gets at most one report;
// building again returns the one already stored.
type Generator struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(store Store) *Generator {
	return &Generator{store: store, now: time.Now, logger: slog.Default()}
}

// Build computes the report of a session from a parsed evaluation scored
// against rubric and persists it.
func (g *Generator) Build(ctx context.Context, sessionID string, rubric assessment.Rubric, parsed assessment.Result) (storage.Report, error) {
	parsed.Clamp(rubric)

	total := parsed.Total(rubric)
	maxTotal := rubric.MaxTotal()
	global := GlobalScore(total, maxTotal)

	r := storage.Report{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		Summary:         Summary(rubric, parsed.Scores, total, maxTotal),
		Strengths:       parsed.Strengths.Normalized(assessment.PlaceholderStrength),
		Weaknesses:      parsed.Weaknesses.Normalized(assessment.PlaceholderWeakness),
		Recommendations: parsed.Recommendations.Normalized(assessment.PlaceholderRecommendation),
		Scores:          parsed.Scores,
		GlobalScore:     global,
		ParseMode:       string(parsed.Mode),
		CreatedAt:       g.now().UTC(),
	}
	return g.persist(ctx, r)
}

// Insufficient persists the report of a session too short to evaluate.
func (g *Generator) Insufficient(ctx context.Context, sessionID string) (storage.Report, error) {
	r := storage.Report{
		ID:                  uuid.New().String(),
		SessionID:           sessionID,
		Summary:             InsufficientMessage,
		Strengths:           []string{assessment.PlaceholderStrength},
		Weaknesses:          []string{assessment.PlaceholderWeakness},
		Recommendations:     []string{assessment.PlaceholderRecommendation},
		Scores:              map[string]int{},
		InsufficientContent: true,
		GlobalScore:         0,
		CreatedAt:           g.now().UTC(),
	}
	return g.persist(ctx, r)
}

func (g *Generator) persist(ctx context.Context, r storage.Report) (storage.Report, error) {
	saved, err := g.store.PutReport(ctx, r)
	if errors.Is(err, storage.ErrReportExists) {
		g.logger.Info("report already exists, keeping original", "session_id", r.SessionID)
		existing, getErr := g.store.GetReport(ctx, r.SessionID)
		if getErr != nil {
			return storage.Report{}, fmt.Errorf("loading existing report: %w", getErr)
		}
		return existing, nil
	}
	if err != nil {
		return storage.Report{}, fmt.Errorf("saving report: %w", err)
	}
	return saved, nil
}

// GlobalScore normalizes total out of maxTotal to 0..100, rounding half up.
func GlobalScore(total, maxTotal int) int {
	if maxTotal <= 0 || total <= 0 {
		return 0
	}
	if total > maxTotal {
		total = maxTotal
	}
	return int(math.Round(100 * float64(total) / float64(maxTotal)))
}

// Tier maps a global score to its performance tier.
func Tier(global int) string {
	switch {
	case global >= 80:
		return TierExcellent
	case global >= 70:
		return TierGood
	case global >= 60:
		return TierSatisfactory
	default:
		return TierNeedsImprovement
	}
}

// Summary is the one-paragraph overview naming the tier, the raw fraction
// and the strongest and weakest criteria.
func Summary(rubric assessment.Rubric, scores map[string]int, total, maxTotal int) string {
	global := GlobalScore(total, maxTotal)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Overall performance: %s, with %d out of %d points (%d/100).", Tier(global), total, maxTotal, global)

	best, worst := extremes(rubric, scores)
	if best != nil && worst != nil && best.ID != worst.ID {
		fmt.Fprintf(&sb, " Strongest area: %s (%d/%d). Area needing the most work: %s (%d/%d).",
			best.Label, scores[best.ID], best.MaxScore, worst.Label, scores[worst.ID], worst.MaxScore)
	}
	return sb.String()
}

// extremes returns the criteria with the highest and lowest score ratio.
// Ties keep the earliest criterion.
func extremes(rubric assessment.Rubric, scores map[string]int) (best, worst *assessment.Criterion) {
	var bestRatio, worstRatio float64
	for i := range rubric.Criteria {
		c := &rubric.Criteria[i]
		if c.MaxScore <= 0 {
			continue
		}
		ratio := float64(scores[c.ID]) / float64(c.MaxScore)
		if best == nil || ratio > bestRatio {
			best, bestRatio = c, ratio
		}
		if worst == nil || ratio < worstRatio {
			worst, worstRatio = c, ratio
		}
	}
	return best, worst
}
