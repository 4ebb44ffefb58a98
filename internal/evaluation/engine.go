// Package evaluation scores a finished session transcript against the
// scenario rubric and hands the result to the report generator.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/ecosim/internal/assessment"
	"github.com/kalambet/ecosim/internal/completion"
	"github.com/kalambet/ecosim/internal/jobs"
	"github.com/kalambet/ecosim/internal/scenario"
	"github.com/kalambet/ecosim/internal/storage"
)

const (
	defaultTemperature = 0.3
	defaultMaxTokens   = 1200
	defaultTimeout     = 2 * time.Minute
)

// Store defines the storage operations the Engine needs.
// Implemented by storage.Store.
type Store interface {
	GetSession(ctx context.Context, id string) (storage.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]storage.Message, error)
	PutCriterionScore(ctx context.Context, cs storage.CriterionScore) error
	GetReport(ctx context.Context, sessionID string) (storage.Report, error)
}

// Scenarios resolves scenario ids. Implemented by scenario.Catalog.
type Scenarios interface {
	Get(ctx context.Context, id string) (scenario.Scenario, error)
}

// Reports builds and persists reports. Implemented by report.Generator.
type Reports interface {
	Build(ctx context.Context, sessionID string, rubric assessment.Rubric, parsed assessment.Result) (storage.Report, error)
	Insufficient(ctx context.Context, sessionID string) (storage.Report, error)
}

// Config tunes the evaluation completion call.
type Config struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Engine evaluates sessions.
type Engine struct {
	store     Store
	scenarios Scenarios
	completer completion.Completer
	reports   Reports
	cfg       Config
	logger    *slog.Logger
}

// New creates an Engine. Zero config fields take defaults, except Temperature
// where only a negative value does.
func New(store Store, scenarios Scenarios, completer completion.Completer, reports Reports, cfg Config) *Engine {
	if cfg.Temperature < 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Engine{
		store:     store,
		scenarios: scenarios,
		completer: completer,
		reports:   reports,
		cfg:       cfg,
		logger:    slog.Default(),
	}
}

// Evaluate scores a session and returns its report. A session whose report
// already exists gets that report back without a model call. A transcript
// without real interaction yields an insufficient-content report, also
// without a model call.
func (e *Engine) Evaluate(ctx context.Context, sessionID string) (storage.Report, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return storage.Report{}, fmt.Errorf("loading session %s: %w", sessionID, err)
	}

	existing, err := e.store.GetReport(ctx, sessionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Report{}, fmt.Errorf("checking existing report: %w", err)
	}

	msgs, err := e.store.ListMessages(ctx, sessionID)
	if err != nil {
		return storage.Report{}, fmt.Errorf("loading transcript: %w", err)
	}
	if !sufficient(msgs) {
		e.logger.Info("insufficient content for evaluation", "session_id", sessionID, "messages", len(msgs))
		return e.reports.Insufficient(ctx, sessionID)
	}

	sc, err := e.scenarios.Get(ctx, sess.ScenarioID)
	if err != nil {
		return storage.Report{}, err
	}
	rubric := sc.Rubric
	if len(rubric.Criteria) == 0 {
		rubric = assessment.DefaultRubric()
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	raw, err := e.completer.Complete(callCtx, completion.Request{
		System:      assessorSystem,
		User:        BuildPrompt(sc, rubric, FormatTranscript(msgs)),
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
		JSON:        true,
	})
	if err != nil {
		return storage.Report{}, fmt.Errorf("evaluating session %s: %w", sessionID, err)
	}

	result := Parse(raw, rubric)
	if result.Mode == assessment.ModeFallback {
		e.logger.Warn("evaluation parse degraded, used fallback extraction", "session_id", sessionID, "output_len", len(raw))
	}

	e.saveScores(ctx, sessionID, rubric, result)
	return e.reports.Build(ctx, sessionID, rubric, result)
}

// saveScores writes one row per criterion. Each write stands alone: a failed
// row is logged and the others are still written.
func (e *Engine) saveScores(ctx context.Context, sessionID string, rubric assessment.Rubric, result assessment.Result) {
	now := time.Now().UTC()
	for _, c := range rubric.Criteria {
		err := e.store.PutCriterionScore(ctx, storage.CriterionScore{
			SessionID:   sessionID,
			CriterionID: c.ID,
			Score:       result.Scores[c.ID],
			Feedback:    result.Comments[c.ID],
			CreatedAt:   now,
		})
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrAlreadyExists):
			e.logger.Debug("criterion score already recorded", "session_id", sessionID, "criterion", c.ID)
		default:
			e.logger.Warn("failed to save criterion score", "session_id", sessionID, "criterion", c.ID, "error", err)
		}
	}
}

// Outcome is the structured result of a scheduled evaluation.
type Outcome struct {
	SessionID string
	Report    storage.Report
	Err       error
	Duration  time.Duration
}

// OK reports whether the evaluation produced a report.
func (o Outcome) OK() bool { return o.Err == nil }

// Run evaluates a session for a scheduler. It never panics and never
// returns an error directly: failures are logged and carried in the Outcome.
func (e *Engine) Run(ctx context.Context, sessionID string) (out Outcome) {
	out.SessionID = sessionID
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("evaluation panic: %v", r)
		}
		out.Duration = time.Since(start)
		if out.Err != nil {
			e.logger.Error("evaluation failed", "session_id", sessionID, "error", out.Err)
			return
		}
		e.logger.Info("evaluation completed", "session_id", sessionID,
			"global_score", out.Report.GlobalScore, "insufficient", out.Report.InsufficientContent,
			"parse_mode", out.Report.ParseMode, "duration", out.Duration)
	}()

	out.Report, out.Err = e.Evaluate(ctx, sessionID)
	return out
}

// HandleJob is the evaluate_session job handler.
func (e *Engine) HandleJob(ctx context.Context, job *storage.Job) error {
	var payload jobs.EvaluatePayload
	if err := jobs.Decode(job, &payload); err != nil {
		return err
	}
	return e.Run(ctx, payload.SessionID).Err
}
