package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PutCriterionScore records the score for one criterion. Scores are written
// once per (session, criterion); a repeated write for the same pair is
// ignored and reported as ErrAlreadyExists.
func (s *Store) PutCriterionScore(ctx context.Context, cs CriterionScore) error {
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO criterion_scores (session_id, criterion_id, score, feedback, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, criterion_id) DO NOTHING`),
		cs.SessionID, cs.CriterionID, cs.Score, cs.Feedback, formatTime(cs.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting score %s/%s: %w", cs.SessionID, cs.CriterionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *Store) ListCriterionScores(ctx context.Context, sessionID string) ([]CriterionScore, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT session_id, criterion_id, score, feedback, created_at
		FROM criterion_scores WHERE session_id = ? ORDER BY criterion_id ASC`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CriterionScore
	for rows.Next() {
		var cs CriterionScore
		var createdAt string
		if err := rows.Scan(&cs.SessionID, &cs.CriterionID, &cs.Score, &cs.Feedback, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		cs.CreatedAt = t
		results = append(results, cs)
	}
	return results, rows.Err()
}

// PutReport persists the report for a session. The session_id column is
// unique, so a second report for the same session yields ErrReportExists and
// leaves the original untouched.
func (s *Store) PutReport(ctx context.Context, r Report) (Report, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.Scores == nil {
		r.Scores = map[string]int{}
	}

	strengths, err := json.Marshal(nonNil(r.Strengths))
	if err != nil {
		return Report{}, err
	}
	weaknesses, err := json.Marshal(nonNil(r.Weaknesses))
	if err != nil {
		return Report{}, err
	}
	recommendations, err := json.Marshal(nonNil(r.Recommendations))
	if err != nil {
		return Report{}, err
	}
	scores, err := json.Marshal(r.Scores)
	if err != nil {
		return Report{}, err
	}

	insufficient := 0
	if r.InsufficientContent {
		insufficient = 1
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO reports (id, session_id, summary, strengths, weaknesses, recommendations, scores, insufficient_content, global_score, parse_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING`),
		r.ID, r.SessionID, r.Summary, string(strengths), string(weaknesses), string(recommendations),
		string(scores), insufficient, r.GlobalScore, r.ParseMode, formatTime(r.CreatedAt),
	)
	if err != nil {
		return Report{}, fmt.Errorf("inserting report for %s: %w", r.SessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Report{}, err
	}
	if n == 0 {
		return Report{}, ErrReportExists
	}
	return r, nil
}

func (s *Store) GetReport(ctx context.Context, sessionID string) (Report, error) {
	var r Report
	var strengths, weaknesses, recommendations, scores, createdAt string
	var insufficient int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, session_id, summary, strengths, weaknesses, recommendations, scores, insufficient_content, global_score, parse_mode, created_at
		FROM reports WHERE session_id = ?`), sessionID,
	).Scan(&r.ID, &r.SessionID, &r.Summary, &strengths, &weaknesses, &recommendations,
		&scores, &insufficient, &r.GlobalScore, &r.ParseMode, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, err
	}

	for _, f := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"strengths", strengths, &r.Strengths},
		{"weaknesses", weaknesses, &r.Weaknesses},
		{"recommendations", recommendations, &r.Recommendations},
		{"scores", scores, &r.Scores},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return Report{}, fmt.Errorf("decoding report %s: %w", f.name, err)
		}
	}
	r.InsufficientContent = insufficient != 0

	t, err := parseTime(createdAt)
	if err != nil {
		return Report{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	return r, nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
