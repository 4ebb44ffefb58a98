package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const scenarioColumns = `id, title, description, persona_prompt, rubric_json, context_index, created_by, created_at`

// CreateScenario publishes a scenario. Scenarios are immutable, so an id that
// is already taken yields ErrAlreadyExists instead of an update.
func (s *Store) CreateScenario(ctx context.Context, sc Scenario) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO scenarios (`+scenarioColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		sc.ID, sc.Title, sc.Description, sc.PersonaPrompt, sc.RubricJSON,
		sc.ContextIndex, sc.CreatedBy, formatTime(sc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting scenario %s: %w", sc.ID, err)
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

func (s *Store) GetScenario(ctx context.Context, id string) (Scenario, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+scenarioColumns+` FROM scenarios WHERE id = ?`), id)
	sc, err := scanScenario(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Scenario{}, ErrNotFound
	}
	return sc, err
}

// ListScenarios returns all scenarios ordered by creation time.
func (s *Store) ListScenarios(ctx context.Context) ([]Scenario, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scenarioColumns+` FROM scenarios ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Scenario
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}

func (s *Store) CountScenarios(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scenarios`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScenario(row scanner) (Scenario, error) {
	var sc Scenario
	var createdAt string
	if err := row.Scan(&sc.ID, &sc.Title, &sc.Description, &sc.PersonaPrompt, &sc.RubricJSON,
		&sc.ContextIndex, &sc.CreatedBy, &createdAt); err != nil {
		return Scenario{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return Scenario{}, fmt.Errorf("parsing created_at: %w", err)
	}
	sc.CreatedAt = t
	return sc, nil
}
