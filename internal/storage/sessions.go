package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `id, scenario_id, student_id, training_context_id, status, start_time, end_time`

// CreateSession inserts a new session. Status defaults to in_progress.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if sess.Status == "" {
		sess.Status = StatusInProgress
	}
	if sess.StartTime.IsZero() {
		sess.StartTime = s.now()
	}
	endTime := ""
	if !sess.EndTime.IsZero() {
		endTime = formatTime(sess.EndTime)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.ScenarioID, sess.StudentID, sess.TrainingContextID,
		sess.Status, formatTime(sess.StartTime), endTime,
	)
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

// UpdateSessionStatus moves an in-progress session to a terminal status and
// stamps its end time. It reports false when the session had already left
// in_progress; statuses never regress.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string, at time.Time) (bool, error) {
	if status != StatusCompleted && status != StatusFailed {
		return false, fmt.Errorf("invalid terminal status %q", status)
	}
	if at.IsZero() {
		at = s.now()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sessions SET status = ?, end_time = ?
		WHERE id = ? AND status = ?`),
		status, formatTime(at), id, StatusInProgress,
	)
	if err != nil {
		return false, fmt.Errorf("updating session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	if _, err := s.GetSession(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ListSessionsByStudent returns a student's sessions, newest first.
func (s *Store) ListSessionsByStudent(ctx context.Context, studentID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE student_id = ?
		ORDER BY start_time DESC LIMIT ?`), studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sess)
	}
	return results, rows.Err()
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	var start, end string
	if err := row.Scan(&sess.ID, &sess.ScenarioID, &sess.StudentID, &sess.TrainingContextID,
		&sess.Status, &start, &end); err != nil {
		return Session{}, err
	}
	var err error
	if sess.StartTime, err = parseTime(start); err != nil {
		return Session{}, fmt.Errorf("parsing start_time: %w", err)
	}
	if sess.EndTime, err = parseTime(end); err != nil {
		return Session{}, fmt.Errorf("parsing end_time: %w", err)
	}
	return sess, nil
}
