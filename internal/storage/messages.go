package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendMessages writes msgs to the end of a session transcript in a single
// transaction: either all of them become visible or none does. Sequence
// numbers continue from the current tail and timestamps are strictly
// increasing within the session. The session must still be in progress when
// the transaction runs, otherwise ErrSessionClosed is returned and nothing is
// written. The stored messages are returned.
func (s *Store) AppendMessages(ctx context.Context, sessionID string, msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	statusQuery := `SELECT status FROM sessions WHERE id = ?`
	if s.dialect == DriverPostgres {
		statusQuery += ` FOR UPDATE`
	}
	var status string
	err = tx.QueryRowContext(ctx, s.rebind(statusQuery), sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading session status: %w", err)
	}
	if status != StatusInProgress {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionClosed, sessionID, status)
	}

	var maxSeq sql.NullInt64
	var lastAt sql.NullString
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT seq, created_at FROM messages
		WHERE session_id = ? ORDER BY seq DESC LIMIT 1`), sessionID,
	).Scan(&maxSeq, &lastAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("reading transcript tail: %w", err)
	}

	seq := int(maxSeq.Int64)
	var prev time.Time
	if lastAt.Valid {
		if prev, err = parseTime(lastAt.String); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
	}

	stored := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		seq++
		at := s.now().UTC().Truncate(time.Microsecond)
		if !at.After(prev) {
			at = prev.Add(time.Microsecond)
		}
		prev = at

		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		m.SessionID = sessionID
		m.Seq = seq
		m.CreatedAt = at

		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO messages (id, session_id, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			m.ID, m.SessionID, m.Seq, m.Role, m.Content, formatTime(m.CreatedAt),
		); err != nil {
			return nil, fmt.Errorf("inserting message %d: %w", seq, err)
		}
		stored = append(stored, m)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing append: %w", err)
	}
	return stored, nil
}

// ListMessages returns the full transcript of a session in order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, session_id, seq, role, content, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}
