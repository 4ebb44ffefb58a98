package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const docColumns = `id, index_handle, title, content, source, chunk_count, created_at`

func (s *Store) SaveReferenceDoc(ctx context.Context, doc ReferenceDoc) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO reference_docs (`+docColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		doc.ID, doc.IndexHandle, doc.Title, doc.Content, doc.Source, doc.ChunkCount, formatTime(doc.CreatedAt),
	)
	return err
}

func (s *Store) GetReferenceDoc(ctx context.Context, id string) (ReferenceDoc, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+docColumns+` FROM reference_docs WHERE id = ?`), id)
	d, err := scanDoc(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ReferenceDoc{}, ErrNotFound
	}
	return d, err
}

// SetReferenceDocChunks records how many vectors were produced for a document.
func (s *Store) SetReferenceDocChunks(ctx context.Context, id string, chunks int) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE reference_docs SET chunk_count = ? WHERE id = ?`), chunks, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListReferenceDocs returns the documents of an index, newest first.
func (s *Store) ListReferenceDocs(ctx context.Context, handle string, limit int) ([]ReferenceDoc, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+docColumns+` FROM reference_docs
		WHERE index_handle = ?
		ORDER BY created_at DESC LIMIT ?`), handle, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ReferenceDoc
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func scanDoc(row scanner) (ReferenceDoc, error) {
	var d ReferenceDoc
	var createdAt string
	if err := row.Scan(&d.ID, &d.IndexHandle, &d.Title, &d.Content, &d.Source, &d.ChunkCount, &createdAt); err != nil {
		return ReferenceDoc{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return ReferenceDoc{}, fmt.Errorf("parsing created_at: %w", err)
	}
	d.CreatedAt = t
	return d, nil
}
