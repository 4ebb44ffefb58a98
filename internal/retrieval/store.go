package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/ecosim/internal/storage"
)

// Compile-time check that SQLStore implements VectorStore.
var _ VectorStore = (*SQLStore)(nil)

// SQLStore provides vector storage and brute-force cosine similarity search
// over the context_vectors table of the main database. Embeddings are stored
// as little-endian float32 blobs so the same code serves SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore wraps an existing database handle. The context_vectors table
// must already exist (created via storage migrations).
func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) q(query string) string {
	return storage.Rebind(s.dialect, query)
}

func (s *SQLStore) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO context_vectors (id, source_id, index_handle, text_chunk, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.SourceID, r.IndexHandle, r.TextChunk,
			encodeFloat32s(r.Embedding), storage.FormatTime(createdAt)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the ID and score during the scan phase of Search.
// Full record details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Search scans the vectors of one index and returns the top-K by cosine
// similarity, best first.
func (s *SQLStore) Search(ctx context.Context, handle string, vector []float32, topK int) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, embedding FROM context_vectors WHERE index_handle = ?`), handle)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	scores := make(map[string]float32, h.Len())
	args := make([]any, 0, h.Len())
	for h.Len() > 0 {
		item := heap.Pop(h).(idScore)
		scores[item.ID] = item.Score
		args = append(args, item.ID)
	}

	fullRows, err := s.db.QueryContext(ctx, s.q(`SELECT id, source_id, index_handle, text_chunk, created_at
		FROM context_vectors WHERE id IN (?`+strings.Repeat(",?", len(args)-1)+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredRecord
	for fullRows.Next() {
		var r Record
		var createdAt string
		if err := fullRows.Scan(&r.ID, &r.SourceID, &r.IndexHandle, &r.TextChunk, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning full record: %w", err)
		}
		if r.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, ScoredRecord{Record: r, Score: scores[r.ID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	// IN query does not preserve order.
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

func (s *SQLStore) DeleteBySource(ctx context.Context, sourceID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM context_vectors WHERE source_id = ?`), sourceID)
	if err != nil {
		return 0, fmt.Errorf("deleting vectors of %s: %w", sourceID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) Count(ctx context.Context, handle string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM context_vectors WHERE index_handle = ?`), handle).Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans. A length that
// is not a multiple of 4 indicates corruption.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed norm of a.
// Vectors of different dimension score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
