package retrieval

import (
	"context"
	"time"
)

// VectorStore stores embedded reference chunks and answers similarity
// queries scoped to one context index.
type VectorStore interface {
	// Insert adds records in one transaction.
	Insert(ctx context.Context, records []Record) error

	// Search returns the top-K records of the given index most similar to vector.
	Search(ctx context.Context, handle string, vector []float32, topK int) ([]ScoredRecord, error)

	// DeleteBySource removes every record derived from the given source document.
	DeleteBySource(ctx context.Context, sourceID string) (int, error)

	// Count returns the number of records in the given index.
	Count(ctx context.Context, handle string) (int, error)
}

// Record represents a row in the vector store.
type Record struct {
	ID          string
	SourceID    string // reference document id
	IndexHandle string
	TextChunk   string
	Embedding   []float32
	CreatedAt   time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
