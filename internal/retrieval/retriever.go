package retrieval

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Passage is a retrieved reference fragment.
type Passage struct {
	Content  string
	SourceID string
	Score    float32
}

// Retriever combines embedding and vector search to find relevant context.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve embeds the query and returns the top-K most similar passages of
// the given index.
func (r *Retriever) Retrieve(ctx context.Context, query, handle string, topK int) ([]Passage, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	scored, err := r.store.Search(ctx, handle, vec, topK)
	if err != nil {
		return nil, err
	}

	passages := make([]Passage, len(scored))
	for i, s := range scored {
		passages[i] = Passage{Content: s.TextChunk, SourceID: s.SourceID, Score: s.Score}
	}
	return passages, nil
}

// Searcher is the best-effort lookup used during dialogue turns: any failure
// degrades to no passages and is only logged.
type Searcher struct {
	retriever *Retriever
	topK      int
	timeout   time.Duration
	logger    *slog.Logger
}

// NewSearcher wraps a Retriever. A nil retriever yields a Searcher that
// always returns nothing.
func NewSearcher(r *Retriever, topK int, timeout time.Duration) *Searcher {
	if topK <= 0 {
		topK = 3
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Searcher{retriever: r, topK: topK, timeout: timeout, logger: slog.Default()}
}

// Search returns passages for query from the named index, or nil.
func (s *Searcher) Search(ctx context.Context, query, handle string) []Passage {
	if s == nil || s.retriever == nil || handle == "" || strings.TrimSpace(query) == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	passages, err := s.retriever.Retrieve(ctx, query, handle, s.topK)
	if err != nil {
		s.logger.Warn("context retrieval failed", "index", handle, "error", err)
		return nil
	}
	return passages
}
