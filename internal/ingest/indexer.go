package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ecosim/internal/jobs"
	"github.com/kalambet/ecosim/internal/retrieval"
	"github.com/kalambet/ecosim/internal/storage"
)

// ErrInvalidHandle is returned for an index handle that is not a slug.
var ErrInvalidHandle = errors.New("invalid index handle")

var handlePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]*$`)

// DocStore abstracts reference document persistence and the job queue.
type DocStore interface {
	SaveReferenceDoc(ctx context.Context, doc storage.ReferenceDoc) error
	GetReferenceDoc(ctx context.Context, id string) (storage.ReferenceDoc, error)
	SetReferenceDocChunks(ctx context.Context, id string, chunks int) error
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// BatchEmbedder generates embeddings for several texts, in input order.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Indexer accepts reference documents and turns them into searchable vectors
// in the background.
type Indexer struct {
	store      DocStore
	embedder   BatchEmbedder
	vectors    retrieval.VectorStore
	httpClient *http.Client
	chunkWords int
	overlap    int
	logger     *slog.Logger
}

// NewIndexer creates an Indexer. httpClient is used for URL sources and may
// be nil.
func NewIndexer(store DocStore, embedder BatchEmbedder, vectors retrieval.VectorStore, httpClient *http.Client) *Indexer {
	return &Indexer{
		store:      store,
		embedder:   embedder,
		vectors:    vectors,
		httpClient: httpClient,
		chunkWords: DefaultChunkWords,
		overlap:    DefaultOverlapWords,
		logger:     slog.Default(),
	}
}

type indexPayload struct {
	DocID string `json:"doc_id"`
}

// Submit extracts the text of src, stores it as a reference document of
// handle and enqueues an index_document job.
func (ix *Indexer) Submit(ctx context.Context, handle, source string, src Source) (storage.ReferenceDoc, error) {
	if !handlePattern.MatchString(handle) {
		return storage.ReferenceDoc{}, fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}

	text, title, err := Extract(ctx, ix.httpClient, src)
	if err != nil {
		return storage.ReferenceDoc{}, err
	}

	doc := storage.ReferenceDoc{
		ID:          uuid.New().String(),
		IndexHandle: handle,
		Title:       title,
		Content:     text,
		Source:      source,
		CreatedAt:   time.Now().UTC(),
	}
	if err := ix.store.SaveReferenceDoc(ctx, doc); err != nil {
		return storage.ReferenceDoc{}, fmt.Errorf("saving document: %w", err)
	}

	job, err := jobs.New(jobs.TypeIndexDocument, indexPayload{DocID: doc.ID})
	if err != nil {
		return storage.ReferenceDoc{}, err
	}
	if err := ix.store.EnqueueJob(ctx, job); err != nil {
		return storage.ReferenceDoc{}, fmt.Errorf("enqueueing index job: %w", err)
	}
	return doc, nil
}

// HandleJob is the index_document job handler. Re-running it replaces the
// vectors of the document.
func (ix *Indexer) HandleJob(ctx context.Context, job *storage.Job) error {
	var payload indexPayload
	if err := jobs.Decode(job, &payload); err != nil {
		return err
	}

	doc, err := ix.store.GetReferenceDoc(ctx, payload.DocID)
	if err != nil {
		return fmt.Errorf("loading reference doc %s: %w", payload.DocID, err)
	}

	chunks := Chunk(doc.Content, ix.chunkWords, ix.overlap)
	vecs, err := ix.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}

	if _, err := ix.vectors.DeleteBySource(ctx, doc.ID); err != nil {
		return fmt.Errorf("clearing previous vectors: %w", err)
	}

	now := time.Now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, chunk := range chunks {
		records[i] = retrieval.Record{
			ID:          uuid.New().String(),
			SourceID:    doc.ID,
			IndexHandle: doc.IndexHandle,
			TextChunk:   chunk,
			Embedding:   vecs[i],
			CreatedAt:   now,
		}
	}
	if err := ix.vectors.Insert(ctx, records); err != nil {
		return fmt.Errorf("inserting vectors: %w", err)
	}

	if err := ix.store.SetReferenceDocChunks(ctx, doc.ID, len(records)); err != nil {
		return fmt.Errorf("updating chunk count: %w", err)
	}
	ix.logger.Info("reference document indexed", "doc_id", doc.ID, "index", doc.IndexHandle, "chunks", len(records))
	return nil
}
