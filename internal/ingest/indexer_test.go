package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/ecosim/internal/jobs"
	"github.com/kalambet/ecosim/internal/retrieval"
	"github.com/kalambet/ecosim/internal/storage"
)

type mockEmbedder struct {
	err error
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{1, float32(i)}
	}
	return vecs, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func claim(t *testing.T, store *storage.Store) *storage.Job {
	t.Helper()
	job, err := store.ClaimNextJob(context.Background(), []string{jobs.TypeIndexDocument})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("no index job enqueued")
	}
	return job
}

func TestSubmitAndIndex(t *testing.T) {
	store := openTestStore(t)
	vectors := retrieval.NewSQLStore(store.DB(), store.Dialect())
	ix := NewIndexer(store, &mockEmbedder{}, vectors, nil)
	ix.chunkWords, ix.overlap = 4, 0
	ctx := context.Background()

	doc, err := ix.Submit(ctx, "cardio", "guidelines", Source{Title: "Angina", Content: "one two three four five six"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := ix.HandleJob(ctx, claim(t, store)); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}

	n, err := vectors.Count(ctx, "cardio")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("vectors = %d, want 2", n)
	}
	got, err := store.GetReferenceDoc(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetReferenceDoc: %v", err)
	}
	if got.ChunkCount != 2 {
		t.Errorf("ChunkCount = %d, want 2", got.ChunkCount)
	}
}

func TestHandleJob_ReindexReplacesVectors(t *testing.T) {
	store := openTestStore(t)
	vectors := retrieval.NewSQLStore(store.DB(), store.Dialect())
	ix := NewIndexer(store, &mockEmbedder{}, vectors, nil)
	ctx := context.Background()

	if _, err := ix.Submit(ctx, "peds", "notes", Source{Content: "wheeze and cough"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := claim(t, store)
	for i := 0; i < 2; i++ {
		if err := ix.HandleJob(ctx, job); err != nil {
			t.Fatalf("HandleJob #%d: %v", i+1, err)
		}
	}

	if n, _ := vectors.Count(ctx, "peds"); n != 1 {
		t.Errorf("vectors = %d after re-run, want 1", n)
	}
}

func TestHandleJob_EmbedError(t *testing.T) {
	store := openTestStore(t)
	vectors := retrieval.NewSQLStore(store.DB(), store.Dialect())
	ix := NewIndexer(store, &mockEmbedder{err: errors.New("ollama down")}, vectors, nil)
	ctx := context.Background()

	if _, err := ix.Submit(ctx, "peds", "notes", Source{Content: "wheeze"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := ix.HandleJob(ctx, claim(t, store)); err == nil {
		t.Fatal("expected embed error")
	}
}

func TestHandleJob_MissingDoc(t *testing.T) {
	store := openTestStore(t)
	ix := NewIndexer(store, &mockEmbedder{}, retrieval.NewSQLStore(store.DB(), store.Dialect()), nil)

	job, _ := jobs.New(jobs.TypeIndexDocument, map[string]string{"doc_id": "missing"})
	if err := ix.HandleJob(context.Background(), &job); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSubmit_InvalidHandle(t *testing.T) {
	store := openTestStore(t)
	ix := NewIndexer(store, &mockEmbedder{}, retrieval.NewSQLStore(store.DB(), store.Dialect()), nil)

	_, err := ix.Submit(context.Background(), "Bad Handle", "src", Source{Content: "x"})
	if !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("err = %v, want ErrInvalidHandle", err)
	}
}
