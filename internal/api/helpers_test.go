package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kalambet/ecosim/internal/completion"
	"github.com/kalambet/ecosim/internal/ingest"
	"github.com/kalambet/ecosim/internal/lock"
	"github.com/kalambet/ecosim/internal/ratelimit"
	"github.com/kalambet/ecosim/internal/retrieval"
	"github.com/kalambet/ecosim/internal/scenario"
	"github.com/kalambet/ecosim/internal/session"
	"github.com/kalambet/ecosim/internal/simulator"
	"github.com/kalambet/ecosim/internal/storage"
)

const testToken = "test-token"

type mockCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (m *mockCompleter) Complete(_ context.Context, _ completion.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.reply, m.err
}

func (m *mockCompleter) set(reply string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reply, m.err = reply, err
}

type mockEmbedder struct{}

func (mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type testEnv struct {
	store     *storage.Store
	completer *mockCompleter
	deps      Deps
	handler   http.Handler
}

func newTestEnv(t *testing.T, limiter *ratelimit.Limiter) *testEnv {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	catalog := scenario.NewCatalog(st)
	if err := catalog.Publish(ctx, scenario.Scenario{
		ID:            "chest-pain",
		Title:         "Acute chest pain",
		Description:   "A 58-year-old man presents with chest pain.",
		PersonaPrompt: "You are Marc Dubois, 58, a retired mechanic with crushing chest pain.",
	}); err != nil {
		t.Fatalf("publishing scenario: %v", err)
	}

	completer := &mockCompleter{reply: "It hurts right here, doctor."}
	locks := lock.NewLocal()
	sim := simulator.New(simulator.Deps{Store: st, Scenarios: catalog, Completer: completer, Locks: locks}, simulator.Config{})
	indexer := ingest.NewIndexer(st, mockEmbedder{}, retrieval.NewSQLStore(st.DB(), st.Dialect()), nil)

	deps := Deps{
		Sessions:  session.NewManagerWithLocks(st, catalog, locks),
		Simulator: sim,
		Scenarios: catalog,
		Indexer:   indexer,
		Docs:      st,
		Limiter:   limiter,
		Token:     testToken,
	}
	return &testEnv{store: st, completer: completer, deps: deps, handler: NewHandler(deps)}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) start(t *testing.T, student string) session.Started {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/sessions", StartRequest{ScenarioID: "chest-pain", StudentID: student})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start session: status %d: %s", rec.Code, rec.Body.String())
	}
	var started session.Started
	decode(t, rec, &started)
	return started
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	decode(t, rec, &body)
	return body.Error.Type
}
