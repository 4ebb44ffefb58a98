package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// tagsJSON builds a /api/tags response with the given model names.
func tagsJSON(names ...string) []byte {
	var r tagsResponse
	for _, n := range names {
		r.Models = append(r.Models, struct {
			Name string `json:"name"`
		}{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestIsRunning_Up(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
}

func TestIsRunning_Down(t *testing.T) {
	// Point at a closed server to simulate connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL)
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestHasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.2:latest", "nomic-embed-text:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.HasModel(context.Background(), "llama3.2") {
		t.Error("HasModel(llama3.2) = false, want true")
	}
	if c.HasModel(context.Background(), "mistral") {
		t.Error("HasModel(mistral) = true, want false")
	}
}

func TestChat_SendsOptions(t *testing.T) {
	var captured chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(chatResponse{
			Message: Message{Role: "assistant", Content: `{"scores":{}}`},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.Chat(context.Background(), "llama3.2", []Message{
		{Role: "system", Content: "assess"},
		{Role: "user", Content: "transcript"},
	}, ChatOptions{Temperature: 0.3, NumPredict: 800, JSON: true})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result != `{"scores":{}}` {
		t.Errorf("result = %q", result)
	}

	if captured.Stream {
		t.Error("stream = true, want false")
	}
	if captured.Format != "json" {
		t.Errorf("format = %q, want json", captured.Format)
	}
	if captured.Options["temperature"] != 0.3 {
		t.Errorf("temperature = %v, want 0.3", captured.Options["temperature"])
	}
	if captured.Options["num_predict"] != float64(800) {
		t.Errorf("num_predict = %v, want 800", captured.Options["num_predict"])
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", captured.Messages)
	}
}

func TestChat_PlainTextOmitsFormat(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "It hurts here."}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	got, err := c.Chat(context.Background(), "llama3.2", []Message{{Role: "user", Content: "Where?"}}, ChatOptions{Temperature: 0.7})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "It hurts here." {
		t.Errorf("result = %q", got)
	}
	if _, ok := raw["format"]; ok {
		t.Error("format sent for plain-text chat")
	}
}

func TestChat_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Chat(context.Background(), "nope", nil, ChatOptions{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", se.Status)
	}
	if !strings.Contains(se.Body, "model not found") {
		t.Errorf("Body = %q", se.Body)
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	vec, err := c.Embed(context.Background(), "nomic-embed-text", "chest pain")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	want := []float32{0.1, 0.2, 0.3}
	if len(vec) != len(want) {
		t.Fatalf("got %d floats, want %d", len(vec), len(want))
	}
	for i, w := range want {
		if vec[i] != w {
			t.Errorf("vec[%d] = %f, want %f", i, vec[i], w)
		}
	}
}

func TestEmbed_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[]}`))
	}))
	defer srv.Close()

	if _, err := New(srv.URL).Embed(context.Background(), "m", "x"); err == nil {
		t.Error("expected error for empty embeddings")
	}
}

func TestPullModel_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "llama3.2" {
			t.Errorf("pull model = %v, want llama3.2", body["name"])
		}

		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 1000})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	var progressCount int
	err := New(srv.URL).PullModel(context.Background(), "llama3.2", func(p PullProgress) {
		progressCount++
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if progressCount != 3 {
		t.Errorf("received %d progress updates, want 3", progressCount)
	}
}

func TestEnsureReady_OllamaDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := EnsureReady(context.Background(), New(srv.URL), "llama3.2", "nomic-embed-text", io.Discard)
	if err == nil {
		t.Fatal("expected error when Ollama is down")
	}
	if !strings.Contains(err.Error(), "Ollama is not running") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestEnsureReady_PullsMissingAndWarms(t *testing.T) {
	var pulled []string
	var chats int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write(tagsJSON("llama3.2:latest"))
		case "/api/pull":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			pulled = append(pulled, body["name"].(string))
			json.NewEncoder(w).Encode(PullProgress{Status: "success"})
		case "/api/chat":
			chats++
			json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "pong"}})
		}
	}))
	defer srv.Close()

	var out strings.Builder
	if err := EnsureReady(context.Background(), New(srv.URL), "llama3.2", "nomic-embed-text", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(pulled) != 1 || pulled[0] != "nomic-embed-text" {
		t.Errorf("pulled = %v, want [nomic-embed-text]", pulled)
	}
	if chats != 1 {
		t.Errorf("warm-up chats = %d, want 1", chats)
	}
	if !strings.Contains(out.String(), "model llama3.2: warm") {
		t.Errorf("output = %q", out.String())
	}
}
