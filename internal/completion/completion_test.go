package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"

	"github.com/kalambet/ecosim/internal/ollama"
	"github.com/kalambet/ecosim/internal/proxy"
)

func TestClassify(t *testing.T) {
	if classify("x", nil) != nil {
		t.Error("classify(nil) != nil")
	}
	if err := classify("x", context.DeadlineExceeded); !errors.Is(err, ErrTimeout) {
		t.Errorf("deadline = %v, want ErrTimeout", err)
	}
	if err := classify("x", fmt.Errorf("wrapped: %w", context.DeadlineExceeded)); !errors.Is(err, ErrTimeout) {
		t.Errorf("wrapped deadline = %v, want ErrTimeout", err)
	}
	if err := classify("x", errors.New("boom")); !errors.Is(err, ErrUpstream) {
		t.Errorf("generic = %v, want ErrUpstream", err)
	}
	already := fmt.Errorf("inner: %w", ErrUpstream)
	if err := classify("x", already); err != already {
		t.Errorf("classified error re-wrapped: %v", err)
	}
}

func TestRequestMessages(t *testing.T) {
	req := Request{
		System:  "sys",
		History: []Message{{Role: RoleUser, Content: "q1"}, {Role: RoleAssistant, Content: "a1"}},
		User:    "q2",
	}
	msgs := req.messages()
	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4", len(msgs))
	}
	if msgs[0].Role != RoleSystem || msgs[3].Content != "q2" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestOllamaComplete(t *testing.T) {
	var got struct {
		Model    string           `json:"model"`
		Messages []ollama.Message `json:"messages"`
		Format   string           `json:"format"`
		Options  map[string]any   `json:"options"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"It started on Monday."}}`)
	}))
	defer srv.Close()

	c := NewOllama(ollama.New(srv.URL), "llama3.2")
	out, err := c.Complete(context.Background(), Request{
		System: "persona", User: "When did it start?", Temperature: 0.7, MaxTokens: 200,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "It started on Monday." {
		t.Errorf("out = %q", out)
	}
	if got.Model != "llama3.2" || len(got.Messages) != 2 || got.Format != "" {
		t.Errorf("request = %+v", got)
	}
	if got.Options["num_predict"] != float64(200) {
		t.Errorf("num_predict = %v, want 200", got.Options["num_predict"])
	}
}

func TestOllamaComplete_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewOllama(ollama.New(srv.URL), "m").Complete(context.Background(), Request{User: "hi"})
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", err)
	}
}

func TestOllamaComplete_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewOllama(ollama.New(srv.URL), "m").Complete(ctx, Request{User: "hi"})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestOpenRouterComplete_JSONMode(t *testing.T) {
	var got proxy.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"id":"g","choices":[{"message":{"role":"assistant","content":"{\"scores\":{}}"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenRouter(proxy.NewClientWithBaseURL("k", srv.URL), "mistralai/mistral-large")
	out, err := c.Complete(context.Background(), Request{System: "assess", User: "transcript", Temperature: 0.3, JSON: true})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `{"scores":{}}` {
		t.Errorf("out = %q", out)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v, want json_object", got.ResponseFormat)
	}
	if got.Temperature == nil || *got.Temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", got.Temperature)
	}
}

func TestOpenRouterComplete_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewOpenRouter(proxy.NewClientWithBaseURL("k", srv.URL), "m")
	if _, err := c.Complete(context.Background(), Request{User: "hi"}); !errors.Is(err, ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", err)
	}
}

func TestGeminiHistory(t *testing.T) {
	h := geminiHistory([]Message{
		{Role: RoleUser, Content: "q1"},
		{Role: RoleSystem, Content: "timer"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleAssistant, Content: "a2"},
	})
	if len(h) != 2 {
		t.Fatalf("len = %d, want 2 merged turns", len(h))
	}
	if h[0].Role != "user" || len(h[0].Parts) != 2 {
		t.Errorf("first = %s with %d parts, want user with 2", h[0].Role, len(h[0].Parts))
	}
	if h[0].Parts[1] != genai.Text("[note] timer") {
		t.Errorf("system part = %v", h[0].Parts[1])
	}
	if h[1].Role != "model" || len(h[1].Parts) != 2 {
		t.Errorf("second = %s with %d parts, want model with 2", h[1].Role, len(h[1].Parts))
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	c, closeFn, err := New(ctx, Config{Provider: ProviderOllama, Model: "m", OllamaBaseURL: "http://localhost:11434"})
	if err != nil {
		t.Fatalf("New(ollama): %v", err)
	}
	if _, ok := c.(*Ollama); !ok {
		t.Errorf("New(ollama) = %T", c)
	}
	if closeFn() != nil {
		t.Error("close returned error")
	}

	if _, _, err := New(ctx, Config{Provider: ProviderOpenRouter}); err == nil {
		t.Error("expected error for openrouter without key")
	}
	if _, _, err := New(ctx, Config{Provider: ProviderGemini}); err == nil {
		t.Error("expected error for gemini without key")
	}
	if _, _, err := New(ctx, Config{Provider: "palm"}); err == nil {
		t.Error("expected error for unknown provider")
	}

	c, _, err = New(ctx, Config{Provider: ProviderOpenRouter, OpenRouterKey: "k", Model: "m"})
	if err != nil {
		t.Fatalf("New(openrouter): %v", err)
	}
	if _, ok := c.(*OpenRouter); !ok {
		t.Errorf("New(openrouter) = %T", c)
	}
}

func TestCompleterFunc(t *testing.T) {
	var c Completer = CompleterFunc(func(ctx context.Context, req Request) (string, error) {
		return "echo: " + req.User, nil
	})
	out, err := c.Complete(context.Background(), Request{User: "x"})
	if err != nil || out != "echo: x" {
		t.Errorf("Complete = %q, %v", out, err)
	}
}
