package completion

import (
	"context"

	"github.com/kalambet/ecosim/internal/ollama"
)

// Ollama runs completions against an Ollama server.
type Ollama struct {
	client *ollama.Client
	model  string
}

// NewOllama creates an Ollama completer for the given model.
func NewOllama(client *ollama.Client, model string) *Ollama {
	return &Ollama{client: client, model: model}
}

func (o *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	src := req.messages()
	msgs := make([]ollama.Message, len(src))
	for i, m := range src {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}

	out, err := o.client.Chat(ctx, o.model, msgs, ollama.ChatOptions{
		Temperature: req.Temperature,
		NumPredict:  req.MaxTokens,
		JSON:        req.JSON,
	})
	if err != nil {
		return "", classify("ollama", err)
	}
	return out, nil
}
