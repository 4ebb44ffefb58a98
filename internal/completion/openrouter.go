package completion

import (
	"context"

	"github.com/kalambet/ecosim/internal/proxy"
)

// OpenRouter runs completions through the OpenRouter API.
type OpenRouter struct {
	client *proxy.Client
	model  string
}

// NewOpenRouter creates an OpenRouter completer for the given model.
func NewOpenRouter(client *proxy.Client, model string) *OpenRouter {
	return &OpenRouter{client: client, model: model}
}

func (o *OpenRouter) Complete(ctx context.Context, req Request) (string, error) {
	src := req.messages()
	msgs := make([]proxy.Message, len(src))
	for i, m := range src {
		msgs[i] = proxy.Message{Role: m.Role, Content: m.Content}
	}

	temp := req.Temperature
	cr := proxy.ChatRequest{
		Model:       o.model,
		Messages:    msgs,
		Temperature: &temp,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		cr.ResponseFormat = &proxy.ResponseFormat{Type: "json_object"}
	}

	resp, err := o.client.Chat(ctx, cr)
	if err != nil {
		return "", classify("openrouter", err)
	}
	return resp.Content(), nil
}
