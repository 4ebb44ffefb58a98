// Package completion abstracts the language-model backends used for the
// patient dialogue and the evaluation pass.
package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrUpstream marks a failure of the completion service itself: unreachable,
// erroring or returning an unusable response.
var ErrUpstream = errors.New("completion service failure")

// ErrTimeout marks a completion call that exceeded its deadline.
var ErrTimeout = errors.New("completion timed out")

// Message roles in a conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one prior turn handed to the model.
type Message struct {
	Role    string
	Content string
}

// Request is a single completion call: the system instruction, the prior
// conversation, and the new user message.
type Request struct {
	System      string
	History     []Message
	User        string
	Temperature float64
	MaxTokens   int
	JSON        bool // ask the backend for a JSON-only answer when it supports it
}

// Completer produces the model's reply to a Request. Errors wrap ErrUpstream
// or ErrTimeout.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// classify wraps a backend error with the matching sentinel. Deadline errors
// become ErrTimeout, everything else ErrUpstream.
func classify(backend string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUpstream) || errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", backend, ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w: %v", backend, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %v", backend, ErrUpstream, err)
}

// messages flattens a request into an ordered chat list with the system
// instruction first and the new user message last.
func (r Request) messages() []Message {
	out := make([]Message, 0, len(r.History)+2)
	if r.System != "" {
		out = append(out, Message{Role: RoleSystem, Content: r.System})
	}
	out = append(out, r.History...)
	if r.User != "" {
		out = append(out, Message{Role: RoleUser, Content: r.User})
	}
	return out
}
