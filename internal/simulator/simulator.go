// Package simulator plays the standardized patient of a session: one call to
// Respond is one student utterance and one patient reply.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/ecosim/internal/completion"
	"github.com/kalambet/ecosim/internal/lock"
	"github.com/kalambet/ecosim/internal/retrieval"
	"github.com/kalambet/ecosim/internal/scenario"
	"github.com/kalambet/ecosim/internal/storage"
)

// ErrSessionClosed is returned for a turn on a session that is no longer in
// progress, including one ended while the reply was being generated.
var ErrSessionClosed = storage.ErrSessionClosed

// ErrIntegrity is returned when a session references a scenario that does not exist.
var ErrIntegrity = errors.New("data integrity violation")

// ErrEmptyUtterance is returned when the student message is blank.
var ErrEmptyUtterance = errors.New("utterance is empty")

// FallbackReply is persisted and returned when the model produces no text.
const FallbackReply = "Sorry, I'm not sure what you mean. Could you ask me that again?"

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 300
	defaultTimeout     = 60 * time.Second
)

// Store defines the transcript operations the Simulator needs.
// Implemented by storage.Store.
type Store interface {
	GetSession(ctx context.Context, id string) (storage.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]storage.Message, error)
	AppendMessages(ctx context.Context, sessionID string, msgs []storage.Message) ([]storage.Message, error)
}

// Scenarios resolves scenario ids. Implemented by scenario.Catalog.
type Scenarios interface {
	Get(ctx context.Context, id string) (scenario.Scenario, error)
}

// ContextSearcher finds reference passages; it never fails.
// Implemented by retrieval.Searcher.
type ContextSearcher interface {
	Search(ctx context.Context, query, handle string) []retrieval.Passage
}

// Config tunes the completion call of a turn.
type Config struct {
	Temperature      float64
	MaxTokens        int
	Timeout          time.Duration
	MaxContextTokens int
}

// Deps are the collaborators of a Simulator. Search may be nil.
type Deps struct {
	Store     Store
	Scenarios Scenarios
	Completer completion.Completer
	Search    ContextSearcher
	Locks     lock.Locker
}

// Simulator produces patient replies.
type Simulator struct {
	store     Store
	scenarios Scenarios
	completer completion.Completer
	search    ContextSearcher
	locks     lock.Locker
	prompts   *PromptBuilder
	cfg       Config
	logger    *slog.Logger
}

// New creates a Simulator. Zero config fields take defaults, except
// Temperature where only a negative value does. Without Locks an in-process
// lock is used.
func New(deps Deps, cfg Config) *Simulator {
	if cfg.Temperature < 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	locks := deps.Locks
	if locks == nil {
		locks = lock.NewLocal()
	}
	return &Simulator{
		store:     deps.Store,
		scenarios: deps.Scenarios,
		completer: deps.Completer,
		search:    deps.Search,
		locks:     locks,
		prompts:   NewPromptBuilder(cfg.MaxContextTokens),
		cfg:       cfg,
		logger:    slog.Default(),
	}
}

// Respond runs one dialogue turn. On success the utterance and the reply are
// appended to the transcript together. On failure nothing is persisted.
func (s *Simulator) Respond(ctx context.Context, sessionID, utterance string) (string, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return "", ErrEmptyUtterance
	}

	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	sc, err := s.scenarios.Get(ctx, sess.ScenarioID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: session %s references missing scenario %s: %w", ErrIntegrity, sessionID, sess.ScenarioID, err)
	}
	if err != nil {
		return "", err
	}

	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("acquiring session lock: %w", err)
	}
	defer unlock()

	// The session may have been ended while this turn waited for the lock.
	if _, err := s.openSession(ctx, sessionID); err != nil {
		return "", err
	}

	msgs, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("loading transcript: %w", err)
	}

	var passages []retrieval.Passage
	if s.search != nil && sc.ContextIndex != "" {
		passages = s.search.Search(ctx, utterance, sc.ContextIndex)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	reply, err := s.completer.Complete(callCtx, completion.Request{
		System:      s.prompts.System(sc, passages),
		History:     history(msgs),
		User:        utterance,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		s.logger.Warn("patient reply failed", "session_id", sessionID, "error", err)
		return "", err
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		s.logger.Warn("empty patient reply, using fallback", "session_id", sessionID)
		reply = FallbackReply
	}

	if _, err := s.store.AppendMessages(ctx, sessionID, []storage.Message{
		{Role: storage.RoleUser, Content: utterance},
		{Role: storage.RoleAssistant, Content: reply},
	}); err != nil {
		if errors.Is(err, storage.ErrSessionClosed) {
			s.logger.Warn("session ended during turn, reply discarded", "session_id", sessionID)
		}
		return "", fmt.Errorf("persisting turn: %w", err)
	}

	s.logger.Debug("turn completed", "session_id", sessionID, "passages", len(passages), "latency", time.Since(start))
	return reply, nil
}

func (s *Simulator) openSession(ctx context.Context, sessionID string) (storage.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return storage.Session{}, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if sess.Status != storage.StatusInProgress {
		return storage.Session{}, fmt.Errorf("%w: session %s is %s", ErrSessionClosed, sessionID, sess.Status)
	}
	return sess, nil
}

func history(msgs []storage.Message) []completion.Message {
	out := make([]completion.Message, 0, len(msgs))
	for _, m := range msgs {
		role := completion.RoleUser
		switch m.Role {
		case storage.RoleAssistant:
			role = completion.RoleAssistant
		case storage.RoleSystem:
			role = completion.RoleSystem
		}
		out = append(out, completion.Message{Role: role, Content: m.Content})
	}
	return out
}
