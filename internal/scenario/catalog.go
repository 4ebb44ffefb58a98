// Package scenario is the read side of published clinical scenarios. Records
// are validated into a typed rubric when loaded and cached, since a published
// scenario never changes.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/ecosim/internal/assessment"
	"github.com/kalambet/ecosim/internal/storage"
)

// Store defines the storage operations the Catalog needs.
// Implemented by storage.Store.
type Store interface {
	CreateScenario(ctx context.Context, sc storage.Scenario) error
	GetScenario(ctx context.Context, id string) (storage.Scenario, error)
	ListScenarios(ctx context.Context) ([]storage.Scenario, error)
	CountScenarios(ctx context.Context) (int, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Scenario is a published scenario with its rubric decoded and validated.
type Scenario struct {
	ID            string
	Title         string
	Description   string
	PersonaPrompt string
	Rubric        assessment.Rubric
	ContextIndex  string
	CreatedBy     string
	CreatedAt     time.Time
}

// CoreFact is the first sentence of the persona prompt: the identifying fact
// the simulator repeats to keep the model on its role.
func (s Scenario) CoreFact() string {
	return FirstSentence(s.PersonaPrompt)
}

type cacheEntry struct {
	scenario Scenario
	loadedAt time.Time
}

// Catalog provides cached lookups of scenarios.
type Catalog struct {
	store  Store
	clock  Clock
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewCatalog creates a Catalog with a 5-minute cache TTL.
func NewCatalog(store Store) *Catalog {
	return NewCatalogWithClock(store, realClock{}, 5*time.Minute)
}

// NewCatalogWithClock creates a Catalog with a custom clock (for testing).
func NewCatalogWithClock(store Store, clock Clock, ttl time.Duration) *Catalog {
	return &Catalog{
		store:  store,
		clock:  clock,
		ttl:    ttl,
		logger: slog.Default(),
		cache:  make(map[string]cacheEntry),
	}
}

// Get returns the scenario with the given id. The error wraps
// storage.ErrNotFound when it does not exist.
func (c *Catalog) Get(ctx context.Context, id string) (Scenario, error) {
	c.mu.RLock()
	e, ok := c.cache[id]
	c.mu.RUnlock()
	if ok && c.clock.Now().Before(e.loadedAt.Add(c.ttl)) {
		return e.scenario, nil
	}

	rec, err := c.store.GetScenario(ctx, id)
	if err != nil {
		return Scenario{}, fmt.Errorf("loading scenario %s: %w", id, err)
	}
	sc, err := fromRecord(rec)
	if err != nil {
		return Scenario{}, err
	}

	c.mu.Lock()
	c.cache[id] = cacheEntry{scenario: sc, loadedAt: c.clock.Now()}
	c.mu.Unlock()
	return sc, nil
}

// List returns every published scenario. Records whose rubric no longer
// validates are skipped and logged.
func (c *Catalog) List(ctx context.Context) ([]Scenario, error) {
	recs, err := c.store.ListScenarios(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing scenarios: %w", err)
	}
	out := make([]Scenario, 0, len(recs))
	for _, rec := range recs {
		sc, err := fromRecord(rec)
		if err != nil {
			c.logger.Warn("skipping scenario with invalid rubric", "scenario_id", rec.ID, "error", err)
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

// Publish validates and stores a new scenario. Publishing an id that already
// exists returns storage.ErrAlreadyExists.
func (c *Catalog) Publish(ctx context.Context, sc Scenario) error {
	if err := validate(&sc); err != nil {
		return err
	}
	rec := storage.Scenario{
		ID:            sc.ID,
		Title:         sc.Title,
		Description:   sc.Description,
		PersonaPrompt: sc.PersonaPrompt,
		RubricJSON:    sc.Rubric.JSON(),
		ContextIndex:  sc.ContextIndex,
		CreatedBy:     sc.CreatedBy,
		CreatedAt:     sc.CreatedAt,
	}
	if err := c.store.CreateScenario(ctx, rec); err != nil {
		return fmt.Errorf("publishing scenario %s: %w", sc.ID, err)
	}
	return nil
}

// ErrInvalidScenario is returned when a scenario definition is incomplete.
var ErrInvalidScenario = errors.New("invalid scenario")

func validate(sc *Scenario) error {
	sc.ID = strings.TrimSpace(sc.ID)
	if sc.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidScenario)
	}
	if strings.TrimSpace(sc.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidScenario)
	}
	if strings.TrimSpace(sc.PersonaPrompt) == "" {
		return fmt.Errorf("%w: persona prompt is required", ErrInvalidScenario)
	}
	if len(sc.Rubric.Criteria) == 0 {
		sc.Rubric = assessment.DefaultRubric()
	}
	for i := range sc.Rubric.Criteria {
		if sc.Rubric.Criteria[i].MaxScore == 0 {
			sc.Rubric.Criteria[i].MaxScore = assessment.DefaultMaxScore
		}
		if sc.Rubric.Criteria[i].Label == "" {
			sc.Rubric.Criteria[i].Label = sc.Rubric.Criteria[i].ID
		}
	}
	if err := sc.Rubric.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	return nil
}

func fromRecord(rec storage.Scenario) (Scenario, error) {
	rubric, err := assessment.ParseRubric(rec.RubricJSON)
	if err != nil {
		return Scenario{}, fmt.Errorf("scenario %s: %w", rec.ID, err)
	}
	return Scenario{
		ID:            rec.ID,
		Title:         rec.Title,
		Description:   rec.Description,
		PersonaPrompt: rec.PersonaPrompt,
		Rubric:        rubric,
		ContextIndex:  rec.ContextIndex,
		CreatedBy:     rec.CreatedBy,
		CreatedAt:     rec.CreatedAt,
	}, nil
}

// FirstSentence returns text up to and including the first sentence
// terminator, or the whole trimmed text when there is none.
func FirstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			// Skip decimal points such as "38.5".
			if r == '.' && i+1 < len(text) && text[i+1] >= '0' && text[i+1] <= '9' {
				continue
			}
			return strings.TrimSpace(text[:i+1])
		}
	}
	return text
}
