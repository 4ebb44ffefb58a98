package scenario

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/ecosim/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingStore struct {
	*storage.Store
	gets int
}

func (s *countingStore) GetScenario(ctx context.Context, id string) (storage.Scenario, error) {
	s.gets++
	return s.Store.GetScenario(ctx, id)
}

func openTestCatalog(t *testing.T) (*Catalog, *countingStore, *fakeClock) {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cs := &countingStore{Store: st}
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewCatalogWithClock(cs, clock, time.Minute), cs, clock
}

func TestCatalogPublishAndGet(t *testing.T) {
	c, _, _ := openTestCatalog(t)
	ctx := context.Background()

	err := c.Publish(ctx, Scenario{
		ID:            "chest-pain",
		Title:         "Chest pain",
		PersonaPrompt: "You are Marc, 58. You have chest pain.",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := c.Get(ctx, "chest-pain")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Rubric.Criteria) != 5 {
		t.Errorf("criteria = %d, want default 5", len(got.Rubric.Criteria))
	}
	if got.CoreFact() != "You are Marc, 58." {
		t.Errorf("CoreFact = %q", got.CoreFact())
	}
}

func TestCatalogPublish_Duplicate(t *testing.T) {
	c, _, _ := openTestCatalog(t)
	ctx := context.Background()

	sc := Scenario{ID: "dup", Title: "T", PersonaPrompt: "You are someone."}
	if err := c.Publish(ctx, sc); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := c.Publish(ctx, sc); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestCatalogPublish_Invalid(t *testing.T) {
	c, _, _ := openTestCatalog(t)
	ctx := context.Background()

	cases := map[string]Scenario{
		"missing id":      {Title: "T", PersonaPrompt: "P"},
		"missing title":   {ID: "a", PersonaPrompt: "P"},
		"missing persona": {ID: "a", Title: "T"},
	}
	for name, sc := range cases {
		t.Run(name, func(t *testing.T) {
			if err := c.Publish(ctx, sc); !errors.Is(err, ErrInvalidScenario) {
				t.Errorf("err = %v, want ErrInvalidScenario", err)
			}
		})
	}
}

func TestCatalogGet_NotFound(t *testing.T) {
	c, _, _ := openTestCatalog(t)

	_, err := c.Get(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCatalogGet_CachesUntilTTL(t *testing.T) {
	c, cs, clock := openTestCatalog(t)
	ctx := context.Background()

	if err := c.Publish(ctx, Scenario{ID: "a", Title: "T", PersonaPrompt: "P."}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := c.Get(ctx, "a"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if cs.gets != 1 {
		t.Errorf("store reads = %d, want 1 within TTL", cs.gets)
	}

	clock.Advance(2 * time.Minute)
	if _, err := c.Get(ctx, "a"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.gets != 2 {
		t.Errorf("store reads = %d, want 2 after TTL", cs.gets)
	}
}

func TestCatalogList_SkipsInvalidRubric(t *testing.T) {
	c, cs, _ := openTestCatalog(t)
	ctx := context.Background()

	if err := cs.CreateScenario(ctx, storage.Scenario{ID: "broken", Title: "B", PersonaPrompt: "P", RubricJSON: `[{"id":"a"},{"id":"a"}]`}); err != nil {
		t.Fatalf("CreateScenario: %v", err)
	}
	if err := c.Publish(ctx, Scenario{ID: "ok", Title: "T", PersonaPrompt: "P"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	list, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != "ok" {
		t.Errorf("List = %+v, want only ok", list)
	}
}

func TestCatalogSeedSamples(t *testing.T) {
	c, _, _ := openTestCatalog(t)
	ctx := context.Background()

	n, err := c.SeedSamples(ctx)
	if err != nil {
		t.Fatalf("SeedSamples: %v", err)
	}
	if n != 3 {
		t.Fatalf("seeded = %d, want 3", n)
	}

	again, err := c.SeedSamples(ctx)
	if err != nil {
		t.Fatalf("second SeedSamples: %v", err)
	}
	if again != 0 {
		t.Errorf("second seed added %d, want 0", again)
	}

	sc, err := c.Get(ctx, "sample-paediatric-emergency")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(sc.Rubric.Criteria) != 4 {
		t.Errorf("criteria = %d, want 4", len(sc.Rubric.Criteria))
	}
}

func TestFirstSentence(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"You are Anna. You have a cough.", "You are Anna."},
		{"  Fever of 38.5 since Monday! Worried.", "Fever of 38.5 since Monday!"},
		{"No terminator here", "No terminator here"},
		{"Line one\nline two.", "Line one"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := FirstSentence(tc.in); got != tc.want {
			t.Errorf("FirstSentence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
