package scenario

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/kalambet/ecosim/internal/storage"
)

//go:embed samples/*.yaml
var samplesFS embed.FS

// seedTime is the publication date of the built-in samples.
var seedTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Samples returns the built-in sample scenarios in file order.
func Samples() ([]Scenario, error) {
	entries, err := samplesFS.ReadDir("samples")
	if err != nil {
		return nil, fmt.Errorf("reading samples: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []Scenario
	for _, e := range entries {
		data, err := samplesFS.ReadFile(path.Join("samples", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading sample %s: %w", e.Name(), err)
		}
		defs, err := ParseDefinitions(data)
		if err != nil {
			return nil, fmt.Errorf("sample %s: %w", e.Name(), err)
		}
		for _, d := range defs {
			sc := d.Scenario()
			sc.CreatedAt = seedTime
			out = append(out, sc)
		}
	}
	return out, nil
}

// SeedSamples publishes the sample scenarios when the catalog is empty and
// returns how many were added.
func (c *Catalog) SeedSamples(ctx context.Context) (int, error) {
	n, err := c.store.CountScenarios(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting scenarios: %w", err)
	}
	if n > 0 {
		return 0, nil
	}

	samples, err := Samples()
	if err != nil {
		return 0, err
	}
	added := 0
	for _, sc := range samples {
		err := c.Publish(ctx, sc)
		if errors.Is(err, storage.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return added, err
		}
		added++
	}
	c.logger.Info("seeded sample scenarios", "count", added)
	return added, nil
}
