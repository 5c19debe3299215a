// Package registry keeps a record of compound lookups in Neo4j. Each lookup is
// an EventLookup node keyed by year and race; later lookups of the same event
// overwrite it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/compound-finder/engine/domain"
	"github.com/WessleyAI/compound-finder/pkg/repo"
)

const label = "EventLookup"

// Registry saves and reads back lookups.
type Registry struct {
	store repo.Store[domain.Lookup, string]
}

// New creates a Registry on driver.
func New(driver neo4j.DriverWithContext) *Registry {
	return NewWithStore(repo.NewNeo4jRepo[domain.Lookup, string](
		driver,
		label,
		lookupToMap,
		lookupFromRecord,
		repo.WithIDKey[domain.Lookup, string]("key"),
	))
}

// NewWithStore creates a Registry over any store.
func NewWithStore(s repo.Store[domain.Lookup, string]) *Registry {
	return &Registry{store: s}
}

// Key identifies an event: "2022/british". Race names are compared case
// insensitively.
func Key(year int, race string) string {
	return fmt.Sprintf("%d/%s", year, strings.ToLower(strings.TrimSpace(race)))
}

// SaveLookup records l, replacing any earlier lookup of the same event.
func (r *Registry) SaveLookup(ctx context.Context, l domain.Lookup) error {
	if strings.TrimSpace(l.Race) == "" {
		return domain.NewValidationError("race", l.Race, domain.ErrEmptyRace)
	}
	if _, err := r.store.Upsert(ctx, l); err != nil {
		return fmt.Errorf("registry: save %s: %w", Key(l.Year, l.Race), err)
	}
	return nil
}

// FindLookup returns the last recorded lookup of an event. ok is false when
// the event was never looked up.
func (r *Registry) FindLookup(ctx context.Context, year int, race string) (l domain.Lookup, ok bool, err error) {
	l, err = r.store.Get(ctx, Key(year, race))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Lookup{}, false, nil
	}
	if err != nil {
		return domain.Lookup{}, false, fmt.Errorf("registry: find %s: %w", Key(year, race), err)
	}
	return l, true, nil
}

func lookupToMap(l domain.Lookup) map[string]any {
	return map[string]any{
		"key":          Key(l.Year, l.Race),
		"year":         int64(l.Year),
		"race":         l.Race,
		"status":       string(l.Status),
		"compounds":    l.Compounds.Sorted(),
		"source_url":   l.SourceURL,
		"candidates":   int64(l.Candidates),
		"tried":        int64(l.Tried),
		"failed":       int64(l.Failed),
		"looked_up_at": l.LookedUpAt.UTC(),
	}
}

func lookupFromRecord(rec *neo4j.Record) (domain.Lookup, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return domain.Lookup{}, err
	}
	p := node.Props
	l := domain.Lookup{
		Year:       int(intProp(p, "year")),
		Race:       strProp(p, "race"),
		Status:     domain.LookupStatus(strProp(p, "status")),
		SourceURL:  strProp(p, "source_url"),
		Candidates: int(intProp(p, "candidates")),
		Tried:      int(intProp(p, "tried")),
		Failed:     int(intProp(p, "failed")),
	}
	if t, ok := p["looked_up_at"].(time.Time); ok {
		l.LookedUpAt = t
	}
	if raw, ok := p["compounds"].([]any); ok && len(raw) > 0 {
		l.Compounds = domain.NewCompoundSet()
		for _, c := range raw {
			if s, ok := c.(string); ok {
				l.Compounds.Add(s)
			}
		}
	}
	return l, nil
}

func strProp(props map[string]any, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

func intProp(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
