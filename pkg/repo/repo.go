// Package repo defines a small generic keyed store and its Neo4j implementation.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no node has the requested key.
var ErrNotFound = errors.New("repo: not found")

// Store persists entities under a key. Upsert creates or replaces.
type Store[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	Upsert(ctx context.Context, entity T) (T, error)
}
