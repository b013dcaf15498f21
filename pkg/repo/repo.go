// Package repo defines an append-only generic repository for immutable records.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no entity matches.
var ErrNotFound = errors.New("repo: not found")

// Repository stores immutable entities. Put never overwrites an existing
// entity with the same ID.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	Put(ctx context.Context, entity T) error
	// Latest returns the entity matching every property in match with the
	// greatest value of orderBy.
	Latest(ctx context.Context, match map[string]any, orderBy string) (T, error)
}
