package workflow

import "context"

// EntityPort abstracts persistence for one entity type. The engine never
// touches entity fields directly; every state write goes through Update and
// the engine continues with the value Update returns.
type EntityPort[T any] interface {
	// New returns a zero-value entity. Used by callers that construct
	// entities before the first emit; the engine itself only loads.
	New() T

	// Load resolves a urn to an entity. ok=false means the entity does not
	// exist, which the engine surfaces as ErrNotFound.
	Load(ctx context.Context, urn string) (entity T, ok bool, err error)

	// Status reads the entity's current state. Pure.
	Status(entity T) State

	// Update persists the new state and returns the updated entity.
	Update(ctx context.Context, entity T, state State) (T, error)

	// URN returns the entity's identifier. Used for logging and correlation.
	URN(entity T) string
}
