package workflow

import "errors"

var (
	// ErrNotFound is returned when the entity port cannot resolve a urn.
	ErrNotFound = errors.New("entity not found")

	// ErrNoTransition is returned when no transition matches the emitted
	// event for the entity's current state.
	ErrNoTransition = errors.New("no matching transition")

	// ErrRegistrationInvalid is returned when a definition or service
	// configuration violates a registration-time rule.
	ErrRegistrationInvalid = errors.New("invalid workflow registration")
)
