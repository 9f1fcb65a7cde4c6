package workflow

import (
	"context"
	"fmt"
)

// State is an opaque state name. A definition assigns roles to states:
// finals halt cascading, idles pause it until the next external event, the
// failed state absorbs action errors, and every other state is transient.
type State string

// Event is the trigger name for a transition.
type Event string

// GuardFunc is a pure predicate evaluated against the entity and the emit
// payload. All guards of a transition must hold for it to fire.
type GuardFunc[T any] func(ctx context.Context, entity T, payload any) bool

// ActionFunc transforms an entity. Returning an error (or a nil entity for
// pointer types) fails the cascade and sends the entity to the failed state.
type ActionFunc[T any] func(ctx context.Context, entity T, payload any) (T, error)

// FallbackFunc runs when an event matched a transition but every guarded
// alternative was rejected. It may transform the entity but the engine never
// persists after it; a fallback that wants persistence must call the entity
// port itself.
type FallbackFunc[T any] func(ctx context.Context, entity T, event Event, payload any) (T, error)

// Transition declares one edge of the state machine. From is a membership
// set, not an ordering. Conditions are evaluated left to right with
// short-circuit semantics. Actions run inline between transition selection
// and persistence of To.
type Transition[T any] struct {
	From       []State
	To         State
	Event      Event
	Conditions []GuardFunc[T]
	Actions    []ActionFunc[T]
}

func (t Transition[T]) hasFrom(s State) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

// EventAction is a handler bound to an event. It runs before the transition
// is committed, in declaration order.
type EventAction[T any] struct {
	Event  Event
	Handle ActionFunc[T]
}

// StatusChangeAction is a handler bound to a (from, to) state pair. It runs
// after the new state is persisted. When FailOnError is set a handler error
// sends the entity to the failed state; otherwise the error is logged and
// swallowed.
type StatusChangeAction[T any] struct {
	From        State
	To          State
	Handle      ActionFunc[T]
	FailOnError bool
}

// Binding maps one queue to one event: a job arriving on Queue triggers
// exactly one Emit with Event. Queue names must be unique per definition.
type Binding struct {
	Queue string
	Event Event
}

// Definition is the immutable configuration of one workflow: state roles,
// transitions, bound handlers, the entity port, an optional fallback and
// optional queue bindings. Construct it once, validate it, never mutate it.
type Definition[T any] struct {
	Name          string
	States        []State
	Finals        []State
	Idles         []State
	Failed        State
	Transitions   []Transition[T]
	Actions       []EventAction[T]
	StatusActions []StatusChangeAction[T]
	Port          EntityPort[T]
	Fallback      FallbackFunc[T]
	Bindings      []Binding
}

// Validate checks the definition's registration-time invariants. All
// violations are reported as ErrRegistrationInvalid.
func (d *Definition[T]) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: workflow name is required", ErrRegistrationInvalid)
	}
	if d.Port == nil {
		return fmt.Errorf("%w: entity port is required", ErrRegistrationInvalid)
	}
	if len(d.States) == 0 {
		return fmt.Errorf("%w: at least one state is required", ErrRegistrationInvalid)
	}
	if d.Failed == "" {
		return fmt.Errorf("%w: failed state is required", ErrRegistrationInvalid)
	}

	declared := make(map[State]struct{}, len(d.States))
	for _, s := range d.States {
		declared[s] = struct{}{}
	}

	if _, ok := declared[d.Failed]; !ok {
		return fmt.Errorf("%w: failed state %q is not declared", ErrRegistrationInvalid, d.Failed)
	}
	for _, s := range d.Finals {
		if _, ok := declared[s]; !ok {
			return fmt.Errorf("%w: final state %q is not declared", ErrRegistrationInvalid, s)
		}
	}
	for _, s := range d.Idles {
		if _, ok := declared[s]; !ok {
			return fmt.Errorf("%w: idle state %q is not declared", ErrRegistrationInvalid, s)
		}
	}

	for i, t := range d.Transitions {
		if t.Event == "" {
			return fmt.Errorf("%w: transition %d has no event", ErrRegistrationInvalid, i)
		}
		if len(t.From) == 0 {
			return fmt.Errorf("%w: transition %d has no from states", ErrRegistrationInvalid, i)
		}
		for _, s := range t.From {
			if _, ok := declared[s]; !ok {
				return fmt.Errorf("%w: transition %d from state %q is not declared", ErrRegistrationInvalid, i, s)
			}
		}
		if _, ok := declared[t.To]; !ok {
			return fmt.Errorf("%w: transition %d to state %q is not declared", ErrRegistrationInvalid, i, t.To)
		}
	}

	for i, a := range d.Actions {
		if a.Event == "" {
			return fmt.Errorf("%w: event action %d has no event", ErrRegistrationInvalid, i)
		}
		if a.Handle == nil {
			return fmt.Errorf("%w: event action %d has no handler", ErrRegistrationInvalid, i)
		}
	}

	for i, a := range d.StatusActions {
		if a.Handle == nil {
			return fmt.Errorf("%w: status action %d has no handler", ErrRegistrationInvalid, i)
		}
		if _, ok := declared[a.From]; !ok {
			return fmt.Errorf("%w: status action %d from state %q is not declared", ErrRegistrationInvalid, i, a.From)
		}
		if _, ok := declared[a.To]; !ok {
			return fmt.Errorf("%w: status action %d to state %q is not declared", ErrRegistrationInvalid, i, a.To)
		}
	}

	seen := make(map[string]struct{}, len(d.Bindings))
	for i, b := range d.Bindings {
		if b.Queue == "" {
			return fmt.Errorf("%w: binding %d has no queue", ErrRegistrationInvalid, i)
		}
		if b.Event == "" {
			return fmt.Errorf("%w: binding %d has no event", ErrRegistrationInvalid, i)
		}
		if _, dup := seen[b.Queue]; dup {
			return fmt.Errorf("%w: queue %q is bound more than once", ErrRegistrationInvalid, b.Queue)
		}
		seen[b.Queue] = struct{}{}
	}

	return nil
}

func (d *Definition[T]) isFinal(s State) bool {
	for _, f := range d.Finals {
		if f == s {
			return true
		}
	}
	return false
}

func (d *Definition[T]) isIdle(s State) bool {
	for _, f := range d.Idles {
		if f == s {
			return true
		}
	}
	return false
}
