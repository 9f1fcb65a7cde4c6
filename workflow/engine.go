package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"flow.evalgo.org/common"
	"github.com/sirupsen/logrus"
)

// errNilAction marks an action that returned an absent entity.
var errNilAction = errors.New("action returned a nil entity")

// EngineConfig holds configuration for the transition engine.
type EngineConfig struct {
	// Logger for engine messages
	Logger *logrus.Entry
}

// Engine is the cascading transition runner for one workflow definition.
// It is the sole writer of entity state: every state change goes through
// the entity port's Update. One Emit call is one synchronous cascade; the
// engine holds no locks across port or action calls, so concurrent emits
// on distinct urns are safe and same-urn races are the port's concern.
type Engine[T any] struct {
	def      *Definition[T]
	registry *Registry[T]
	stats    *Stats
	logger   *logrus.Entry
}

// NewEngine validates the definition and builds an engine for it.
func NewEngine[T any](def *Definition[T], config EngineConfig) (*Engine[T], error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(common.Logger)
	}

	return &Engine[T]{
		def:      def,
		registry: NewRegistry(def),
		stats:    NewStats(),
		logger: config.Logger.WithFields(logrus.Fields{
			"component": "engine",
			"workflow":  def.Name,
		}),
	}, nil
}

// Stats returns a snapshot of the engine counters.
func (e *Engine[T]) Stats() StatsSnapshot {
	return e.stats.Snapshot()
}

// Emit drives the entity identified by urn through the state machine in
// response to event. It loads the entity, selects the first guarded
// transition for (event, current state), runs event-bound handlers and the
// transition's inline actions, persists the new state, runs status-change
// handlers, then cascades autonomously until the entity reaches an idle,
// final or failed state. The payload travels unchanged through the whole
// cascade.
//
// Action failures are a business outcome, not an error: the entity is
// persisted to the definition's failed state and Emit returns it with a
// nil error. Emit returns an error only for systemic conditions: unknown
// urn (ErrNotFound), no structural transition match (ErrNoTransition) and
// persistence failures.
func (e *Engine[T]) Emit(ctx context.Context, event Event, urn string, payload any) (T, error) {
	var zero T

	e.stats.recordEmit()

	entity, ok, err := e.def.Port.Load(ctx, urn)
	if err != nil {
		return zero, fmt.Errorf("failed to load entity %s: %w", urn, err)
	}
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, urn)
	}

	if state := e.def.Port.Status(entity); e.def.isFinal(state) {
		// Retry tolerance: re-delivered events on settled entities are
		// accepted.
		e.transitionLog(urn, state, "", event).Warn("Event emitted on entity in a final state")
	}

	currentEvent := event

	for {
		state := e.def.Port.Status(entity)
		e.stats.recordEvent(currentEvent)

		matches := e.matchingTransitions(currentEvent, state)
		if len(matches) == 0 {
			if e.def.isFinal(state) {
				e.stats.recordNoMatch()
				e.transitionLog(urn, state, "", currentEvent).Warn("No transition from final state, entity unchanged")
				return entity, nil
			}
			return zero, fmt.Errorf("%w for event %q from state %q", ErrNoTransition, currentEvent, state)
		}

		selected := selectTransition(ctx, matches, entity, payload)
		if selected == nil {
			if e.def.Fallback != nil {
				e.stats.recordFallback()
				e.transitionLog(urn, state, "", currentEvent).Debug("All conditions rejected, invoking fallback")
				return e.def.Fallback(ctx, entity, currentEvent, payload)
			}
			e.stats.recordNoMatch()
			e.transitionLog(urn, state, "", currentEvent).Warn("All conditions rejected, entity unchanged")
			return entity, nil
		}

		from := state
		failed := false
		var actionErr error

		// Event-bound handlers run before the transition is committed. A
		// failing handler aborts the remaining handlers and skips the
		// inline actions.
		for _, handle := range e.registry.EventHandlers(currentEvent) {
			next, herr := handle(ctx, entity, payload)
			if herr != nil || isNilEntity(next) {
				failed = true
				actionErr = herr
				break
			}
			entity = next
		}

		if !failed {
			for _, act := range selected.Actions {
				next, aerr := act(ctx, entity, payload)
				if aerr != nil || isNilEntity(next) {
					failed = true
					actionErr = aerr
					break
				}
				entity = next
			}
		}

		if failed {
			if actionErr == nil {
				actionErr = errNilAction
			}
			e.stats.recordFailed()
			e.transitionLog(urn, from, e.def.Failed, currentEvent).
				WithError(actionErr).Warn("Action failed, entity moved to failed state")

			updated, uerr := e.def.Port.Update(ctx, entity, e.def.Failed)
			if uerr != nil {
				return zero, fmt.Errorf("failed to update entity %s to state %s: %w", urn, e.def.Failed, uerr)
			}
			return updated, nil
		}

		updated, uerr := e.def.Port.Update(ctx, entity, selected.To)
		if uerr != nil {
			return zero, fmt.Errorf("failed to update entity %s to state %s: %w", urn, selected.To, uerr)
		}
		entity = updated
		e.stats.recordTransition()
		e.transitionLog(urn, from, selected.To, currentEvent).Debug("Transition committed")

		// Status-change handlers run after the new state is persisted.
		for _, sh := range e.registry.StatusHandlers(from, selected.To) {
			next, herr := sh.Handle(ctx, entity, payload)
			if herr == nil && !isNilEntity(next) {
				entity = next
				continue
			}
			if herr == nil {
				herr = errNilAction
			}
			if sh.FailOnError {
				e.stats.recordFailed()
				e.transitionLog(urn, from, selected.To, currentEvent).
					WithError(herr).Warn("Status-change handler failed, entity moved to failed state")

				failedEntity, perr := e.def.Port.Update(ctx, entity, e.def.Failed)
				if perr != nil {
					return zero, fmt.Errorf("failed to update entity %s to state %s: %w", urn, e.def.Failed, perr)
				}
				return failedEntity, nil
			}
			e.transitionLog(urn, from, selected.To, currentEvent).
				WithError(herr).Warn("Status-change handler failed, continuing")
		}

		if selected.To == e.def.Failed {
			e.stats.recordFailed()
			return entity, nil
		}
		if e.def.isIdle(selected.To) || e.def.isFinal(selected.To) {
			e.stats.recordCompleted()
			return entity, nil
		}

		nextEvent, more := e.nextEvent(ctx, e.def.Port.Status(entity), entity, payload)
		if !more {
			e.stats.recordCompleted()
			return entity, nil
		}
		currentEvent = nextEvent
	}
}

// matchingTransitions returns the declared transitions whose event and from
// set match, in declaration order.
func (e *Engine[T]) matchingTransitions(event Event, state State) []*Transition[T] {
	var matches []*Transition[T]
	for i := range e.def.Transitions {
		t := &e.def.Transitions[i]
		if t.Event == event && t.hasFrom(state) {
			matches = append(matches, t)
		}
	}
	return matches
}

// nextEvent resolves the event the cascade continues with from the state
// just reached. Transitions into the failed state are never auto-followed.
// A single outgoing transition is taken unconditionally, its guards are
// evaluated on the next loop pass; with several, the first whose conditions
// hold wins; with none the cascade is done.
func (e *Engine[T]) nextEvent(ctx context.Context, state State, entity T, payload any) (Event, bool) {
	var outgoing []*Transition[T]
	for i := range e.def.Transitions {
		t := &e.def.Transitions[i]
		if t.To != e.def.Failed && t.hasFrom(state) {
			outgoing = append(outgoing, t)
		}
	}

	if len(outgoing) == 0 {
		return "", false
	}
	if len(outgoing) == 1 {
		return outgoing[0].Event, true
	}
	for _, t := range outgoing {
		if conditionsHold(ctx, t, entity, payload) {
			return t.Event, true
		}
	}
	return "", false
}

func (e *Engine[T]) transitionLog(urn string, from, to State, event Event) *logrus.Entry {
	return e.logger.WithFields(logrus.Fields(common.TransitionFields(urn, string(from), string(to), string(event))))
}

// selectTransition picks among the guarded alternatives of the first match:
// the transitions sharing its (from, to) signature, in declaration order,
// first one whose conditions all hold. Returns nil when every alternative
// is rejected.
func selectTransition[T any](ctx context.Context, matches []*Transition[T], entity T, payload any) *Transition[T] {
	anchor := matches[0]
	for _, t := range matches {
		if t.To != anchor.To || !sameStates(t.From, anchor.From) {
			continue
		}
		if conditionsHold(ctx, t, entity, payload) {
			return t
		}
	}
	return nil
}

// conditionsHold evaluates a transition's guards left to right with
// short-circuit semantics.
func conditionsHold[T any](ctx context.Context, t *Transition[T], entity T, payload any) bool {
	for _, cond := range t.Conditions {
		if !cond(ctx, entity, payload) {
			return false
		}
	}
	return true
}

func sameStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// isNilEntity reports whether an action returned an absent entity. Value
// types can never be nil; pointer-like kinds are checked via reflection.
func isNilEntity(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
