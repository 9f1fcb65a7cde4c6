package workflow

// Registry indexes a definition's handlers into the two lookup tables the
// engine consults: event-bound handlers and status-change handlers.
// Declaration order in the definition is execution order. The registry is
// built once and read-only afterward.

type statusKey struct {
	from State
	to   State
}

// StatusHandler pairs a status-change handler with its failOnError flag.
type StatusHandler[T any] struct {
	Handle      ActionFunc[T]
	FailOnError bool
}

// Registry holds the handler lookup tables for one workflow definition.
type Registry[T any] struct {
	events map[Event][]ActionFunc[T]
	status map[statusKey][]StatusHandler[T]
}

// NewRegistry indexes the definition's action handlers.
func NewRegistry[T any](def *Definition[T]) *Registry[T] {
	r := &Registry[T]{
		events: make(map[Event][]ActionFunc[T]),
		status: make(map[statusKey][]StatusHandler[T]),
	}

	for _, a := range def.Actions {
		r.events[a.Event] = append(r.events[a.Event], a.Handle)
	}

	for _, a := range def.StatusActions {
		key := statusKey{from: a.From, to: a.To}
		r.status[key] = append(r.status[key], StatusHandler[T]{
			Handle:      a.Handle,
			FailOnError: a.FailOnError,
		})
	}

	return r
}

// EventHandlers returns the handlers bound to event, in registration order.
func (r *Registry[T]) EventHandlers(event Event) []ActionFunc[T] {
	return r.events[event]
}

// StatusHandlers returns the handlers bound to the (from, to) pair, in
// registration order.
func (r *Registry[T]) StatusHandlers(from, to State) []StatusHandler[T] {
	return r.status[statusKey{from: from, to: to}]
}
