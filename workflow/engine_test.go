package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// order is the test entity driven through the workflows below.
type order struct {
	urn    string
	price  int
	status State
}

// orderPort is an in-memory EntityPort that records every Update call.
type orderPort struct {
	mu        sync.Mutex
	orders    map[string]*order
	updates   []State
	loadErr   error
	updateErr error
}

func newOrderPort(orders ...*order) *orderPort {
	p := &orderPort{orders: make(map[string]*order)}
	for _, o := range orders {
		p.orders[o.urn] = o
	}
	return p
}

func (p *orderPort) New() *order { return &order{} }

func (p *orderPort) Load(_ context.Context, urn string) (*order, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, false, p.loadErr
	}
	o, ok := p.orders[urn]
	return o, ok, nil
}

func (p *orderPort) Status(o *order) State { return o.status }

func (p *orderPort) Update(_ context.Context, o *order, state State) (*order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updateErr != nil {
		return nil, p.updateErr
	}
	o.status = state
	p.updates = append(p.updates, state)
	return o, nil
}

func (p *orderPort) URN(o *order) string { return o.urn }

func (p *orderPort) updateCalls() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]State(nil), p.updates...)
}

const (
	statePending    State = "Pending"
	stateProcessing State = "Processing"
	stateCompleted  State = "Completed"
	stateArchived   State = "Archived"
	stateFailed     State = "Failed"

	eventSubmit   Event = "Submit"
	eventComplete Event = "Complete"
	eventArchive  Event = "Archive"
)

// orderDefinition builds the baseline Pending -> Processing -> Completed
// workflow used by most engine tests. Callers mutate the returned definition
// before constructing the engine.
func orderDefinition(port *orderPort) *Definition[*order] {
	return &Definition[*order]{
		Name:   "orders",
		States: []State{statePending, stateProcessing, stateCompleted, stateArchived, stateFailed},
		Finals: []State{stateCompleted},
		Failed: stateFailed,
		Transitions: []Transition[*order]{
			{From: []State{statePending}, To: stateProcessing, Event: eventSubmit},
			{From: []State{stateProcessing}, To: stateCompleted, Event: eventComplete},
		},
		Port: port,
	}
}

func newTestEngine(t *testing.T, def *Definition[*order]) *Engine[*order] {
	t.Helper()
	engine, err := NewEngine(def, EngineConfig{})
	require.NoError(t, err)
	return engine
}

// TestEngine_SingleTransition drives an entity through one guarded transition.
func TestEngine_SingleTransition(t *testing.T) {
	port := newOrderPort(&order{urn: "u1", price: 100, status: statePending})
	def := orderDefinition(port)
	def.Idles = []State{stateProcessing}
	def.Transitions[0].Conditions = []GuardFunc[*order]{
		func(_ context.Context, o *order, _ any) bool { return o.price > 10 },
	}
	engine := newTestEngine(t, def)

	entity, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)

	require.NoError(t, err)
	assert.Equal(t, stateProcessing, entity.status)
	assert.Equal(t, []State{stateProcessing}, port.updateCalls())
}

// TestEngine_GuardBlocksTransition verifies that a rejected guard is a quiet
// no-op: the entity is returned unchanged and Update is never called.
func TestEngine_GuardBlocksTransition(t *testing.T) {
	port := newOrderPort(&order{urn: "u1", price: 5, status: statePending})
	def := orderDefinition(port)
	def.Transitions[0].Conditions = []GuardFunc[*order]{
		func(_ context.Context, o *order, _ any) bool { return o.price > 10 },
	}
	engine := newTestEngine(t, def)

	entity, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)

	require.NoError(t, err)
	assert.Equal(t, statePending, entity.status)
	assert.Empty(t, port.updateCalls())
}

// TestEngine_GuardBlocksFallback verifies the fallback runs when every guarded
// alternative is rejected, and that the engine does not persist its result.
func TestEngine_GuardBlocksFallback(t *testing.T) {
	port := newOrderPort(&order{urn: "u1", price: 5, status: statePending})
	def := orderDefinition(port)
	def.Transitions[0].Conditions = []GuardFunc[*order]{
		func(_ context.Context, o *order, _ any) bool { return o.price > 10 },
	}

	var gotEvent Event
	var gotPayload any
	def.Fallback = func(_ context.Context, o *order, event Event, payload any) (*order, error) {
		gotEvent = event
		gotPayload = payload
		o.price = 0
		return o, nil
	}
	engine := newTestEngine(t, def)

	entity, err := engine.Emit(context.Background(), eventSubmit, "u1", "ctx-payload")

	require.NoError(t, err)
	assert.Equal(t, eventSubmit, gotEvent)
	assert.Equal(t, "ctx-payload", gotPayload)
	assert.Equal(t, 0, entity.price)
	assert.Equal(t, statePending, entity.status)
	assert.Empty(t, port.updateCalls(), "fallback results must not be persisted by the engine")
}

// TestEngine_InlineActionFails verifies an inline action error sends the
// entity to the failed state with exactly one Update call.
func TestEngine_InlineActionFails(t *testing.T) {
	port := newOrderPort(&order{urn: "u1", price: 100, status: statePending})
	def := orderDefinition(port)
	def.Transitions[0].Actions = []ActionFunc[*order]{
		func(_ context.Context, o *order, _ any) (*order, error) {
			return nil, errors.New("payment declined")
		},
	}
	engine := newTestEngine(t, def)

	entity, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)

	require.NoError(t, err, "action failures are a business outcome, not an error")
	assert.Equal(t, stateFailed, entity.status)
	assert.Equal(t, []State{stateFailed}, port.updateCalls())
}

// TestEngine_NilEntityAction verifies an action returning a nil entity is
// treated as a failure.
func TestEngine_NilEntityAction(t *testing.T) {
	port := newOrderPort(&order{urn: "u1", status: statePending})
	def := orderDefinition(port)
	def.Transitions[0].Actions = []ActionFunc[*order]{
		func(_ context.Context, _ *order, _ any) (*order, error) { return nil, nil },
	}
	engine := newTestEngine(t, def)

	entity, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)

	require.NoError(t, err)
	assert.Equal(t, stateFailed, entity.status)
}

// TestEngine_CascadeToIdle verifies the cascade stops at a declared idle state
// even when a further transition exists.
func TestEngine_CascadeToIdle(t *testing.T) {
	port := newOrderPort(&order{urn: "u1", status: statePending})
	def := orderDefinition(port)
	def.Idles = []State{stateProcessing}
	engine := newTestEngine(t, def)

	entity, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)

	require.NoError(t, err)
	assert.Equal(t, stateProcessing, entity.status)
	assert.Equal(t, []State{stateProcessing}, port.updateCalls())
}

// TestEngine_CascadeToFinal verifies transient states are cascaded through
// autonomously until a final state is reached.
func TestEngine_CascadeToFinal(t *testing.T) {
	port := newOrderPort(&order{urn: "u1", status: statePending})
	def := orderDefinition(port)
	engine := newTestEngine(t, def)

	entity, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)

	require.NoError(t, err)
	assert.Equal(t, stateCompleted, entity.status)
	assert.Equal(t, []State{stateProcessing, stateCompleted}, port.updateCalls())
}

// TestEngine_CascadeSelectsGuardedOutgoing verifies next-event resolution with
// several outgoing transitions: the first whose conditions hold wins.
func TestEngine_CascadeSelectsGuardedOutgoing(t *testing.T) {
	port := newOrderPort(&order{urn: "u1", price: 100, status: statePending})
	def := orderDefinition(port)
	def.Transitions = []Transition[*order]{
		{From: []State{statePending}, To: stateProcessing, Event: eventSubmit},
		{
			From: []State{stateProcessing}, To: stateArchived, Event: eventArchive,
			Conditions: []GuardFunc[*order]{
				func(_ context.Context, o *order, _ any) bool { return o.price == 0 },
			},
		},
		{
			From: []State{stateProcessing}, To: stateCompleted, Event: eventComplete,
			Conditions: []GuardFunc[*order]{
				func(_ context.Context, o *order, _ any) bool { return o.price > 0 },
			},
		},
	}
	engine := newTestEngine(t, def)

	entity, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)

	require.NoError(t, err)
	assert.Equal(t, stateCompleted, entity.status)
}

// TestEngine_CascadeStopsWhenNoGuardHolds verifies the cascade ends quietly
// when several outgoing transitions exist but none of their guards hold.
func TestEngine_CascadeStopsWhenNoGuardHolds(t *testing.T) {
	port := newOrderPort(&order{urn: "u1", price: 0, status: statePending})
	def := orderDefinition(port)
	def.Transitions = []Transition[*order]{
		{From: []State{statePending}, To: stateProcessing, Event: eventSubmit},
		{
			From: []State{stateProcessing}, To: stateArchived, Event: eventArchive,
			Conditions: []GuardFunc[*order]{
				func(_ context.Context, o *order, _ any) bool { return o.price < 0 },
			},
		},
		{
			From: []State{stateProcessing}, To: stateCompleted, Event: eventComplete,
			Conditions: []GuardFunc[*order]{
				func(_ context.Context, o *order, _ any) bool { return o.price > 0 },
			},
		},
	}
	engine := newTestEngine(t, def)

	entity, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)

	require.NoError(t, err)
	assert.Equal(t, stateProcessing, entity.status)
}

// TestEngine_EventActionsRunBeforeInline verifies event-bound handlers run
// before inline actions and that an event handler failure skips them.
func TestEngine_EventActionsRunBeforeInline(t *testing.T) {
	t.Run("OrderPreserved", func(t *testing.T) {
		port := newOrderPort(&order{urn: "u1", status: statePending})
		def := orderDefinition(port)
		def.Idles = []State{stateProcessing}

		var calls []string
		def.Actions = []EventAction[*order]{
			{Event: eventSubmit, Handle: func(_ context.Context, o *order, _ any) (*order, error) {
				calls = append(calls, "event-1")
				return o, nil
			}},
			{Event: eventSubmit, Handle: func(_ context.Context, o *order, _ any) (*order, error) {
				calls = append(calls, "event-2")
				return o, nil
			}},
		}
		def.Transitions[0].Actions = []ActionFunc[*order]{
			func(_ context.Context, o *order, _ any) (*order, error) {
				calls = append(calls, "inline")
				return o, nil
			},
		}
		engine := newTestEngine(t, def)

		_, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)

		require.NoError(t, err)
		assert.Equal(t, []string{"event-1", "event-2", "inline"}, calls)
	})

	t.Run("EventFailureSkipsInline", func(t *testing.T) {
		port := newOrderPort(&order{urn: "u1", status: statePending})
		def := orderDefinition(port)

		inlineRan := false
		def.Actions = []EventAction[*order]{
			{Event: eventSubmit, Handle: func(_ context.Context, _ *order, _ any) (*order, error) {
				return nil, errors.New("validation failed")
			}},
		}
		def.Transitions[0].Actions = []ActionFunc[*order]{
			func(_ context.Context, o *order, _ any) (*order, error) {
				inlineRan = true
				return o, nil
			},
		}
		engine := newTestEngine(t, def)

		entity, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)

		require.NoError(t, err)
		assert.False(t, inlineRan)
		assert.Equal(t, stateFailed, entity.status)
		assert.Equal(t, []State{stateFailed}, port.updateCalls())
	})
}

// TestEngine_StatusChangeHandlers covers post-persist handlers: ordering, the
// failOnError escalation and the swallow path.
func TestEngine_StatusChangeHandlers(t *testing.T) {
	t.Run("RunAfterPersist", func(t *testing.T) {
		port := newOrderPort(&order{urn: "u1", status: statePending})
		def := orderDefinition(port)
		def.Idles = []State{stateProcessing}

		var seenStatus State
		def.StatusActions = []StatusChangeAction[*order]{
			{From: statePending, To: stateProcessing, Handle: func(_ context.Context, o *order, _ any) (*order, error) {
				seenStatus = o.status
				return o, nil
			}},
		}
		engine := newTestEngine(t, def)

		_, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)

		require.NoError(t, err)
		assert.Equal(t, stateProcessing, seenStatus, "handler must observe the persisted state")
	})

	t.Run("FailOnErrorEscalates", func(t *testing.T) {
		port := newOrderPort(&order{urn: "u1", status: statePending})
		def := orderDefinition(port)
		def.Idles = []State{stateProcessing}
		def.StatusActions = []StatusChangeAction[*order]{
			{From: statePending, To: stateProcessing, FailOnError: true,
				Handle: func(_ context.Context, _ *order, _ any) (*order, error) {
					return nil, errors.New("notification failed")
				}},
		}
		engine := newTestEngine(t, def)

		entity, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)

		require.NoError(t, err)
		assert.Equal(t, stateFailed, entity.status)
		assert.Equal(t, []State{stateProcessing, stateFailed}, port.updateCalls())
	})

	t.Run("ErrorSwallowedByDefault", func(t *testing.T) {
		port := newOrderPort(&order{urn: "u1", status: statePending})
		def := orderDefinition(port)
		def.Idles = []State{stateProcessing}
		def.StatusActions = []StatusChangeAction[*order]{
			{From: statePending, To: stateProcessing,
				Handle: func(_ context.Context, _ *order, _ any) (*order, error) {
					return nil, errors.New("notification failed")
				}},
		}
		engine := newTestEngine(t, def)

		entity, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)

		require.NoError(t, err)
		assert.Equal(t, stateProcessing, entity.status)
		assert.Equal(t, []State{stateProcessing}, port.updateCalls())
	})
}

// TestEngine_RetryTolerance verifies re-emitting on a settled entity neither
// errors nor re-runs actions.
func TestEngine_RetryTolerance(t *testing.T) {
	port := newOrderPort(&order{urn: "u1", status: statePending})
	def := orderDefinition(port)

	actionRuns := 0
	def.Transitions[0].Actions = []ActionFunc[*order]{
		func(_ context.Context, o *order, _ any) (*order, error) {
			actionRuns++
			return o, nil
		},
	}
	engine := newTestEngine(t, def)

	entity, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)
	require.NoError(t, err)
	require.Equal(t, stateCompleted, entity.status)
	require.Equal(t, 1, actionRuns)

	// Redelivery of the same event on the now-final entity.
	entity, err = engine.Emit(context.Background(), eventSubmit, "u1", nil)

	require.NoError(t, err)
	assert.Equal(t, stateCompleted, entity.status)
	assert.Equal(t, 1, actionRuns, "actions must not re-run on a settled entity")
	assert.Equal(t, []State{stateProcessing, stateCompleted}, port.updateCalls())
}

// TestEngine_Errors covers the systemic error kinds surfaced to the caller.
func TestEngine_Errors(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		port := newOrderPort()
		engine := newTestEngine(t, orderDefinition(port))

		_, err := engine.Emit(context.Background(), eventSubmit, "missing", nil)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, err.Error(), "missing")
	})

	t.Run("LoadFailure", func(t *testing.T) {
		port := newOrderPort()
		port.loadErr = errors.New("store unavailable")
		engine := newTestEngine(t, orderDefinition(port))

		_, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "store unavailable")
	})

	t.Run("NoTransition", func(t *testing.T) {
		port := newOrderPort(&order{urn: "u1", status: statePending})
		engine := newTestEngine(t, orderDefinition(port))

		_, err := engine.Emit(context.Background(), eventComplete, "u1", nil)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoTransition)
	})

	t.Run("PersistFailure", func(t *testing.T) {
		port := newOrderPort(&order{urn: "u1", status: statePending})
		port.updateErr = errors.New("write refused")
		engine := newTestEngine(t, orderDefinition(port))

		_, err := engine.Emit(context.Background(), eventSubmit, "u1", nil)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "write refused")
	})
}

// TestEngine_MultiFromStates verifies the From field is a membership set.
func TestEngine_MultiFromStates(t *testing.T) {
	port := newOrderPort(&order{urn: "u1", status: stateProcessing})
	def := orderDefinition(port)
	def.Transitions = []Transition[*order]{
		{From: []State{statePending, stateProcessing}, To: stateCompleted, Event: eventComplete},
	}
	engine := newTestEngine(t, def)

	entity, err := engine.Emit(context.Background(), eventComplete, "u1", nil)

	require.NoError(t, err)
	assert.Equal(t, stateCompleted, entity.status)
}

// TestEngine_PayloadTravelsThroughCascade verifies the original payload
// reaches guards and actions of every cascaded step unchanged.
func TestEngine_PayloadTravelsThroughCascade(t *testing.T) {
	port := newOrderPort(&order{urn: "u1", status: statePending})
	def := orderDefinition(port)

	payload := map[string]any{"source": "api"}
	var seen []any
	record := func(_ context.Context, o *order, p any) (*order, error) {
		seen = append(seen, p)
		return o, nil
	}
	def.Transitions[0].Actions = []ActionFunc[*order]{record}
	def.Transitions[1].Actions = []ActionFunc[*order]{record}
	engine := newTestEngine(t, def)

	_, err := engine.Emit(context.Background(), eventSubmit, "u1", payload)

	require.NoError(t, err)
	require.Len(t, seen, 2)
	for _, p := range seen {
		assert.Equal(t, payload, p)
	}
}

// TestEngine_Stats verifies the counters reflect the cascade outcomes.
func TestEngine_Stats(t *testing.T) {
	port := newOrderPort(
		&order{urn: "ok", price: 100, status: statePending},
		&order{urn: "blocked", price: 5, status: statePending},
		&order{urn: "broken", price: 100, status: statePending},
	)
	def := orderDefinition(port)
	def.Idles = []State{stateProcessing}
	def.Transitions[0].Conditions = []GuardFunc[*order]{
		func(_ context.Context, o *order, _ any) bool { return o.price > 10 },
	}
	engine := newTestEngine(t, def)

	_, err := engine.Emit(context.Background(), eventSubmit, "ok", nil)
	require.NoError(t, err)
	_, err = engine.Emit(context.Background(), eventSubmit, "blocked", nil)
	require.NoError(t, err)

	failDef := orderDefinition(port)
	failDef.Transitions[0].Actions = []ActionFunc[*order]{
		func(_ context.Context, _ *order, _ any) (*order, error) {
			return nil, fmt.Errorf("boom")
		},
	}
	engineFail := newTestEngine(t, failDef)
	_, err = engineFail.Emit(context.Background(), eventSubmit, "broken", nil)
	require.NoError(t, err)

	snap := engine.Stats()
	assert.Equal(t, int64(2), snap.Emits)
	assert.Equal(t, int64(1), snap.Transitions)
	assert.Equal(t, int64(1), snap.Completed)
	assert.Equal(t, int64(1), snap.NoMatch)
	assert.Equal(t, int64(2), snap.ByEvent[eventSubmit])

	failSnap := engineFail.Stats()
	assert.Equal(t, int64(1), failSnap.Failed)
}

// BenchmarkEngine_Emit measures a two-step cascade on the in-memory port.
func BenchmarkEngine_Emit(b *testing.B) {
	port := newOrderPort(&order{urn: "u1", status: statePending})
	def := orderDefinition(port)
	engine, err := NewEngine(def, EngineConfig{})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		port.orders["u1"].status = statePending
		if _, err := engine.Emit(context.Background(), eventSubmit, "u1", nil); err != nil {
			b.Fatal(err)
		}
	}
}
