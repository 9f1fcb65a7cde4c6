package workflow

import (
	"context"
	"fmt"
	"sync"

	"flow.evalgo.org/common"
	"flow.evalgo.org/queue"
	"github.com/sirupsen/logrus"
)

// ServiceConfig wires a workflow definition to its messaging backend. At most
// one of Queue and Broker may be set; a definition with queue bindings needs
// exactly one of them.
type ServiceConfig struct {
	// Queue is the Redis-backed job runtime with retry and DLQ semantics.
	Queue *queue.Client

	// Broker is the alternate AMQP backend. Mutually exclusive with Queue.
	Broker *queue.Broker

	// Logger for service messages
	Logger *logrus.Entry
}

// Service binds one workflow definition to one messaging backend. It owns the
// transition engine and, for every queue binding of the definition, a consumer
// that maps incoming jobs onto Emit calls. The service holds the backend; the
// backend never holds a reference back, it only invokes the handler closure
// passed at consume time.
type Service[T any] struct {
	def    *Definition[T]
	engine *Engine[T]
	client *queue.Client
	broker *queue.Broker
	logger *logrus.Entry

	mu      sync.Mutex
	started bool
	workers []*queue.Worker
}

// NewService validates the definition and its backend configuration and builds
// the service. Registration-time violations, including enabling both messaging
// backends at once, are reported as ErrRegistrationInvalid.
func NewService[T any](def *Definition[T], config ServiceConfig) (*Service[T], error) {
	if def == nil {
		return nil, fmt.Errorf("%w: definition is required", ErrRegistrationInvalid)
	}
	if config.Queue != nil && config.Broker != nil {
		return nil, fmt.Errorf("%w: workflow %q enables both the queue and the broker backend", ErrRegistrationInvalid, def.Name)
	}
	if len(def.Bindings) > 0 && config.Queue == nil && config.Broker == nil {
		return nil, fmt.Errorf("%w: workflow %q declares queue bindings but no messaging backend", ErrRegistrationInvalid, def.Name)
	}

	if config.Logger == nil {
		config.Logger = logrus.NewEntry(common.Logger)
	}
	logger := config.Logger.WithFields(logrus.Fields{
		"component": "workflow",
		"workflow":  def.Name,
	})

	engine, err := NewEngine(def, EngineConfig{Logger: config.Logger})
	if err != nil {
		return nil, err
	}

	common.ServiceLogger(def.Name).WithFields(map[string]interface{}{
		"bindings": len(def.Bindings),
		"states":   len(def.States),
	}).Info("Workflow registered")

	return &Service[T]{
		def:    def,
		engine: engine,
		client: config.Queue,
		broker: config.Broker,
		logger: logger,
	}, nil
}

// Start spawns one consumer per queue binding. Each consumer decodes the job's
// {urn, payload} data and emits the bound event; errors from Emit are returned
// unchanged so the queue runtime schedules retries and, once attempts are
// exhausted, the dead-letter copy. A successful transition to the failed state
// is a business outcome and completes the job.
//
// Start is idempotent; a second call is a no-op. Definitions without bindings
// start successfully and serve direct Emit calls only.
func (s *Service[T]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	for _, binding := range s.def.Bindings {
		handler := s.jobHandler(binding)

		switch {
		case s.client != nil:
			w, err := s.client.Consume(binding.Queue, handler)
			if err != nil {
				return fmt.Errorf("failed to bind queue %s: %w", binding.Queue, err)
			}
			s.workers = append(s.workers, w)
		case s.broker != nil:
			if err := s.broker.Consume(ctx, binding.Queue, handler); err != nil {
				return fmt.Errorf("failed to bind queue %s: %w", binding.Queue, err)
			}
		}

		s.logger.WithFields(logrus.Fields{
			"queue": binding.Queue,
			"event": binding.Event,
		}).Info("Queue binding active")
	}

	s.started = true
	return nil
}

// jobHandler maps jobs from one bound queue onto the binding's event.
func (s *Service[T]) jobHandler(binding Binding) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var data queue.JobData
		if err := job.UnmarshalData(&data); err != nil {
			return fmt.Errorf("failed to decode job %s data: %w", job.ID, err)
		}

		_, err := s.engine.Emit(ctx, binding.Event, data.URN, data.Payload)
		return err
	}
}

// Emit is the synchronous entry point, delegating to the transition engine.
func (s *Service[T]) Emit(ctx context.Context, event Event, urn string, payload any) (T, error) {
	return s.engine.Emit(ctx, event, urn, payload)
}

// Produce submits a job to one of the definition's bound queues, carrying the
// urn and payload the consumer will emit with. It requires the queue backend.
func (s *Service[T]) Produce(ctx context.Context, queueName, jobName, urn string, payload any) (*queue.Job, error) {
	if s.client == nil {
		return nil, fmt.Errorf("%w: workflow %q has no queue backend", ErrRegistrationInvalid, s.def.Name)
	}
	return s.client.Produce(ctx, queueName, jobName, queue.JobData{URN: urn, Payload: payload}, nil)
}

// Stats returns a snapshot of the engine counters.
func (s *Service[T]) Stats() StatsSnapshot {
	return s.engine.Stats()
}

// Workers returns the consumers spawned by Start, one per queue binding.
func (s *Service[T]) Workers() []*queue.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*queue.Worker(nil), s.workers...)
}
