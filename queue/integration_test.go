//go:build integration

package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer starts a Redis container for integration testing
func setupRedisContainer(t *testing.T) (Connection, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForLog("Ready to accept connections").
			WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start Redis container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	mapped, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	port, err := strconv.Atoi(mapped.Port())
	require.NoError(t, err)

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return Connection{Host: host, Port: port}, cleanup
}

// setupRabbitMQContainer starts a RabbitMQ container for integration testing
func setupRabbitMQContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-management-alpine",
		ExposedPorts: []string{"5672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": "guest",
			"RABBITMQ_DEFAULT_PASS": "guest",
		},
		WaitingFor: wait.ForLog("Server startup complete").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start RabbitMQ container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)

	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())

	// Wait a bit for RabbitMQ to be fully ready
	time.Sleep(2 * time.Second)

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return url, cleanup
}

func newIntegrationClient(t *testing.T, conn Connection, mutate func(*Config)) *Client {
	t.Helper()

	cfg := Config{
		Connection: conn,
		DefaultJobOptions: JobOptions{
			Attempts: 3,
			Backoff:  &Backoff{Type: BackoffFixed, Delay: 100},
		},
		Concurrency:     2,
		FetchTimeout:    500 * time.Millisecond,
		PromoteInterval: 100 * time.Millisecond,
		ShutdownTimeout: 10 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Shutdown(context.Background()) })

	return client
}

// TestClient_Integration_ProduceConsume runs the full produce/consume loop
// against a real Redis server.
func TestClient_Integration_ProduceConsume(t *testing.T) {
	conn, cleanup := setupRedisContainer(t)
	defer cleanup()

	client := newIntegrationClient(t, conn, nil)

	received := make(chan string, 10)
	_, err := client.Consume("orders", func(_ context.Context, job *Job) error {
		var data JobData
		if err := job.UnmarshalData(&data); err != nil {
			return err
		}
		received <- data.URN
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := client.Produce(context.Background(), "orders", "submit-order",
			JobData{URN: fmt.Sprintf("urn:order:%d", i)}, nil)
		require.NoError(t, err)
	}

	got := make(map[string]bool)
	timeout := time.After(30 * time.Second)
	for len(got) < 5 {
		select {
		case urn := <-received:
			got[urn] = true
		case <-timeout:
			t.Fatalf("received %d of 5 jobs", len(got))
		}
	}
}

// TestClient_Integration_RetryToDLQ exercises the retry and dead-letter path
// against a real Redis server.
func TestClient_Integration_RetryToDLQ(t *testing.T) {
	conn, cleanup := setupRedisContainer(t)
	defer cleanup()

	client := newIntegrationClient(t, conn, func(cfg *Config) {
		cfg.DeadLetterQueue = DLQConfig{Enabled: true}
	})

	_, err := client.Consume("orders", func(context.Context, *Job) error {
		return errors.New("always failing")
	})
	require.NoError(t, err)

	_, err = client.Produce(context.Background(), "orders", "submit-order", JobData{URN: "urn:order:1"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		depth, derr := client.QueueDepth(context.Background(), "orders-dlq")
		return derr == nil && depth == 1
	}, 60*time.Second, 200*time.Millisecond)

	counts, err := client.Counts(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
}

// TestClient_Integration_Health verifies the probe against a real server.
func TestClient_Integration_Health(t *testing.T) {
	conn, cleanup := setupRedisContainer(t)
	defer cleanup()

	client := newIntegrationClient(t, conn, nil)
	assert.True(t, client.IsHealthy(context.Background()))

	client.Shutdown(context.Background())
	assert.False(t, client.IsHealthy(context.Background()))
}

// TestBroker_Integration_PublishConsume runs the broker against a real
// RabbitMQ server.
func TestBroker_Integration_PublishConsume(t *testing.T) {
	url, cleanup := setupRabbitMQContainer(t)
	defer cleanup()

	broker, err := NewBroker(BrokerConfig{URL: url})
	require.NoError(t, err)
	defer broker.Close()

	received := make(chan *Job, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = broker.Consume(ctx, "flow-events", func(_ context.Context, job *Job) error {
		received <- job
		return nil
	})
	require.NoError(t, err)

	sent, err := broker.Publish("flow-events", "submit-order", JobData{URN: "urn:order:1", Payload: "rush"})
	require.NoError(t, err)

	select {
	case job := <-received:
		assert.Equal(t, sent.ID, job.ID)
		var data JobData
		require.NoError(t, job.UnmarshalData(&data))
		assert.Equal(t, "urn:order:1", data.URN)
		assert.Equal(t, "rush", data.Payload)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for the delivery")
	}
}

// TestBroker_Integration_Depth verifies queue inspection on a real server.
func TestBroker_Integration_Depth(t *testing.T) {
	url, cleanup := setupRabbitMQContainer(t)
	defer cleanup()

	broker, err := NewBroker(BrokerConfig{URL: url})
	require.NoError(t, err)
	defer broker.Close()

	for i := 0; i < 3; i++ {
		_, err := broker.Publish("flow-depth", "submit-order", JobData{URN: fmt.Sprintf("u%d", i)})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		depth, derr := broker.Depth("flow-depth")
		return derr == nil && depth == 3
	}, 10*time.Second, 200*time.Millisecond)
}
