//go:build integration
// +build integration

// The build tag 'integration' allows separating integration tests from unit tests.
// Run unit tests with: go test ./...
// Run integration tests with: go test -tags=integration ./...

package messaging

import (
	"context"
	"encoding/json"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

func TestPublishConsumeTrainTask(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	log.Println("Setting up RabbitMQ container...")
	rabbitmqContainer, err := rabbitmq.RunContainer(ctx,
		testcontainers.WithImage("rabbitmq:3.11-management"),
	)
	require.NoError(t, err, "Failed to start RabbitMQ container")
	defer func() {
		if err := rabbitmqContainer.Terminate(context.Background()); err != nil {
			log.Printf("Warning: failed to terminate RabbitMQ container: %v", err)
		}
	}()

	connStr, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")
	log.Printf("RabbitMQ container ready at: %s", connStr)

	publisher, err := NewRabbitMQPublisher(connStr)
	require.NoError(t, err, "Failed to create publisher")
	defer publisher.Close()

	reciever, err := NewRabbitMQReceiver(connStr)
	require.NoError(t, err, "Failed to create receiver")
	defer reciever.Close()

	payload := TrainTaskPayload{PipelineId: uuid.New(), RunId: "03"}
	require.NoError(t, publisher.PublishTrainTask(ctx, payload))

	select {
	case task := <-reciever.Tasks():
		assert.Equal(t, TrainQueue, task.Type())

		var received TrainTaskPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &received))
		assert.Equal(t, payload, received)

		require.NoError(t, task.Ack())
	case <-ctx.Done():
		t.Fatal("Test timed out waiting for message")
	}
}

func TestPublishConsumeEnsembleTask(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rabbitmqContainer, err := rabbitmq.RunContainer(ctx,
		testcontainers.WithImage("rabbitmq:3.11-management"),
	)
	require.NoError(t, err, "Failed to start RabbitMQ container")
	defer func() {
		if err := rabbitmqContainer.Terminate(context.Background()); err != nil {
			log.Printf("Warning: failed to terminate RabbitMQ container: %v", err)
		}
	}()

	connStr, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")

	publisher, err := NewRabbitMQPublisher(connStr)
	require.NoError(t, err, "Failed to create publisher")
	defer publisher.Close()

	reciever, err := NewRabbitMQReceiver(connStr)
	require.NoError(t, err, "Failed to create receiver")
	defer reciever.Close()

	payload := EnsembleTaskPayload{PipelineId: uuid.New()}
	require.NoError(t, publisher.PublishEnsembleTask(ctx, payload))

	select {
	case task := <-reciever.Tasks():
		assert.Equal(t, EnsembleQueue, task.Type())

		var received EnsembleTaskPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &received))
		assert.Equal(t, payload, received)

		require.NoError(t, task.Ack())
	case <-ctx.Done():
		t.Fatal("Test timed out waiting for message")
	}
}
