package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	TrainQueue      = "train_queue"
	EvalQueue       = "eval_queue"
	EnsembleQueue   = "ensemble_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type TrainTaskPayload struct {
	PipelineId uuid.UUID
	RunId      string
}

type EvalTaskPayload struct {
	PipelineId uuid.UUID
	RunId      string
}

type EnsembleTaskPayload struct {
	PipelineId uuid.UUID
}

type Publisher interface {
	PublishTrainTask(ctx context.Context, payload TrainTaskPayload) error

	PublishEvalTask(ctx context.Context, payload EvalTaskPayload) error

	PublishEnsembleTask(ctx context.Context, payload EnsembleTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
