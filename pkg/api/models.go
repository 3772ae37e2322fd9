package api

import (
	"time"

	"github.com/google/uuid"
)

type RunSubmission struct {
	RunId string
	Seed  int64
}

type CreatePipelineRequest struct {
	Name    string
	Dataset string

	// Defaults to true when omitted; the trainer is always invoked with
	// --diagonal_positional_attention unless explicitly disabled.
	PositionalAttention *bool

	Runs []RunSubmission
}

type CreatePipelineResponse struct {
	PipelineId uuid.UUID
}

type RunState struct {
	RunId string
	Seed  int64

	TrainStatus string
	EvalStatus  string

	ModelKey       string `json:"ModelKey,omitempty"`
	PredictionsKey string `json:"PredictionsKey,omitempty"`
}

type PipelineError struct {
	Error     string
	Timestamp time.Time
}

type Pipeline struct {
	Id      uuid.UUID
	Name    string
	Dataset string

	PositionalAttention bool

	Status         string
	CreationTime   time.Time
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`

	Stopped bool

	Runs           []RunState      `json:"Runs,omitempty"`
	EnsembleStatus string          `json:"EnsembleStatus,omitempty"`
	ResultKey      string          `json:"ResultKey,omitempty"`
	Errors         []PipelineError `json:"Errors,omitempty"`
}

type ListPipelinesQuery struct {
	Status string `schema:"status"`
}
