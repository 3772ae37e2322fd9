package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

type Pipeline struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"not null"`

	Dataset             string `gorm:"size:50;not null"`
	PositionalAttention bool   `gorm:"default:true"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime

	Stopped bool `gorm:"default:false"`
	Deleted bool `gorm:"default:false"`

	// Object-store key of the ensembled result, set on completion.
	ResultKey sql.NullString

	TrainTasks   []TrainTask   `gorm:"foreignKey:PipelineId;constraint:OnDelete:CASCADE"`
	EvalTasks    []EvalTask    `gorm:"foreignKey:PipelineId;constraint:OnDelete:CASCADE"`
	EnsembleTask *EnsembleTask `gorm:"foreignKey:PipelineId;constraint:OnDelete:CASCADE"`

	Errors []PipelineError `gorm:"foreignKey:PipelineId;constraint:OnDelete:CASCADE"`
}

type TrainTask struct {
	PipelineId uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunId      string    `gorm:"size:2;primaryKey"`
	Pipeline   *Pipeline `gorm:"foreignKey:PipelineId;constraint:OnDelete:CASCADE"`

	Seed int64 `gorm:"not null"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	// Object-store prefix of the persisted checkpoint directory.
	ModelKey sql.NullString
}

type EvalTask struct {
	PipelineId uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunId      string    `gorm:"size:2;primaryKey"`
	Pipeline   *Pipeline `gorm:"foreignKey:PipelineId;constraint:OnDelete:CASCADE"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	// Object-store key of the predictions pickle produced by this run.
	PredictionsKey sql.NullString
}

type EnsembleTask struct {
	PipelineId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Pipeline   *Pipeline `gorm:"foreignKey:PipelineId;constraint:OnDelete:CASCADE"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	// Guards exactly-once publication once the last eval task completes.
	Published bool `gorm:"default:false"`

	// Ordered predictions keys handed to the ensembling tool.
	PredictionKeys datatypes.JSON `gorm:"type:jsonb"`

	ResultKey sql.NullString
}

type PipelineError struct {
	PipelineId uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Error      string
	Timestamp  time.Time
}
