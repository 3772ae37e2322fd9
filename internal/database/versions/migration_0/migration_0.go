package migration_0

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Snapshot of the schema at migration 0. These types are frozen copies; the
// live schema lives in the database package.

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

	PredictionsKey sql.NullString
}

type EnsembleTask struct {
	PipelineId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Pipeline   *Pipeline `gorm:"foreignKey:PipelineId;constraint:OnDelete:CASCADE"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	Published bool `gorm:"default:false"`

	PredictionKeys datatypes.JSON `gorm:"type:jsonb"`

	ResultKey sql.NullString
}

type PipelineError struct {
	PipelineId uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Error      string
	Timestamp  time.Time
}

func Migration(txn *gorm.DB) error {
	return txn.AutoMigrate(
		&Pipeline{}, &TrainTask{}, &EvalTask{}, &EnsembleTask{}, &PipelineError{},
	)
}
