package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func statusUpdates(status string) map[string]any {
	updates := map[string]any{"status": status}
	if status == JobRunning {
		updates["start_time"] = time.Now().UTC()
	}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}
	return updates
}

func UpdatePipelineStatus(ctx context.Context, txn *gorm.DB, pipelineId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Pipeline{Id: pipelineId}).Updates(updates).Error; err != nil {
		slog.Error("error updating pipeline status", "pipeline_id", pipelineId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateTrainTaskStatus(ctx context.Context, txn *gorm.DB, pipelineId uuid.UUID, runId, status string) error {
	if err := txn.WithContext(ctx).Model(&TrainTask{PipelineId: pipelineId, RunId: runId}).Updates(statusUpdates(status)).Error; err != nil {
		slog.Error("error updating train task status", "pipeline_id", pipelineId, "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateEvalTaskStatus(ctx context.Context, txn *gorm.DB, pipelineId uuid.UUID, runId, status string) error {
	if err := txn.WithContext(ctx).Model(&EvalTask{PipelineId: pipelineId, RunId: runId}).Updates(statusUpdates(status)).Error; err != nil {
		slog.Error("error updating eval task status", "pipeline_id", pipelineId, "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateEnsembleTaskStatus(ctx context.Context, txn *gorm.DB, pipelineId uuid.UUID, status string) error {
	if err := txn.WithContext(ctx).Model(&EnsembleTask{PipelineId: pipelineId}).Updates(statusUpdates(status)).Error; err != nil {
		slog.Error("error updating ensemble task status", "pipeline_id", pipelineId, "status", status, "error", err)
		return err
	}
	return nil
}

func SavePipelineError(ctx context.Context, txn *gorm.DB, pipelineId uuid.UUID, errorMessage string) {
	pipelineError := PipelineError{
		PipelineId: pipelineId,
		ErrorId:    uuid.New(),
		Error:      errorMessage,
		Timestamp:  time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&pipelineError).Error; err != nil {
		slog.Error("error saving pipeline error", "pipeline_id", pipelineId, "error", err)
	}
}

// CountIncompleteEvalTasks returns how many eval tasks of the pipeline have
// not yet reached COMPLETED.
func CountIncompleteEvalTasks(ctx context.Context, txn *gorm.DB, pipelineId uuid.UUID) (int64, error) {
	var count int64
	if err := txn.WithContext(ctx).
		Model(&EvalTask{}).
		Where("pipeline_id = ? AND status <> ?", pipelineId, JobCompleted).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("could not count incomplete eval tasks: %w", err)
	}
	return count, nil
}

// ClaimEnsembleTask flips the Published flag of the pipeline's ensemble task.
// It returns true for exactly one caller, so the ensemble step is enqueued
// once even if the final eval tasks complete concurrently.
func ClaimEnsembleTask(ctx context.Context, txn *gorm.DB, pipelineId uuid.UUID) (bool, error) {
	res := txn.WithContext(ctx).
		Model(&EnsembleTask{}).
		Where("pipeline_id = ? AND published = ?", pipelineId, false).
		Update("published", true)
	if res.Error != nil {
		return false, fmt.Errorf("could not claim ensemble task: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
