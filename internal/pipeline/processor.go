package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"relex-backend/internal/database"
	"relex-backend/internal/messaging"
	"relex-backend/internal/notify"
	"relex-backend/internal/storage"
	"relex-backend/internal/toolchain"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ModelsBucket      = "models"
	PredictionsBucket = "predictions"
	ResultsBucket     = "results"
)

// TaskProcessor consumes pipeline tasks from the queue and drives the
// external toolchain. Ordering is enforced through task state: an eval task is
// published when its training task completes, the ensemble task when the last
// eval task completes.
type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	publisher messaging.Publisher
	reciever  messaging.Reciever

	tools    *toolchain.Toolchain
	runner   toolchain.Runner
	notifier notify.Notifier
}

func NewTaskProcessor(db *gorm.DB, store storage.ObjectStore, publisher messaging.Publisher, reciever messaging.Reciever, tools *toolchain.Toolchain, runner toolchain.Runner, notifier notify.Notifier) *TaskProcessor {
	return &TaskProcessor{
		db:        db,
		storage:   store,
		publisher: publisher,
		reciever:  reciever,
		tools:     tools,
		runner:    runner,
		notifier:  notifier,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.TrainQueue:
		var payload messaging.TrainTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling train task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processTrainTask(ctx, payload)

	case messaging.EvalQueue:
		var payload messaging.EvalTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling eval task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processEvalTask(ctx, payload)

	case messaging.EnsembleQueue:
		var payload messaging.EnsembleTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling ensemble task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processEnsembleTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

// ModelKey is the object-store prefix of a run's checkpoint directory. The
// saved_models/<id> segment mirrors the layout the training tool writes
// locally.
func ModelKey(pipelineId uuid.UUID, runId string) string {
	return fmt.Sprintf("%s/saved_models/%s", pipelineId, runId)
}

func PredictionsKey(pipelineId uuid.UUID, runId string) string {
	return fmt.Sprintf("%s/%s.pkl", pipelineId, runId)
}

func ResultKey(pipelineId uuid.UUID) string {
	return fmt.Sprintf("%s/ensemble.out", pipelineId)
}

// failPipeline records the error, fails the pipeline, and fires the
// completion webhook. Downstream tasks are never published for a failed
// pipeline, so the remaining steps simply never run.
func (proc *TaskProcessor) failPipeline(ctx context.Context, pipeline *database.Pipeline, taskErr error) {
	database.SavePipelineError(ctx, proc.db, pipeline.Id, taskErr.Error())
	database.UpdatePipelineStatus(ctx, proc.db, pipeline.Id, database.JobFailed) //nolint:errcheck

	proc.notifier.PipelineFinished(ctx, notify.PipelineSummary{
		PipelineId: pipeline.Id,
		Name:       pipeline.Name,
		Dataset:    pipeline.Dataset,
		Status:     database.JobFailed,
		Error:      taskErr.Error(),
		Timestamp:  time.Now().UTC(),
	})
}

func (proc *TaskProcessor) processTrainTask(ctx context.Context, payload messaging.TrainTaskPayload) error {
	slog.Info("processing train task", "pipeline_id", payload.PipelineId, "run_id", payload.RunId)

	var task database.TrainTask
	if err := proc.db.Preload("Pipeline").First(&task, "pipeline_id = ? AND run_id = ?", payload.PipelineId, payload.RunId).Error; err != nil {
		slog.Error("error fetching train task", "pipeline_id", payload.PipelineId, "run_id", payload.RunId, "error", err)
		return fmt.Errorf("error getting train task: %w", err)
	}

	if task.Pipeline.Stopped || task.Pipeline.Deleted {
		slog.Info("pipeline stopped, skipping train task", "pipeline_id", payload.PipelineId, "run_id", payload.RunId)
		return nil
	}

	if err := database.UpdateTrainTaskStatus(ctx, proc.db, payload.PipelineId, payload.RunId, database.JobRunning); err != nil {
		slog.Error("error marking train task as running", "error", err)
	}

	workDir, err := os.MkdirTemp("", fmt.Sprintf("train-%s-%s-*", payload.PipelineId, payload.RunId))
	if err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	if err := proc.runTraining(ctx, &task, workDir); err != nil {
		database.UpdateTrainTaskStatus(ctx, proc.db, payload.PipelineId, payload.RunId, database.JobFailed) //nolint:errcheck
		proc.failPipeline(ctx, task.Pipeline, err)
		return fmt.Errorf("error running train task: %w", err)
	}

	if err := proc.publisher.PublishEvalTask(ctx, messaging.EvalTaskPayload{PipelineId: payload.PipelineId, RunId: payload.RunId}); err != nil {
		proc.failPipeline(ctx, task.Pipeline, err)
		return fmt.Errorf("error publishing eval task: %w", err)
	}

	slog.Info("train task completed successfully", "pipeline_id", payload.PipelineId, "run_id", payload.RunId)

	return nil
}

func (proc *TaskProcessor) runTraining(ctx context.Context, task *database.TrainTask, workDir string) error {
	inv, err := proc.tools.Train(task.Seed, task.RunId, task.Pipeline.PositionalAttention, workDir)
	if err != nil {
		return err
	}

	if _, err := proc.runner.Run(ctx, inv); err != nil {
		return fmt.Errorf("training failed: %w", err)
	}

	// The training tool persists its checkpoint under saved_models/<id>
	// relative to its working directory.
	modelDir := filepath.Join(workDir, "saved_models", task.RunId)
	if info, err := os.Stat(modelDir); err != nil || !info.IsDir() {
		return fmt.Errorf("training did not produce checkpoint directory saved_models/%s", task.RunId)
	}

	modelKey := ModelKey(task.PipelineId, task.RunId)
	if err := proc.storage.UploadDir(ctx, ModelsBucket, modelKey, modelDir); err != nil {
		return fmt.Errorf("failed to upload checkpoint: %w", err)
	}

	if err := proc.db.WithContext(ctx).
		Model(&database.TrainTask{PipelineId: task.PipelineId, RunId: task.RunId}).
		Updates(map[string]any{
			"model_key":       modelKey,
			"status":          database.JobCompleted,
			"completion_time": time.Now().UTC(),
		}).Error; err != nil {
		return fmt.Errorf("error updating train task record: %w", err)
	}

	return nil
}

func (proc *TaskProcessor) processEvalTask(ctx context.Context, payload messaging.EvalTaskPayload) error {
	slog.Info("processing eval task", "pipeline_id", payload.PipelineId, "run_id", payload.RunId)

	var task database.EvalTask
	if err := proc.db.Preload("Pipeline").First(&task, "pipeline_id = ? AND run_id = ?", payload.PipelineId, payload.RunId).Error; err != nil {
		slog.Error("error fetching eval task", "pipeline_id", payload.PipelineId, "run_id", payload.RunId, "error", err)
		return fmt.Errorf("error getting eval task: %w", err)
	}

	if task.Pipeline.Stopped || task.Pipeline.Deleted {
		slog.Info("pipeline stopped, skipping eval task", "pipeline_id", payload.PipelineId, "run_id", payload.RunId)
		return nil
	}

	if err := database.UpdateEvalTaskStatus(ctx, proc.db, payload.PipelineId, payload.RunId, database.JobRunning); err != nil {
		slog.Error("error marking eval task as running", "error", err)
	}

	workDir, err := os.MkdirTemp("", fmt.Sprintf("eval-%s-%s-*", payload.PipelineId, payload.RunId))
	if err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	if err := proc.runEval(ctx, &task, workDir); err != nil {
		database.UpdateEvalTaskStatus(ctx, proc.db, payload.PipelineId, payload.RunId, database.JobFailed) //nolint:errcheck
		proc.failPipeline(ctx, task.Pipeline, err)
		return fmt.Errorf("error running eval task: %w", err)
	}

	if err := proc.maybePublishEnsemble(ctx, payload.PipelineId); err != nil {
		proc.failPipeline(ctx, task.Pipeline, err)
		return err
	}

	slog.Info("eval task completed successfully", "pipeline_id", payload.PipelineId, "run_id", payload.RunId)

	return nil
}

func (proc *TaskProcessor) runEval(ctx context.Context, task *database.EvalTask, workDir string) error {
	var trainTask database.TrainTask
	if err := proc.db.First(&trainTask, "pipeline_id = ? AND run_id = ?", task.PipelineId, task.RunId).Error; err != nil {
		return fmt.Errorf("error getting train task for eval: %w", err)
	}
	if !trainTask.ModelKey.Valid {
		return fmt.Errorf("train task %s has no checkpoint to evaluate", task.RunId)
	}

	modelDir := filepath.Join(workDir, "saved_models", task.RunId)
	if err := proc.storage.DownloadDir(ctx, ModelsBucket, trainTask.ModelKey.String, modelDir, true); err != nil {
		return fmt.Errorf("failed to download checkpoint: %w", err)
	}

	outPath := filepath.Join(workDir, task.RunId+".pkl")
	inv := proc.tools.Eval(filepath.Join("saved_models", task.RunId), outPath, workDir)
	if _, err := proc.runner.Run(ctx, inv); err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	predictions, err := os.Open(outPath)
	if err != nil {
		return fmt.Errorf("evaluation did not produce predictions file %s: %w", outPath, err)
	}
	defer predictions.Close()

	predictionsKey := PredictionsKey(task.PipelineId, task.RunId)
	if err := proc.storage.PutObject(ctx, PredictionsBucket, predictionsKey, predictions); err != nil {
		return fmt.Errorf("failed to upload predictions: %w", err)
	}

	if err := proc.db.WithContext(ctx).
		Model(&database.EvalTask{PipelineId: task.PipelineId, RunId: task.RunId}).
		Updates(map[string]any{
			"predictions_key": predictionsKey,
			"status":          database.JobCompleted,
			"completion_time": time.Now().UTC(),
		}).Error; err != nil {
		return fmt.Errorf("error updating eval task record: %w", err)
	}

	return nil
}

// maybePublishEnsemble enqueues the ensemble step once every eval task has
// completed. The Published flag on the ensemble task guarantees it is
// enqueued exactly once even if final evals race.
func (proc *TaskProcessor) maybePublishEnsemble(ctx context.Context, pipelineId uuid.UUID) error {
	remaining, err := database.CountIncompleteEvalTasks(ctx, proc.db, pipelineId)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	claimed, err := database.ClaimEnsembleTask(ctx, proc.db, pipelineId)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if err := proc.publisher.PublishEnsembleTask(ctx, messaging.EnsembleTaskPayload{PipelineId: pipelineId}); err != nil {
		return fmt.Errorf("error publishing ensemble task: %w", err)
	}

	slog.Info("all eval tasks complete, ensemble task published", "pipeline_id", pipelineId)

	return nil
}

func (proc *TaskProcessor) processEnsembleTask(ctx context.Context, payload messaging.EnsembleTaskPayload) error {
	slog.Info("processing ensemble task", "pipeline_id", payload.PipelineId)

	var task database.EnsembleTask
	if err := proc.db.Preload("Pipeline").First(&task, "pipeline_id = ?", payload.PipelineId).Error; err != nil {
		slog.Error("error fetching ensemble task", "pipeline_id", payload.PipelineId, "error", err)
		return fmt.Errorf("error getting ensemble task: %w", err)
	}

	if task.Pipeline.Stopped || task.Pipeline.Deleted {
		slog.Info("pipeline stopped, skipping ensemble task", "pipeline_id", payload.PipelineId)
		return nil
	}

	if err := database.UpdateEnsembleTaskStatus(ctx, proc.db, payload.PipelineId, database.JobRunning); err != nil {
		slog.Error("error marking ensemble task as running", "error", err)
	}

	workDir, err := os.MkdirTemp("", fmt.Sprintf("ensemble-%s-*", payload.PipelineId))
	if err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	resultKey, err := proc.runEnsemble(ctx, &task, workDir)
	if err != nil {
		database.UpdateEnsembleTaskStatus(ctx, proc.db, payload.PipelineId, database.JobFailed) //nolint:errcheck
		proc.failPipeline(ctx, task.Pipeline, err)
		return fmt.Errorf("error running ensemble task: %w", err)
	}

	if err := proc.db.WithContext(ctx).
		Model(&database.Pipeline{Id: payload.PipelineId}).
		Updates(map[string]any{
			"result_key":      resultKey,
			"status":          database.JobCompleted,
			"completion_time": time.Now().UTC(),
		}).Error; err != nil {
		return fmt.Errorf("error updating pipeline record: %w", err)
	}

	proc.notifier.PipelineFinished(ctx, notify.PipelineSummary{
		PipelineId: task.PipelineId,
		Name:       task.Pipeline.Name,
		Dataset:    task.Pipeline.Dataset,
		Status:     database.JobCompleted,
		ResultKey:  resultKey,
		Timestamp:  time.Now().UTC(),
	})

	slog.Info("ensemble task completed successfully", "pipeline_id", payload.PipelineId)

	return nil
}

func (proc *TaskProcessor) runEnsemble(ctx context.Context, task *database.EnsembleTask, workDir string) (string, error) {
	var evalTasks []database.EvalTask
	if err := proc.db.Where("pipeline_id = ?", task.PipelineId).Order("run_id asc").Find(&evalTasks).Error; err != nil {
		return "", fmt.Errorf("error getting eval tasks for ensemble: %w", err)
	}

	// Exactly the evaluation outputs, in run-id order.
	var localPaths, predictionKeys []string
	for _, evalTask := range evalTasks {
		if !evalTask.PredictionsKey.Valid {
			return "", fmt.Errorf("eval task %s has no predictions file", evalTask.RunId)
		}

		localPath := filepath.Join(workDir, evalTask.RunId+".pkl")
		if err := proc.storage.DownloadObject(ctx, PredictionsBucket, evalTask.PredictionsKey.String, localPath); err != nil {
			return "", fmt.Errorf("failed to download predictions for run %s: %w", evalTask.RunId, err)
		}

		localPaths = append(localPaths, localPath)
		predictionKeys = append(predictionKeys, evalTask.PredictionsKey.String)
	}

	keysJson, err := json.Marshal(predictionKeys)
	if err != nil {
		return "", fmt.Errorf("could not marshal prediction keys: %w", err)
	}
	if err := proc.db.WithContext(ctx).
		Model(&database.EnsembleTask{PipelineId: task.PipelineId}).
		Update("prediction_keys", datatypes.JSON(keysJson)).Error; err != nil {
		slog.Error("error recording prediction keys", "pipeline_id", task.PipelineId, "error", err)
	}

	inv := proc.tools.Ensemble(task.Pipeline.Dataset, localPaths, workDir)
	output, err := proc.runner.Run(ctx, inv)
	if err != nil {
		return "", fmt.Errorf("ensembling failed: %w", err)
	}

	resultKey := ResultKey(task.PipelineId)
	if err := proc.storage.PutObject(ctx, ResultsBucket, resultKey, bytes.NewReader(output)); err != nil {
		return "", fmt.Errorf("failed to upload ensemble result: %w", err)
	}

	if err := proc.db.WithContext(ctx).
		Model(&database.EnsembleTask{PipelineId: task.PipelineId}).
		Updates(map[string]any{
			"result_key":      resultKey,
			"status":          database.JobCompleted,
			"completion_time": time.Now().UTC(),
		}).Error; err != nil {
		return "", fmt.Errorf("error updating ensemble task record: %w", err)
	}

	return resultKey, nil
}
