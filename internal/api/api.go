package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"relex-backend/internal/database"
	"relex-backend/internal/messaging"
	"relex-backend/internal/pipeline"
	"relex-backend/internal/storage"
	"relex-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BackendService struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	publisher messaging.Publisher
}

func NewBackendService(db *gorm.DB, store storage.ObjectStore, publisher messaging.Publisher) *BackendService {
	return &BackendService{db: db, storage: store, publisher: publisher}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreatePipeline))
		r.Get("/", RestHandler(s.ListPipelines))
		r.Get("/{pipeline_id}", RestHandler(s.GetPipeline))
		r.Post("/{pipeline_id}/stop", RestHandler(s.StopPipeline))
		r.Delete("/{pipeline_id}", RestHandler(s.DeletePipeline))
	})
}

func (s *BackendService) CreatePipeline(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreatePipelineRequest](r)
	if err != nil {
		return nil, err
	}

	manifest := pipeline.Manifest{
		Name:                req.Name,
		Dataset:             req.Dataset,
		PositionalAttention: req.PositionalAttention,
	}
	for _, run := range req.Runs {
		manifest.Runs = append(manifest.Runs, pipeline.RunSpec{Id: run.RunId, Seed: run.Seed})
	}

	if manifest.Name == "" {
		manifest.Name = "ensemble"
	}
	if manifest.Dataset == "" {
		manifest.Dataset = pipeline.DefaultDataset
	}
	if len(manifest.Runs) == 0 {
		manifest.Runs = pipeline.DefaultManifest().Runs
	}

	if err := validateName(manifest.Name); err != nil {
		return nil, err
	}
	if err := manifest.Validate(); err != nil {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid pipeline: %v", err)
	}

	ctx := r.Context()

	record := &database.Pipeline{
		Id:                  uuid.New(),
		Name:                manifest.Name,
		Dataset:             manifest.Dataset,
		PositionalAttention: manifest.Attention(),
		Status:              database.JobQueued,
		CreationTime:        time.Now().UTC(),
		EnsembleTask: &database.EnsembleTask{
			Status:       database.JobQueued,
			CreationTime: time.Now().UTC(),
		},
	}
	for _, run := range manifest.Runs {
		record.TrainTasks = append(record.TrainTasks, database.TrainTask{
			RunId:        run.Id,
			Seed:         run.Seed,
			Status:       database.JobQueued,
			CreationTime: time.Now().UTC(),
		})
		record.EvalTasks = append(record.EvalTasks, database.EvalTask{
			RunId:        run.Id,
			Status:       database.JobQueued,
			CreationTime: time.Now().UTC(),
		})
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		slog.Error("error creating pipeline", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create pipeline entry")
	}

	for _, task := range record.TrainTasks {
		payload := messaging.TrainTaskPayload{PipelineId: record.Id, RunId: task.RunId}
		if err := s.publisher.PublishTrainTask(ctx, payload); err != nil {
			slog.Error("error publishing train task", "pipeline_id", record.Id, "run_id", task.RunId, "error", err)
			database.SavePipelineError(ctx, s.db, record.Id, "failed to queue train task "+task.RunId)
			database.UpdatePipelineStatus(ctx, s.db, record.Id, database.JobFailed) //nolint:errcheck
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue train task")
		}
	}

	if err := database.UpdatePipelineStatus(ctx, s.db, record.Id, database.JobRunning); err != nil {
		slog.Error("error marking pipeline as running", "pipeline_id", record.Id, "error", err)
	}

	slog.Info("submitted pipeline", "pipeline_id", record.Id, "runs", len(record.TrainTasks))
	return api.CreatePipelineResponse{PipelineId: record.Id}, nil
}

func (s *BackendService) ListPipelines(r *http.Request) (any, error) {
	query, err := ParseRequestQueryParams[api.ListPipelinesQuery](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	q := s.db.WithContext(ctx).Where("deleted = ?", false)
	if query.Status != "" {
		q = q.Where("status = ?", query.Status)
	}

	var records []database.Pipeline
	if err := q.Order("creation_time desc").Find(&records).Error; err != nil {
		slog.Error("error listing pipelines", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving pipeline records")
	}

	pipelines := make([]api.Pipeline, 0, len(records))
	for i := range records {
		pipelines = append(pipelines, convertPipeline(&records[i]))
	}
	return pipelines, nil
}

func (s *BackendService) getPipeline(r *http.Request, preload bool) (*database.Pipeline, error) {
	pipelineId, err := URLParamUUID(r, "pipeline_id")
	if err != nil {
		return nil, err
	}

	q := s.db.WithContext(r.Context())
	if preload {
		q = q.Preload("TrainTasks").Preload("EvalTasks").Preload("EnsembleTask").Preload("Errors")
	}

	var record database.Pipeline
	if err := q.First(&record, "id = ? AND deleted = ?", pipelineId, false).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "pipeline not found")
		}
		slog.Error("error getting pipeline", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving pipeline record")
	}

	return &record, nil
}

func (s *BackendService) GetPipeline(r *http.Request) (any, error) {
	record, err := s.getPipeline(r, true)
	if err != nil {
		return nil, err
	}

	return convertPipeline(record), nil
}

func (s *BackendService) StopPipeline(r *http.Request) (any, error) {
	record, err := s.getPipeline(r, false)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(r.Context()).Model(record).Update("stopped", true).Error; err != nil {
		slog.Error("error stopping pipeline", "pipeline_id", record.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to stop pipeline")
	}

	slog.Info("stopped pipeline", "pipeline_id", record.Id)
	return nil, nil
}

func (s *BackendService) DeletePipeline(r *http.Request) (any, error) {
	record, err := s.getPipeline(r, false)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	if err := s.db.WithContext(ctx).Model(record).Updates(map[string]any{"deleted": true, "stopped": true}).Error; err != nil {
		slog.Error("error deleting pipeline", "pipeline_id", record.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to delete pipeline")
	}

	prefix := record.Id.String() + "/"
	for _, bucket := range []string{pipeline.ModelsBucket, pipeline.PredictionsBucket, pipeline.ResultsBucket} {
		if err := s.storage.DeleteObjects(ctx, bucket, prefix); err != nil {
			slog.Error("error deleting pipeline artifacts", "pipeline_id", record.Id, "bucket", bucket, "error", err)
		}
	}

	slog.Info("deleted pipeline", "pipeline_id", record.Id)
	return nil, nil
}
