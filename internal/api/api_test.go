package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	backend "relex-backend/internal/api"
	"relex-backend/internal/database"
	"relex-backend/internal/messaging"
	"relex-backend/internal/storage"
	"relex-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

type mockStorage struct {
	storage.ObjectStore

	deleted []string
}

func (m *mockStorage) DeleteObjects(ctx context.Context, bucket, prefix string) error {
	m.deleted = append(m.deleted, bucket+"/"+prefix)
	return nil
}

func setupService(t *testing.T, db *gorm.DB) (chi.Router, *messaging.InMemoryQueue, *mockStorage) {
	t.Helper()

	queue := messaging.NewInMemoryQueue()
	store := &mockStorage{}

	service := backend.NewBackendService(db, store, queue)
	router := chi.NewRouter()
	service.AddRoutes(router)

	return router, queue, store
}

func pendingTasks(queue *messaging.InMemoryQueue) []messaging.Task {
	var tasks []messaging.Task
	for {
		select {
		case task := <-queue.Tasks():
			tasks = append(tasks, task)
		default:
			return tasks
		}
	}
}

func TestCreatePipeline(t *testing.T) {
	db := createDB(t)
	router, queue, _ := setupService(t, db)

	payload := api.CreatePipelineRequest{
		Name:    "my-experiment",
		Dataset: "dev",
		Runs: []api.RunSubmission{
			{RunId: "01", Seed: 100},
			{RunId: "02", Seed: 200},
		},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/pipelines", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())
	var response api.CreatePipelineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.NotEqual(t, uuid.Nil, response.PipelineId)

	var record database.Pipeline
	require.NoError(t, db.Preload("TrainTasks").Preload("EvalTasks").Preload("EnsembleTask").First(&record, "id = ?", response.PipelineId).Error)
	assert.Equal(t, "my-experiment", record.Name)
	assert.Equal(t, "dev", record.Dataset)
	assert.True(t, record.PositionalAttention)
	assert.Equal(t, database.JobRunning, record.Status)
	assert.Len(t, record.TrainTasks, 2)
	assert.Len(t, record.EvalTasks, 2)
	require.NotNil(t, record.EnsembleTask)
	assert.Equal(t, database.JobQueued, record.EnsembleTask.Status)

	tasks := pendingTasks(queue)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, messaging.TrainQueue, task.Type())
	}
}

func TestCreatePipelineDefaults(t *testing.T) {
	db := createDB(t)
	router, queue, _ := setupService(t, db)

	req := httptest.NewRequest(http.MethodPost, "/pipelines", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())
	var response api.CreatePipelineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	var record database.Pipeline
	require.NoError(t, db.Preload("TrainTasks").First(&record, "id = ?", response.PipelineId).Error)
	assert.Equal(t, "ensemble", record.Name)
	assert.Equal(t, "test", record.Dataset)
	require.Len(t, record.TrainTasks, 5)

	seeds := make(map[string]int64)
	for _, task := range record.TrainTasks {
		seeds[task.RunId] = task.Seed
	}
	assert.Equal(t, map[string]int64{"01": 1, "02": 2, "03": 3, "04": 4, "05": 5}, seeds)

	assert.Len(t, pendingTasks(queue), 5)
}

func TestCreatePipelineInvalidRunId(t *testing.T) {
	db := createDB(t)
	router, queue, _ := setupService(t, db)

	payload := api.CreatePipelineRequest{
		Runs: []api.RunSubmission{{RunId: "1", Seed: 1}},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/pipelines", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, pendingTasks(queue))
}

func TestCreatePipelineInvalidName(t *testing.T) {
	db := createDB(t)
	router, _, _ := setupService(t, db)

	payload := api.CreatePipelineRequest{Name: "bad name!"}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/pipelines", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPipelines(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()
	db := createDB(t,
		&database.Pipeline{Id: id1, Name: "one", Dataset: "test", Status: database.JobRunning, CreationTime: time.Now()},
		&database.Pipeline{Id: id2, Name: "two", Dataset: "test", Status: database.JobCompleted, CreationTime: time.Now()},
		&database.Pipeline{Id: uuid.New(), Name: "gone", Dataset: "test", Status: database.JobCompleted, CreationTime: time.Now(), Deleted: true},
	)
	router, _, _ := setupService(t, db)

	req := httptest.NewRequest(http.MethodGet, "/pipelines", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var response []api.Pipeline
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.Len(t, response, 2)

	req = httptest.NewRequest(http.MethodGet, "/pipelines?status=COMPLETED", nil)
	rec = httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.Len(t, response, 1)
	assert.Equal(t, id2, response[0].Id)
}

func TestGetPipeline(t *testing.T) {
	pipelineId := uuid.New()
	db := createDB(t, &database.Pipeline{
		Id:           pipelineId,
		Name:         "experiment",
		Dataset:      "test",
		Status:       database.JobRunning,
		CreationTime: time.Now(),
		TrainTasks: []database.TrainTask{
			{RunId: "02", Seed: 2, Status: database.JobQueued},
			{RunId: "01", Seed: 1, Status: database.JobCompleted, ModelKey: sql.NullString{String: "key/saved_models/01", Valid: true}},
		},
		EvalTasks: []database.EvalTask{
			{RunId: "01", Status: database.JobRunning},
			{RunId: "02", Status: database.JobQueued},
		},
		EnsembleTask: &database.EnsembleTask{Status: database.JobQueued},
	})
	router, _, _ := setupService(t, db)

	req := httptest.NewRequest(http.MethodGet, "/pipelines/"+pipelineId.String(), nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var response api.Pipeline
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	assert.Equal(t, pipelineId, response.Id)
	assert.Equal(t, "experiment", response.Name)
	assert.Equal(t, database.JobQueued, response.EnsembleStatus)

	// Runs are merged from train and eval state, sorted by run id.
	require.Len(t, response.Runs, 2)
	assert.Equal(t, api.RunState{
		RunId: "01", Seed: 1,
		TrainStatus: database.JobCompleted, EvalStatus: database.JobRunning,
		ModelKey: "key/saved_models/01",
	}, response.Runs[0])
	assert.Equal(t, "02", response.Runs[1].RunId)
}

func TestGetPipelineNotFound(t *testing.T) {
	db := createDB(t)
	router, _, _ := setupService(t, db)

	req := httptest.NewRequest(http.MethodGet, "/pipelines/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopPipeline(t *testing.T) {
	pipelineId := uuid.New()
	db := createDB(t, &database.Pipeline{Id: pipelineId, Name: "experiment", Dataset: "test", Status: database.JobRunning, CreationTime: time.Now()})
	router, _, _ := setupService(t, db)

	req := httptest.NewRequest(http.MethodPost, "/pipelines/"+pipelineId.String()+"/stop", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var record database.Pipeline
	require.NoError(t, db.First(&record, "id = ?", pipelineId).Error)
	assert.True(t, record.Stopped)
}

func TestDeletePipeline(t *testing.T) {
	pipelineId := uuid.New()
	db := createDB(t, &database.Pipeline{Id: pipelineId, Name: "experiment", Dataset: "test", Status: database.JobCompleted, CreationTime: time.Now()})
	router, _, store := setupService(t, db)

	req := httptest.NewRequest(http.MethodDelete, "/pipelines/"+pipelineId.String(), nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	prefix := pipelineId.String() + "/"
	assert.ElementsMatch(t, []string{
		"models/" + prefix,
		"predictions/" + prefix,
		"results/" + prefix,
	}, store.deleted)

	// Deleted pipelines are hidden from the API.
	req = httptest.NewRequest(http.MethodGet, "/pipelines/"+pipelineId.String(), nil)
	rec = httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	db := createDB(t)
	router, _, _ := setupService(t, db)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
