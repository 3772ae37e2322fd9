package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"relex-backend/cmd"
	"relex-backend/internal/api"
	"relex-backend/internal/database"
	"relex-backend/internal/messaging"
	"relex-backend/internal/pipeline"
	"relex-backend/internal/storage"
	"relex-backend/internal/toolchain"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Root             string `env:"ROOT" envDefault:"./relex"`
	Port             int    `env:"PORT" envDefault:"3001"`
	PythonExecutable string `env:"PYTHON_EXECUTABLE" envDefault:"python3"`
	TrainScript      string `env:"TRAIN_SCRIPT" envDefault:"runner.py"`
	EvalScript       string `env:"EVAL_SCRIPT" envDefault:"eval.py"`
	EnsembleScript   string `env:"ENSEMBLE_SCRIPT" envDefault:"ensemble.py"`
	WebhookURL       string `env:"WEBHOOK_URL" envDefault:""`
}

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "relex.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

// createQueue republishes work that was queued when the process last exited.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	queue := messaging.NewInMemoryQueue()

	var trainTasks []database.TrainTask
	if err := db.Where("status = ?", database.JobQueued).Find(&trainTasks).Error; err != nil {
		log.Fatalf("Failed to fetch train tasks from database: %v", err)
	}
	for _, task := range trainTasks {
		if err := queue.PublishTrainTask(context.Background(), messaging.TrainTaskPayload{
			PipelineId: task.PipelineId,
			RunId:      task.RunId,
		}); err != nil {
			log.Fatalf("Failed to publish train task: %v", err)
		}
	}

	var evalTasks []database.EvalTask
	if err := db.
		Joins("JOIN train_tasks ON train_tasks.pipeline_id = eval_tasks.pipeline_id AND train_tasks.run_id = eval_tasks.run_id").
		Where("eval_tasks.status = ? AND train_tasks.status = ?", database.JobQueued, database.JobCompleted).
		Find(&evalTasks).Error; err != nil {
		log.Fatalf("Failed to fetch eval tasks from database: %v", err)
	}
	for _, task := range evalTasks {
		if err := queue.PublishEvalTask(context.Background(), messaging.EvalTaskPayload{
			PipelineId: task.PipelineId,
			RunId:      task.RunId,
		}); err != nil {
			log.Fatalf("Failed to publish eval task: %v", err)
		}
	}

	var ensembleTasks []database.EnsembleTask
	if err := db.
		Where("published = ? AND status IN ?", true, []string{database.JobQueued, database.JobRunning}).
		Find(&ensembleTasks).Error; err != nil {
		log.Fatalf("Failed to fetch ensemble tasks from database: %v", err)
	}
	for _, task := range ensembleTasks {
		if err := queue.PublishEnsembleTask(context.Background(), messaging.EnsembleTaskPayload{
			PipelineId: task.PipelineId,
		}); err != nil {
			log.Fatalf("Failed to publish ensemble task: %v", err)
		}
	}

	return queue
}

func createServer(db *gorm.DB, store storage.ObjectStore, queue messaging.Publisher, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"}, // Allow all origins (TODO: make this an env var)
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, store, queue)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port)

	db := createDatabase(cfg.Root)

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}

	for _, bucket := range []string{pipeline.ModelsBucket, pipeline.PredictionsBucket, pipeline.ResultsBucket} {
		if err := store.CreateBucket(context.Background(), bucket); err != nil {
			log.Fatalf("Failed to create bucket %s: %v", bucket, err)
		}
	}

	queue := createQueue(db)

	tools := &toolchain.Toolchain{
		Interpreter:    cfg.PythonExecutable,
		TrainScript:    cfg.TrainScript,
		EvalScript:     cfg.EvalScript,
		EnsembleScript: cfg.EnsembleScript,
	}

	worker := pipeline.NewTaskProcessor(db, store, queue, queue, tools, &toolchain.ExecRunner{}, cmd.CreateNotifier(cfg.WebhookURL))

	server := createServer(db, store, queue, cfg.Port)

	slog.Info("starting worker")
	go worker.Start()

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
