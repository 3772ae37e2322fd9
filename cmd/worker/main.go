package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"relex-backend/cmd"
	"relex-backend/internal/config"
	"relex-backend/internal/messaging"
	"relex-backend/internal/pipeline"
	"relex-backend/internal/storage"
	"relex-backend/internal/toolchain"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		log.Fatalf("Worker: Failed to create object store: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ receiver: %v", err)
	}

	tools := &toolchain.Toolchain{
		Interpreter:    cfg.PythonExecutable,
		TrainScript:    cfg.TrainScript,
		EvalScript:     cfg.EvalScript,
		EnsembleScript: cfg.EnsembleScript,
	}

	worker := pipeline.NewTaskProcessor(
		db,
		store,
		publisher,
		reciever,
		tools,
		&toolchain.ExecRunner{Timeout: cfg.ToolTimeout},
		cmd.CreateNotifier(cfg.WebhookURL),
	)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		slog.Info("shutdown signal received, stopping worker")
		worker.Stop()
	}()

	slog.Info("worker started, waiting for tasks")
	worker.Start()

	slog.Info("worker process stopped")
}
