package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/renwei/cvflow/internal/api"
	"github.com/renwei/cvflow/internal/api/handler"
	"github.com/renwei/cvflow/internal/config"
	"github.com/renwei/cvflow/internal/logger"
	"github.com/renwei/cvflow/internal/queue"
	"github.com/renwei/cvflow/internal/repository"
	"github.com/renwei/cvflow/internal/service"
	"github.com/renwei/cvflow/internal/storage"
	"github.com/renwei/cvflow/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	log := logger.NewDefault()
	logger.SetDefaultLogger(log)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	// Database.
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	jobRepo := repository.NewJobRepository(db)
	profileRepo := repository.NewProfileRepository(db)

	// Vector store.
	qdrantRepo, err := repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
		Host:            cfg.Qdrant.Host,
		Port:            cfg.Qdrant.Port,
		Collection:      cfg.Qdrant.Collection,
		APIKey:          cfg.Qdrant.APIKey,
		UseTLS:          cfg.Qdrant.UseTLS,
		VectorDimension: cfg.Qdrant.Dimensions,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to vector store")
	}
	defer qdrantRepo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := qdrantRepo.EnsureCollection(ctx); err != nil {
		log.WithError(err).Fatal("Failed to ensure vector collection")
	}

	// Optional document archive.
	var archive storage.ObjectStorage
	if cfg.Storage.Enabled {
		archive, err = storage.NewStorage(&storage.S3Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
			PublicURL: cfg.Storage.PublicURL,
		})
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize document archive")
		}
	}

	// Dispatch queue.
	conn, err := amqp.Dial(cfg.Queue.URL)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to message broker")
	}
	defer conn.Close()

	publisher, err := queue.NewPublisher(conn, cfg.Queue.Exchange, cfg.Queue.RoutingKey)
	if err != nil {
		log.WithError(err).Fatal("Failed to create queue publisher")
	}
	defer publisher.Close()

	consumer, err := queue.NewConsumer(conn, queue.Config{
		Exchange:    cfg.Queue.Exchange,
		RoutingKey:  cfg.Queue.RoutingKey,
		Queue:       cfg.Queue.Queue,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     queue.NewExponential(cfg.Queue.BackoffInitial, cfg.Queue.BackoffMax),
		MessageTTL:  cfg.Queue.MessageTTL,
		Prefetch:    cfg.Queue.Prefetch,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create queue consumer")
	}
	defer consumer.Close()
	consumer.SetPublisher(publisher)

	// Collaborator clients.
	extractor := service.NewTextExtractor(cfg.Extractor, log)
	embedder := service.NewEmbeddingService(cfg.Embedding, log)
	analyzer, err := service.NewAnalysisService(cfg.Analysis, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create analysis service")
	}

	// Pipeline and worker pool.
	splitter := service.NewSplitter(cfg.Upload.ChunkSize, cfg.Upload.ChunkOverlap)
	pipeline := service.NewPipelineService(
		jobRepo, profileRepo, qdrantRepo,
		extractor, embedder, analyzer,
		archive, splitter, log,
	)
	pool := worker.NewPool(consumer, publisher, jobRepo, pipeline, log, worker.Config{
		Concurrency:       cfg.Worker.Concurrency,
		RateLimit:         cfg.Worker.RateLimit,
		RateBurst:         cfg.Worker.RateBurst,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		StaleThreshold:    cfg.Worker.StaleThreshold,
		ReaperInterval:    cfg.Worker.ReaperInterval,
		MaxAttempts:       cfg.Queue.MaxAttempts,
	})
	if err := pool.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start worker pool")
	}

	// HTTP API.
	uploadService := service.NewUploadService(jobRepo, profileRepo, qdrantRepo, publisher, cfg.Upload.MaxFileSize, log)
	uploadHandler := handler.NewUploadHandler(uploadService, cfg.Upload.MaxFileSize)
	router := api.NewRouter(cfg, log, uploadHandler)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown failed")
	}

	pool.Stop()
	log.Info("Shutdown complete")
}
