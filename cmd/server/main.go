package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"thumbsvc/internal/api"
	"thumbsvc/internal/config"
	"thumbsvc/internal/database"
	"thumbsvc/internal/pipeline"
	"thumbsvc/internal/queue"
	"thumbsvc/internal/repository"
	"thumbsvc/internal/s3storage"
	"thumbsvc/internal/signing"
	"thumbsvc/internal/thumbnail"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	repo := repository.NewImageRepository(pool)

	store, err := s3storage.New(cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	if err := store.EnsureBuckets(ctx, cfg.OriginalsBucket, cfg.ThumbnailsBucket); err != nil {
		log.Fatalf("ensure buckets: %v", err)
	}

	queueClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer queueClient.Close()

	codec := thumbnail.NewCodec(cfg)
	pl := pipeline.New(repo, store, codec, cfg)

	var signer *signing.Signer
	if len(cfg.WebhookSecret) > 0 {
		signer = signing.NewSigner(cfg.WebhookSecret)
	}

	srv := api.New(cfg, repo, store, queue.NewClient(queueClient), pl, signer)
	if err := srv.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
