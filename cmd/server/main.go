// pagesmith is the build-orchestration service: it accepts web-application
// build requests, drives a code-generation agent and the GitHub-backed
// publication pipeline, and reports each round to the caller's evaluation
// endpoint.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"pagesmith/internal/agent"
	"pagesmith/internal/api"
	"pagesmith/internal/backoff"
	"pagesmith/internal/config"
	"pagesmith/internal/githost"
	"pagesmith/internal/logging"
	"pagesmith/internal/notify"
	"pagesmith/internal/pipeline"
	"pagesmith/internal/request"
	"pagesmith/internal/taskstore"
	"pagesmith/internal/verify"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()

	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	store, err := taskstore.Open(taskstore.Options{
		DatabaseURL: cfg.DatabaseURL,
		Path:        cfg.DBPath,
	})
	if err != nil {
		log.Fatal("opening task store", zap.Error(err))
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatal("redis unreachable", zap.Error(err))
		}
		cancel()
		store.SetLocker(taskstore.NewRedisLocker(client))
		log.Info("redis lock backend enabled")
	}

	host := githost.NewClient(cfg.GitHubToken, cfg.GitHubOwner,
		githost.WithBaseURL(cfg.GitHubAPIBase))

	generator := agent.NewHTTPAgent(cfg.AgentURL, cfg.AgentToken, cfg.AgentTimeout)

	pollPolicy := backoff.Policy{
		Initial:     5 * time.Second,
		Max:         30 * time.Second,
		Factor:      1.5,
		Jitter:      0.2,
		MaxAttempts: 60,
	}
	verifier := verify.New(host, pollPolicy)
	notifier := notify.New(backoff.DefaultPolicy())

	orchCfg := pipeline.DefaultConfig()
	orchCfg.Workers = cfg.Workers
	orchCfg.QueueDepth = cfg.QueueDepth
	orchCfg.LockLease = cfg.LockLease
	orchCfg.RunDeadline = cfg.RunDeadline
	orchCfg.AgentTimeout = cfg.AgentTimeout
	orchCfg.PublishTimeout = cfg.PublishTimeout
	orchCfg.VerifyWindow = cfg.VerifyWindow
	orchCfg.CallbackBudget = cfg.CallbackBudget

	orch := pipeline.New(orchCfg, store, generator, host, verifier, notifier)
	orch.Start()

	validator := request.NewValidator(cfg.APISecret, store)
	decoder := &request.Decoder{
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
		MaxTotalBytes:      cfg.MaxAttachmentTotal,
	}

	handlers := api.NewHandlers(validator, decoder, orch, store, version)
	router := api.NewRouter(handlers)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("pagesmith listening",
			zap.String("port", cfg.Port),
			zap.String("environment", cfg.Environment),
			zap.Int("workers", cfg.Workers))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn("pipeline shutdown", zap.Error(err))
	}
	log.Info("stopped")
}
