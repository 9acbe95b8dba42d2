package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"animpipe/api"
	"animpipe/config"
	"animpipe/pipeline"
	"animpipe/provider"
	"animpipe/queue"
	"animpipe/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Storage
	projects, err := store.NewProjectStore(cfg.ProjectsDir)
	if err != nil {
		log.Fatalf("Failed to open project store: %v", err)
	}
	jobs, err := pipeline.NewJobStore(filepath.Join(cfg.DataDir, "batch_jobs"))
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}

	// 3. Generation providers
	providerCfg := provider.Config{Kind: cfg.VideoProvider}
	if cfg.VideoProvider == "http" {
		providerCfg.HTTP = &provider.HTTPConfig{
			BaseURL:         cfg.ProviderBaseURL,
			APIKey:          cfg.ProviderAPIKey,
			MaxDownloadSize: cfg.MaxDownloadSize,
		}
	}
	keyframes, video, err := provider.New(providerCfg)
	if err != nil {
		log.Fatalf("Failed to initialize provider: %v", err)
	}

	// 4. Work queues, throttled on host resources when thresholds are set
	queues := queue.NewRegistry(cfg.ImageWorkers)
	queues.Gate = &queue.ResourceGate{
		MinIdleCPU:  cfg.ThrottleCPU,
		MinFreeMem:  uint64(cfg.ThrottleFreeMem),
		MinFreeDisk: uint64(cfg.ThrottleFreeDisk),
		DiskPath:    cfg.DataDir,
	}
	queues.BackoffMax = cfg.RetryBackoffMax

	// 5. Batch pipeline service
	svc := pipeline.NewService(projects, jobs, queues, keyframes, video, pipeline.Options{
		ImageWorkers:        cfg.ImageWorkers,
		VideoWorkers:        cfg.VideoWorkers,
		PollInterval:        cfg.PollInterval,
		KeyframeTimeout:     cfg.KeyframeTimeout,
		VideoSubmitTimeout:  cfg.VideoSubmitTimeout,
		MaxKeyframeAttempts: cfg.MaxKeyframeAttempts,
		MaxVideoAttempts:    cfg.MaxVideoAttempts,
		BackoffMax:          cfg.RetryBackoffMax,
	})
	if err := svc.Start(); err != nil {
		log.Fatalf("Failed to start pipeline service: %v", err)
	}

	// 6. Router and server
	router := api.SetupRouter(svc, projects, queues, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 7. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	log.Println("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	// Persist in-flight jobs, then drain the queues.
	svc.Stop()
	queues.Shutdown()

	log.Println("Server exiting")
}
