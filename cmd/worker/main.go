package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/hatrack/internal/asset"
	"github.com/dunamismax/hatrack/internal/cache"
	"github.com/dunamismax/hatrack/internal/config"
	"github.com/dunamismax/hatrack/internal/face"
	"github.com/dunamismax/hatrack/internal/fetch"
	"github.com/dunamismax/hatrack/internal/overlay"
	"github.com/dunamismax/hatrack/internal/render"
	"github.com/dunamismax/hatrack/internal/storage"
	"github.com/dunamismax/hatrack/internal/store"
	"github.com/dunamismax/hatrack/internal/telemetry"
	"github.com/dunamismax/hatrack/internal/webhook"
	"github.com/dunamismax/hatrack/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	if err := render.Startup(); err != nil {
		logger.Fatalf("render startup failed: %v", err)
	}
	defer render.Shutdown()

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "hatrack-worker",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	detector, err := face.NewPigoDetector(cfg.Detector.CascadePath, cfg.Detector.PuplocPath, cfg.Limits.MaxFaces)
	if err != nil {
		logger.Fatalf("load face detector: %v", err)
	}

	snapshot, err := asset.Load(cfg.Asset.HatImagePath)
	if err != nil {
		logger.Fatalf("load hat asset: %v", err)
	}
	assets := asset.NewHolder(snapshot)
	go reloadAssetsOnSIGHUP(logger, assets, cfg.Asset.HatImagePath)

	var (
		resultCache   cache.Cache
		objectStorage *storage.Client
	)
	if cfg.Storage.Bucket != "" {
		client, err := storage.NewClient(storage.Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Fatalf("storage client: %v", err)
		}
		if err := client.EnsureBucket(ctx); err != nil {
			logger.Fatalf("ensure bucket: %v", err)
		}
		objectCache, err := cache.NewObjectCache(client)
		if err != nil {
			logger.Fatalf("object cache: %v", err)
		}
		objectStorage = client
		resultCache = objectCache
	} else {
		resultCache = cache.NewMemory()
		logger.Printf("no bucket configured, cache is in-memory and outputs are not persisted")
	}

	pipeline, err := overlay.NewPipeline(logger, detector, assets, resultCache)
	if err != nil {
		logger.Fatalf("build pipeline: %v", err)
	}

	fetcher := fetch.NewClient(cfg.Limits)

	var jobStore store.JobStore
	if cfg.Database.DSN != "" {
		pgStore, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("postgres job store: %v", err)
		}
		defer pgStore.Close()
		jobStore = pgStore
	} else {
		jobStore = store.NewMemoryJobStore()
		logger.Printf("no database configured, job state is process-local")
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Worker.WebhookSecret,
		Timeout:        10 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
	})

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
	)

	var output worker.OutputStorage
	if objectStorage != nil {
		output = objectStorage
	}
	srv, err := worker.NewServer(
		logger,
		cfg.Queue,
		cfg.Worker,
		cfg.Limits,
		pipeline,
		fetcher,
		assets,
		jobStore,
		output,
		webhookClient,
	)
	if err != nil {
		logger.Fatalf("build worker: %v", err)
	}

	if cfg.Worker.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("GET /metrics", srv.MetricsHandler())
			logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
			if err := http.ListenAndServe(cfg.Worker.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server failed: %v", err)
			}
		}()
	}

	if err := srv.Run(); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}
}

func reloadAssetsOnSIGHUP(logger *log.Logger, assets *asset.Holder, hatImagePath string) {
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	for range reload {
		snapshot, err := asset.Load(hatImagePath)
		if err != nil {
			logger.Printf("asset reload failed, keeping current: %v", err)
			continue
		}
		assets.Replace(snapshot)
		logger.Printf("hat asset reloaded config_version=%s", snapshot.ConfigVersion)
	}
}
