package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/hatrack/internal/api"
	"github.com/dunamismax/hatrack/internal/asset"
	"github.com/dunamismax/hatrack/internal/cache"
	"github.com/dunamismax/hatrack/internal/config"
	"github.com/dunamismax/hatrack/internal/face"
	"github.com/dunamismax/hatrack/internal/fetch"
	"github.com/dunamismax/hatrack/internal/overlay"
	"github.com/dunamismax/hatrack/internal/queue"
	"github.com/dunamismax/hatrack/internal/ratelimit"
	"github.com/dunamismax/hatrack/internal/render"
	"github.com/dunamismax/hatrack/internal/storage"
	"github.com/dunamismax/hatrack/internal/store"
	"github.com/dunamismax/hatrack/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	if err := render.Startup(); err != nil {
		logger.Fatalf("render startup failed: %v", err)
	}
	defer render.Shutdown()

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "hatrack-api",
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

	assets := loadAssets(logger, cfg.Asset.HatImagePath)
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
		logger.Printf("result cache backed by bucket %s", cfg.Storage.Bucket)
	} else {
		resultCache = cache.NewMemory()
		logger.Printf("result cache is in-memory, results do not survive restarts")
	}

	pipeline, err := overlay.NewPipeline(logger, detector, assets, resultCache)
	if err != nil {
		logger.Fatalf("build pipeline: %v", err)
	}

	fetcher := fetch.NewClient(cfg.Limits)

	var rateLimiter api.RateLimiter
	if cfg.API.RateLimitCapacity > 0 {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		limiter, err := ratelimit.NewRedisTokenBucket(
			rdb,
			cfg.API.RateLimitCapacity,
			time.Duration(cfg.API.RateLimitWindowMS)*time.Millisecond,
			"hatrack:ratelimit",
		)
		if err != nil {
			logger.Fatalf("rate limiter: %v", err)
		}
		rateLimiter = limiter
	}

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
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	deps := api.Deps{
		Logger:      logger,
		Renderer:    pipeline,
		Fetcher:     fetcher,
		Assets:      assets,
		Limits:      cfg.Limits,
		JobStore:    jobStore,
		Queue:       queueClient,
		RateLimiter: rateLimiter,
	}
	if objectStorage != nil {
		deps.Storage = objectStorage
	}
	app, err := api.NewServer(deps)
	if err != nil {
		logger.Fatalf("build server: %v", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func loadAssets(logger *log.Logger, hatImagePath string) *asset.Holder {
	snapshot, err := asset.Load(hatImagePath)
	if err != nil {
		logger.Printf("hat asset unavailable, serving degraded: %v", err)
		return asset.NewHolder(nil)
	}
	logger.Printf("hat asset loaded path=%s size=%dx%d config_version=%s",
		hatImagePath, snapshot.Width, snapshot.Height, snapshot.ConfigVersion)
	return asset.NewHolder(snapshot)
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
