package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/hatrack/internal/asset"
	"github.com/dunamismax/hatrack/internal/cache"
	"github.com/dunamismax/hatrack/internal/config"
	"github.com/dunamismax/hatrack/internal/domain"
	"github.com/dunamismax/hatrack/internal/overlay"
	"github.com/dunamismax/hatrack/internal/queue"
	"github.com/dunamismax/hatrack/internal/render"
	"github.com/dunamismax/hatrack/internal/store"
	"github.com/dunamismax/hatrack/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type renderer interface {
	Render(ctx context.Context, req overlay.Request) (overlay.Result, error)
}

type sourceFetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
	Probe(ctx context.Context, rawURL string) string
}

type OutputStorage interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string, metadata map[string]string) error
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	renderer      renderer
	fetcher       sourceFetcher
	assets        *asset.Holder
	jobStore      store.JobStore
	storage       OutputStorage
	webhookClient webhookSender
	limits        config.LimitsConfig
	queueName     string
	outputPrefix  string
	presignTTL    time.Duration
	metrics       *metrics
	tracer        trace.Tracer
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	limits config.LimitsConfig,
	rnd renderer,
	fetcher sourceFetcher,
	assets *asset.Holder,
	jobStore store.JobStore,
	storage OutputStorage,
	webhookClient webhookSender,
) (*Server, error) {
	if rnd == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if assets == nil {
		return nil, fmt.Errorf("asset holder is required")
	}
	if jobStore == nil {
		return nil, fmt.Errorf("job store is required")
	}

	outputPrefix := workerCfg.OutputPrefix
	if outputPrefix == "" {
		outputPrefix = "outputs"
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:           make(chan struct{}, maxInt(1, workerCfg.MaxActiveJobs)),
		renderer:      rnd,
		fetcher:       fetcher,
		assets:        assets,
		jobStore:      jobStore,
		storage:       storage,
		webhookClient: webhookClient,
		limits:        limits,
		queueName:     queueCfg.Name,
		outputPrefix:  outputPrefix,
		presignTTL:    15 * time.Minute,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("hatrack/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeOverlayHat, s.handleOverlayHat)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleOverlayHat(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseOverlayHatPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.overlay_hat", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.Float64("job.hat_scale", payload.HatScale),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf("Working... job_id=%s source_url=%s", payload.JobID, payload.SourceURL)
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	snapshot, err := s.assets.Snapshot()
	if err != nil {
		s.failJob(ctx, span, payload, err)
		return err
	}

	scale := payload.HatScale
	if scale == 0 {
		scale = 1.0
	}

	validator := s.fetcher.Probe(ctx, payload.SourceURL)
	key := cache.SourceKey(payload.SourceURL, validator, scale, snapshot.ConfigVersion)

	result, err := s.renderer.Render(ctx, overlay.Request{
		Source: func(ctx context.Context) ([]byte, error) {
			data, err := s.fetcher.Fetch(ctx, payload.SourceURL)
			if err != nil {
				return nil, err
			}
			// Queued jobs honor the same size limits as direct requests.
			// An oversized image stays oversized, so skip the retries.
			if err := render.CheckBounds(data, s.limits.MaxImageWidth, s.limits.MaxImageHeight, s.limits.MaxImagePixels); err != nil {
				return nil, fmt.Errorf("source image: %v: %w", err, asynq.SkipRetry)
			}
			return data, nil
		},
		HatScale: scale,
		CacheKey: key,
	})
	if errors.Is(err, overlay.ErrNoFacesDetected) {
		// A clean photo with no faces is a terminal outcome, not a
		// processing failure. Retrying it cannot change the answer.
		outcome = domain.JobStatusNoFaces
		if _, uerr := s.jobStore.RecordResult(ctx, payload.JobID, domain.JobStatusNoFaces, "", 0, false); uerr != nil {
			s.logger.Printf("record result failed job_id=%s err=%v", payload.JobID, uerr)
		}
		s.dispatchWebhook(ctx, payload.WebhookURL, webhook.JobEvent{
			JobID:  payload.JobID,
			Status: domain.JobStatusNoFaces,
		})
		return nil
	}
	if err != nil {
		s.failJob(ctx, span, payload, err)
		return err
	}

	outputKey := ""
	outputURL := ""
	if s.storage != nil {
		outputKey = fmt.Sprintf("%s/%s.jpg", s.outputPrefix, payload.JobID)
		writeErr := s.storage.WriteObject(ctx, outputKey, result.Image, "image/jpeg", map[string]string{
			cache.MetaFaces: fmt.Sprintf("%d", result.Faces),
		})
		if writeErr != nil {
			s.failJob(ctx, span, payload, fmt.Errorf("write output: %w", writeErr))
			return writeErr
		}
		if url, perr := s.storage.PresignedGetURL(ctx, outputKey, s.presignTTL); perr == nil {
			outputURL = url
		} else {
			s.logger.Printf("presign output failed job_id=%s err=%v", payload.JobID, perr)
		}
	}

	outcome = domain.JobStatusSucceeded
	if _, err := s.jobStore.RecordResult(ctx, payload.JobID, domain.JobStatusSucceeded, outputKey, result.Faces, result.FromCache); err != nil {
		s.logger.Printf("record result failed job_id=%s err=%v", payload.JobID, err)
	}

	if result.FromCache {
		s.metrics.cacheHitsTotal.Inc()
	}
	s.metrics.facesDetected.Observe(float64(result.Faces))
	s.metrics.outputBytes.Add(float64(len(result.Image)))

	s.dispatchWebhook(ctx, payload.WebhookURL, webhook.JobEvent{
		JobID:     payload.JobID,
		Status:    domain.JobStatusSucceeded,
		OutputKey: outputKey,
		OutputURL: outputURL,
		Faces:     result.Faces,
		FromCache: result.FromCache,
	})

	s.logger.Printf(
		"Done job_id=%s faces=%d from_cache=%v bytes=%d took=%s",
		payload.JobID,
		result.Faces,
		result.FromCache,
		len(result.Image),
		time.Since(startedAt).Round(time.Millisecond),
	)
	return nil
}

func (s *Server) failJob(ctx context.Context, span trace.Span, payload queue.OverlayHatPayload, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "overlay failed")
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusFailed)
	s.dispatchWebhook(ctx, payload.WebhookURL, webhook.JobEvent{
		JobID:  payload.JobID,
		Status: domain.JobStatusFailed,
		Error:  err.Error(),
	})
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("update status failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, endpoint string, event webhook.JobEvent) {
	if s.webhookClient == nil || endpoint == "" {
		return
	}
	if err := s.webhookClient.Send(ctx, endpoint, webhook.EventForStatus(event.Status), event); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s err=%v", event.JobID, err)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
