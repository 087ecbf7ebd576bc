package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/hatrack/internal/asset"
	"github.com/dunamismax/hatrack/internal/cache"
	"github.com/dunamismax/hatrack/internal/config"
	"github.com/dunamismax/hatrack/internal/domain"
	"github.com/dunamismax/hatrack/internal/id"
	"github.com/dunamismax/hatrack/internal/overlay"
	"github.com/dunamismax/hatrack/internal/queue"
	"github.com/dunamismax/hatrack/internal/render"
	"github.com/dunamismax/hatrack/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type renderer interface {
	Render(ctx context.Context, req overlay.Request) (overlay.Result, error)
}

type sourceFetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
	Probe(ctx context.Context, rawURL string) string
}

type queueEnqueuer interface {
	EnqueueOverlayHat(ctx context.Context, payload queue.OverlayHatPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// Deps carries everything the server needs. Logger, Renderer, Fetcher and
// Assets are required; the rest degrade gracefully when absent.
type Deps struct {
	Logger      *log.Logger
	Renderer    renderer
	Fetcher     sourceFetcher
	Assets      *asset.Holder
	Limits      config.LimitsConfig
	JobStore    store.JobStore
	Queue       queueEnqueuer
	Storage     objectStorage
	RateLimiter RateLimiter
	// RateLimitUserIDHeader names the header that identifies the caller for
	// rate limiting. Empty falls back to X-User-ID.
	RateLimitUserIDHeader string
	PresignTTL            time.Duration
}

type Server struct {
	logger                *log.Logger
	renderer              renderer
	fetcher               sourceFetcher
	assets                *asset.Holder
	limits                config.LimitsConfig
	jobStore              store.JobStore
	queueClient           queueEnqueuer
	storage               objectStorage
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	presignTTL            time.Duration
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
	handler               http.Handler
}

func NewServer(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Assets == nil {
		return nil, fmt.Errorf("asset holder is required")
	}

	headerName := strings.TrimSpace(deps.RateLimitUserIDHeader)
	if headerName == "" {
		headerName = "X-User-ID"
	}
	presignTTL := deps.PresignTTL
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}

	s := &Server{
		logger:                deps.Logger,
		renderer:              deps.Renderer,
		fetcher:               deps.Fetcher,
		assets:                deps.Assets,
		limits:                deps.Limits,
		jobStore:              deps.JobStore,
		queueClient:           deps.Queue,
		storage:               deps.Storage,
		rateLimiter:           deps.RateLimiter,
		rateLimitUserIDHeader: headerName,
		presignTTL:            presignTTL,
		metrics:               newMetrics(),
		tracer:                otel.Tracer("hatrack/api"),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	s.handler = s.metrics.withHTTPMetrics(s.withRateLimit(s.withTracing(s.mux)))
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /v1/limits", s.handleLimits)
	s.mux.HandleFunc("POST /v1/hatify", s.handleHatify)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	hatAsset := "ready"
	if _, err := s.assets.Snapshot(); err != nil {
		status = "degraded"
		hatAsset = "missing"
	}

	jobs := "disabled"
	if s.jobStore != nil && s.queueClient != nil {
		jobs = "enabled"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    status,
		"hat_asset": hatAsset,
		"jobs":      jobs,
	})
}

func (s *Server) handleLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"max_file_size_mb":          s.limits.MaxFileSizeMB,
		"max_image_width":           s.limits.MaxImageWidth,
		"max_image_height":          s.limits.MaxImageHeight,
		"max_image_pixels":          s.limits.MaxImagePixels,
		"max_faces":                 s.limits.MaxFaces,
		"max_url_length":            s.limits.MaxURLLength,
		"url_fetch_timeout_seconds": s.limits.URLFetchTimeoutSec,
		"hat_scale_min":             config.MinHatScale,
		"hat_scale_max":             config.MaxHatScale,
	})
}

type hatifyRequest struct {
	URL      string  `json:"url"`
	HatScale float64 `json:"hat_scale,omitempty"`
}

func (s *Server) handleHatify(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.assets.Snapshot()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "hat asset is not configured"})
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var req overlay.Request
	if mediaType == "multipart/form-data" {
		req, err = s.uploadRequest(w, r, snapshot)
	} else {
		req, err = s.urlRequest(r, snapshot)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result, err := s.renderer.Render(r.Context(), req)
	if err != nil {
		s.writeRenderError(w, err)
		return
	}
	s.metrics.observeRender(result.Faces, result.FromCache)

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Faces-Detected", strconv.Itoa(result.Faces))
	w.Header().Set("X-Cache", cacheHeader(result.FromCache))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Image)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Image)
}

// uploadRequest builds a render request from a multipart upload. The result
// is content addressed, so the bytes are read eagerly.
func (s *Server) uploadRequest(w http.ResponseWriter, r *http.Request, snapshot *asset.Snapshot) (overlay.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.limits.MaxFileSizeBytes())
	if err := r.ParseMultipartForm(s.limits.MaxFileSizeBytes()); err != nil {
		return overlay.Request{}, fmt.Errorf("parse upload: file exceeds %d MB or form is malformed", s.limits.MaxFileSizeMB)
	}

	scale, err := parseScale(r.FormValue("hat_scale"))
	if err != nil {
		return overlay.Request{}, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return overlay.Request{}, errors.New("multipart field \"file\" is required")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return overlay.Request{}, fmt.Errorf("read upload: %w", err)
	}
	if err := s.checkImageBounds(data); err != nil {
		return overlay.Request{}, err
	}

	return overlay.Request{
		Image:    data,
		HatScale: scale,
		CacheKey: cache.ContentKey(data, scale, snapshot.ConfigVersion),
	}, nil
}

// urlRequest builds a render request from a JSON body naming a source URL.
// The key is derived from the URL plus its change validator, and the
// download itself is deferred so cache hits skip it.
func (s *Server) urlRequest(r *http.Request, snapshot *asset.Snapshot) (overlay.Request, error) {
	var body hatifyRequest
	if err := decodeJSON(r, &body); err != nil {
		return overlay.Request{}, err
	}

	sourceURL := strings.TrimSpace(body.URL)
	if sourceURL == "" {
		return overlay.Request{}, errors.New("url is required")
	}
	if s.limits.MaxURLLength > 0 && len(sourceURL) > s.limits.MaxURLLength {
		return overlay.Request{}, fmt.Errorf("url exceeds %d characters", s.limits.MaxURLLength)
	}
	if err := s.limits.ValidateURLSafety(sourceURL); err != nil {
		return overlay.Request{}, err
	}

	scale := body.HatScale
	if scale == 0 {
		scale = 1.0
	}
	if err := config.ValidateHatScale(scale); err != nil {
		return overlay.Request{}, err
	}

	validator := s.fetcher.Probe(r.Context(), sourceURL)

	return overlay.Request{
		Source: func(ctx context.Context) ([]byte, error) {
			data, err := s.fetcher.Fetch(ctx, sourceURL)
			if err != nil {
				return nil, err
			}
			if err := s.checkImageBounds(data); err != nil {
				return nil, err
			}
			return data, nil
		},
		HatScale: scale,
		CacheKey: cache.SourceKey(sourceURL, validator, scale, snapshot.ConfigVersion),
	}, nil
}

var (
	errImageTooLarge    = errors.New("image dimensions exceed configured limits")
	errUnsupportedImage = errors.New("unsupported or corrupt image")
)

func (s *Server) checkImageBounds(data []byte) error {
	err := render.CheckBounds(data, s.limits.MaxImageWidth, s.limits.MaxImageHeight, s.limits.MaxImagePixels)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, render.ErrBoundsExceeded):
		return fmt.Errorf("%w: %v", errImageTooLarge, err)
	default:
		return fmt.Errorf("%w: %v", errUnsupportedImage, err)
	}
}

func (s *Server) writeRenderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, overlay.ErrNoFacesDetected):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no faces detected in image"})
	case errors.Is(err, asset.ErrNotConfigured):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "hat asset is not configured"})
	case errors.Is(err, errImageTooLarge), errors.Is(err, errUnsupportedImage):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Printf("render failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "image processing failed"})
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.jobStore == nil || s.queueClient == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "async jobs are not enabled"})
		return
	}

	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	scale := req.EffectiveScale()
	if err := config.ValidateHatScale(scale); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.limits.ValidateURLSafety(req.SourceURL); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:         id.New(),
		Status:     domain.JobStatusCreated,
		SourceURL:  req.SourceURL,
		HatScale:   scale,
		WebhookURL: req.WebhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed for job %s: %v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	taskInfo, err := s.queueClient.EnqueueOverlayHat(r.Context(), queue.OverlayHatPayload{
		JobID:       job.ID,
		SourceURL:   job.SourceURL,
		HatScale:    job.HatScale,
		WebhookURL:  job.WebhookURL,
		RequestedAt: now,
	})
	if err != nil {
		s.logger.Printf("enqueue failed for job %s: %v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("update status failed for job %s: %v", job.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     job.ID,
		"status":     domain.JobStatusQueued,
		"queue":      taskInfo.Queue,
		"task_id":    taskInfo.ID,
		"status_url": fmt.Sprintf("/v1/jobs/%s", job.ID),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "async jobs are not enabled"})
		return
	}

	jobID := r.PathValue("id")
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed for job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	resp := map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"source_url": job.SourceURL,
		"hat_scale":  job.HatScale,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.Status == domain.JobStatusSucceeded {
		resp["faces"] = job.Faces
		resp["from_cache"] = job.FromCache
		resp["output_key"] = job.OutputKey
		if s.storage != nil && job.OutputKey != "" {
			url, err := s.storage.PresignedGetURL(r.Context(), job.OutputKey, s.presignTTL)
			if err != nil {
				s.logger.Printf("presign output failed for job %s: %v", job.ID, err)
			} else {
				resp["output_url"] = url
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func parseScale(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 1.0, nil
	}
	scale, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("hat_scale must be a number, got %q", raw)
	}
	if err := config.ValidateHatScale(scale); err != nil {
		return 0, err
	}
	return scale, nil
}

func cacheHeader(fromCache bool) string {
	if fromCache {
		return "HIT"
	}
	return "MISS"
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
