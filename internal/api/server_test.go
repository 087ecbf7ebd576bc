package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/hatrack/internal/asset"
	"github.com/dunamismax/hatrack/internal/config"
	"github.com/dunamismax/hatrack/internal/domain"
	"github.com/dunamismax/hatrack/internal/overlay"
	"github.com/dunamismax/hatrack/internal/queue"
	"github.com/dunamismax/hatrack/internal/ratelimit"
	"github.com/dunamismax/hatrack/internal/store"
	"github.com/hibiken/asynq"
)

type stubRenderer struct {
	fn func(ctx context.Context, req overlay.Request) (overlay.Result, error)
}

func (s *stubRenderer) Render(ctx context.Context, req overlay.Request) (overlay.Result, error) {
	return s.fn(ctx, req)
}

type stubFetcher struct {
	data       []byte
	validator  string
	fetchCalls int
}

func (s *stubFetcher) Fetch(_ context.Context, _ string) ([]byte, error) {
	s.fetchCalls++
	return s.data, nil
}

func (s *stubFetcher) Probe(_ context.Context, _ string) string {
	return s.validator
}

type stubEnqueuer struct {
	payloads []queue.OverlayHatPayload
}

func (s *stubEnqueuer) EnqueueOverlayHat(_ context.Context, payload queue.OverlayHatPayload) (*asynq.TaskInfo, error) {
	s.payloads = append(s.payloads, payload)
	return &asynq.TaskInfo{ID: "task-1", Queue: "default"}, nil
}

type stubLimiter struct {
	decision ratelimit.Decision
}

func (s *stubLimiter) Allow(_ context.Context, _ string) (ratelimit.Decision, error) {
	return s.decision, nil
}

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		MaxFileSizeMB:      10,
		MaxImageWidth:      4000,
		MaxImageHeight:     4000,
		MaxImagePixels:     16_000_000,
		MaxFaces:           10,
		MaxURLLength:       2048,
		URLFetchTimeoutSec: 30,
	}
}

func testAssets() *asset.Holder {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	return asset.NewHolder(&asset.Snapshot{
		Image:         img,
		Width:         40,
		Height:        30,
		Positioning:   asset.DefaultPositioning(),
		ConfigVersion: "0123456789ab",
	})
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, width, height))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = log.New(bytes.NewBuffer(nil), "", 0)
	}
	if deps.Renderer == nil {
		deps.Renderer = &stubRenderer{fn: func(_ context.Context, _ overlay.Request) (overlay.Result, error) {
			return overlay.Result{Image: []byte{0xff, 0xd8, 0xff}, Faces: 1}, nil
		}}
	}
	if deps.Fetcher == nil {
		deps.Fetcher = &stubFetcher{}
	}
	if deps.Assets == nil {
		deps.Assets = testAssets()
	}
	if deps.Limits == (config.LimitsConfig{}) {
		deps.Limits = testLimits()
	}
	srv, err := NewServer(deps)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func TestHealthzReportsAssetState(t *testing.T) {
	srv := newTestServer(t, Deps{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" || body["hat_asset"] != "ready" {
		t.Fatalf("unexpected health body: %v", body)
	}
	if body["jobs"] != "disabled" {
		t.Fatalf("jobs = %q, want disabled", body["jobs"])
	}
}

func TestHealthzDegradedWithoutAsset(t *testing.T) {
	srv := newTestServer(t, Deps{Assets: asset.NewHolder(nil)})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "degraded" || body["hat_asset"] != "missing" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestLimitsEndpoint(t *testing.T) {
	srv := newTestServer(t, Deps{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/limits", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["max_file_size_mb"].(float64) != 10 {
		t.Fatalf("max_file_size_mb = %v", body["max_file_size_mb"])
	}
	if body["hat_scale_max"].(float64) != config.MaxHatScale {
		t.Fatalf("hat_scale_max = %v", body["hat_scale_max"])
	}
}

func TestHatifyFromURL(t *testing.T) {
	fetcher := &stubFetcher{data: pngBytes(t, 10, 10), validator: "etag-1"}
	var gotKey string
	renderer := &stubRenderer{fn: func(ctx context.Context, req overlay.Request) (overlay.Result, error) {
		gotKey = req.CacheKey
		if req.Source == nil {
			t.Fatal("expected deferred source loader")
		}
		data, err := req.Source(ctx)
		if err != nil {
			return overlay.Result{}, err
		}
		if len(data) == 0 {
			t.Fatal("source loader returned no bytes")
		}
		return overlay.Result{Image: []byte{0xff, 0xd8, 0xff}, Faces: 2}, nil
	}}
	srv := newTestServer(t, Deps{Renderer: renderer, Fetcher: fetcher})

	body := strings.NewReader(`{"url": "https://photos.example.com/team.jpg", "hat_scale": 1.5}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/hatify", body)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "image/jpeg" {
		t.Fatalf("content type = %q", got)
	}
	if got := rec.Header().Get("X-Faces-Detected"); got != "2" {
		t.Fatalf("X-Faces-Detected = %q", got)
	}
	if got := rec.Header().Get("X-Cache"); got != "MISS" {
		t.Fatalf("X-Cache = %q", got)
	}
	if !strings.HasPrefix(gotKey, "processed/") {
		t.Fatalf("cache key = %q", gotKey)
	}
	if fetcher.fetchCalls != 1 {
		t.Fatalf("fetch calls = %d, want 1", fetcher.fetchCalls)
	}
}

func TestHatifyCacheHitHeader(t *testing.T) {
	renderer := &stubRenderer{fn: func(_ context.Context, _ overlay.Request) (overlay.Result, error) {
		return overlay.Result{Image: []byte{0xff, 0xd8, 0xff}, Faces: 1, FromCache: true}, nil
	}}
	srv := newTestServer(t, Deps{Renderer: renderer})

	req := httptest.NewRequest(http.MethodPost, "/v1/hatify", strings.NewReader(`{"url": "https://photos.example.com/a.jpg"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT", got)
	}
}

func TestHatifyRejectsMissingURL(t *testing.T) {
	srv := newTestServer(t, Deps{})

	req := httptest.NewRequest(http.MethodPost, "/v1/hatify", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHatifyRejectsOutOfRangeScale(t *testing.T) {
	srv := newTestServer(t, Deps{})

	req := httptest.NewRequest(http.MethodPost, "/v1/hatify", strings.NewReader(`{"url": "https://photos.example.com/a.jpg", "hat_scale": 9.5}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHatifyRejectsInternalURL(t *testing.T) {
	srv := newTestServer(t, Deps{})

	req := httptest.NewRequest(http.MethodPost, "/v1/hatify", strings.NewReader(`{"url": "http://169.254.169.254/latest/meta-data"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHatifyNoFacesMapsTo404(t *testing.T) {
	renderer := &stubRenderer{fn: func(_ context.Context, _ overlay.Request) (overlay.Result, error) {
		return overlay.Result{}, overlay.ErrNoFacesDetected
	}}
	srv := newTestServer(t, Deps{Renderer: renderer})

	req := httptest.NewRequest(http.MethodPost, "/v1/hatify", strings.NewReader(`{"url": "https://photos.example.com/a.jpg"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHatifyWithoutAssetMapsTo503(t *testing.T) {
	srv := newTestServer(t, Deps{Assets: asset.NewHolder(nil)})

	req := httptest.NewRequest(http.MethodPost, "/v1/hatify", strings.NewReader(`{"url": "https://photos.example.com/a.jpg"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func multipartBody(t *testing.T, fileData []byte, scale string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "photo.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(fileData); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if scale != "" {
		if err := writer.WriteField("hat_scale", scale); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func TestHatifyFromUpload(t *testing.T) {
	var gotReq overlay.Request
	renderer := &stubRenderer{fn: func(_ context.Context, req overlay.Request) (overlay.Result, error) {
		gotReq = req
		return overlay.Result{Image: []byte{0xff, 0xd8, 0xff}, Faces: 1}, nil
	}}
	srv := newTestServer(t, Deps{Renderer: renderer})

	body, contentType := multipartBody(t, pngBytes(t, 12, 9), "2.0")
	req := httptest.NewRequest(http.MethodPost, "/v1/hatify", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(gotReq.Image) == 0 {
		t.Fatal("expected inline image bytes")
	}
	if gotReq.HatScale != 2.0 {
		t.Fatalf("hat scale = %g, want 2.0", gotReq.HatScale)
	}
	if !strings.HasPrefix(gotReq.CacheKey, "processed/") {
		t.Fatalf("cache key = %q", gotReq.CacheKey)
	}
}

func TestHatifyUploadDimensionLimit(t *testing.T) {
	limits := testLimits()
	limits.MaxImagePixels = 50
	srv := newTestServer(t, Deps{Limits: limits})

	body, contentType := multipartBody(t, pngBytes(t, 10, 10), "")
	req := httptest.NewRequest(http.MethodPost, "/v1/hatify", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateAndGetJob(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	enqueuer := &stubEnqueuer{}
	srv := newTestServer(t, Deps{JobStore: jobStore, Queue: enqueuer})

	body := strings.NewReader(`{"source_url": "https://photos.example.com/a.jpg", "hat_scale": 1.5, "webhook_url": "https://hooks.example.com/done"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	jobID, _ := created["job_id"].(string)
	if jobID == "" {
		t.Fatal("expected job_id in response")
	}
	if created["status"] != domain.JobStatusQueued {
		t.Fatalf("status = %v, want queued", created["status"])
	}
	if len(enqueuer.payloads) != 1 || enqueuer.payloads[0].JobID != jobID {
		t.Fatalf("unexpected enqueued payloads: %+v", enqueuer.payloads)
	}

	getRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID, nil))
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d", getRec.Code)
	}
	var fetched map[string]any
	if err := json.Unmarshal(getRec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if fetched["status"] != domain.JobStatusQueued {
		t.Fatalf("fetched status = %v", fetched["status"])
	}
}

func TestGetJobIncludesResultWhenSucceeded(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	now := time.Now().UTC()
	_ = jobStore.Create(context.Background(), domain.Job{
		ID:        "job-9",
		Status:    domain.JobStatusSucceeded,
		SourceURL: "https://photos.example.com/a.jpg",
		HatScale:  1.0,
		OutputKey: "outputs/job-9.jpg",
		Faces:     3,
		FromCache: true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	srv := newTestServer(t, Deps{JobStore: jobStore, Queue: &stubEnqueuer{}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-9", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["faces"].(float64) != 3 {
		t.Fatalf("faces = %v", body["faces"])
	}
	if body["from_cache"] != true {
		t.Fatalf("from_cache = %v", body["from_cache"])
	}
	if body["output_key"] != "outputs/job-9.jpg" {
		t.Fatalf("output_key = %v", body["output_key"])
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := newTestServer(t, Deps{JobStore: store.NewMemoryJobStore(), Queue: &stubEnqueuer{}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestJobsDisabledWithoutQueue(t *testing.T) {
	srv := newTestServer(t, Deps{})

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"source_url": "https://photos.example.com/a.jpg"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestRateLimitRejection(t *testing.T) {
	limiter := &stubLimiter{decision: ratelimit.Decision{Allowed: false, Remaining: 0, RetryAfter: 3 * time.Second}}
	srv := newTestServer(t, Deps{RateLimiter: limiter})

	req := httptest.NewRequest(http.MethodPost, "/v1/hatify", strings.NewReader(`{"url": "https://photos.example.com/a.jpg"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Fatalf("Retry-After = %q", got)
	}
}

func TestRateLimitSkipsReads(t *testing.T) {
	limiter := &stubLimiter{decision: ratelimit.Decision{Allowed: false}}
	srv := newTestServer(t, Deps{RateLimiter: limiter})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/jobs/abc123": "/v1/jobs/{id}",
		"/v1/jobs":        "/v1/jobs",
		"/v1/hatify":      "/v1/hatify",
		"/healthz":        "/healthz",
		"/other":          "/other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
