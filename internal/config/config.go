package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/hibiken/asynq"
)

const (
	MinHatScale = 0.1
	MaxHatScale = 5.0
)

type Config struct {
	API      APIConfig
	Asset    AssetConfig
	Detector DetectorConfig
	Limits   LimitsConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Storage  StorageConfig
	Database DatabaseConfig
	Tracing  TracingConfig
}

type APIConfig struct {
	Addr              string
	RateLimitCapacity int
	RateLimitWindowMS int
}

type AssetConfig struct {
	HatImagePath string
}

type DetectorConfig struct {
	CascadePath string
	PuplocPath  string
}

type LimitsConfig struct {
	MaxFileSizeMB      int
	MaxImageWidth      int
	MaxImageHeight     int
	MaxImagePixels     int
	MaxFaces           int
	MaxURLLength       int
	URLFetchTimeoutSec int
}

func (l LimitsConfig) MaxFileSizeBytes() int64 {
	return int64(l.MaxFileSizeMB) << 20
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int
	MaxActiveJobs int
	OutputPrefix  string
	WebhookSecret string
	MetricsAddr   string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	DSN string
}

type TracingConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:              env("HATRACK_API_ADDR", ":8080"),
			RateLimitCapacity: envInt("HATRACK_RATE_LIMIT_CAPACITY", 30),
			RateLimitWindowMS: envInt("HATRACK_RATE_LIMIT_WINDOW_MS", 60_000),
		},
		Asset: AssetConfig{
			HatImagePath: env("HATRACK_HAT_IMAGE", "./static/santa_hat.png"),
		},
		Detector: DetectorConfig{
			CascadePath: env("HATRACK_CASCADE_FILE", "./cascade/facefinder"),
			PuplocPath:  env("HATRACK_PUPLOC_FILE", ""),
		},
		Limits: LimitsConfig{
			MaxFileSizeMB:      envInt("MAX_FILE_SIZE_MB", 10),
			MaxImageWidth:      envInt("MAX_IMAGE_WIDTH", 4000),
			MaxImageHeight:     envInt("MAX_IMAGE_HEIGHT", 4000),
			MaxImagePixels:     envInt("MAX_IMAGE_PIXELS", 16_000_000),
			MaxFaces:           envInt("MAX_FACES", 10),
			MaxURLLength:       envInt("MAX_URL_LENGTH", 2048),
			URLFetchTimeoutSec: envInt("URL_FETCH_TIMEOUT_SECONDS", 30),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:   envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs: envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			OutputPrefix:  env("WORKER_OUTPUT_PREFIX", "outputs"),
			WebhookSecret: env("WEBHOOK_SIGNING_SECRET", ""),
			MetricsAddr:   env("WORKER_METRICS_ADDR", ":9090"),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", ""),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Tracing: TracingConfig{
			Exporter:     env("TRACE_EXPORTER", "none"),
			OTLPEndpoint: env("TRACE_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("TRACE_OTLP_INSECURE", false),
			SampleRatio:  envFloat("TRACE_SAMPLE_RATIO", 1.0),
		},
	}
}

// ValidateHatScale enforces the boundary-layer scale range; the placement
// engine only rejects non-positive values.
func ValidateHatScale(scale float64) error {
	if scale < MinHatScale || scale > MaxHatScale {
		return fmt.Errorf("hat_scale must be between %g and %g, got %g", MinHatScale, MaxHatScale, scale)
	}
	return nil
}

// blockedURLPatterns covers loopback, private networks and cloud metadata
// endpoints.
var blockedURLPatterns = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
	"169.254.169.254",
	"[::1]",
	"10.",
	"172.16.",
	"192.168.",
}

// ValidateURLSafety rejects source URLs that could reach internal networks.
func (l LimitsConfig) ValidateURLSafety(rawURL string) error {
	if len(rawURL) > l.MaxURLLength {
		return fmt.Errorf("url too long (max %d characters)", l.MaxURLLength)
	}

	lower := strings.ToLower(rawURL)
	for _, pattern := range blockedURLPatterns {
		if strings.Contains(lower, pattern) {
			return fmt.Errorf("urls pointing to private or internal networks are not allowed")
		}
	}

	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return fmt.Errorf("url must start with http:// or https://")
	}
	return nil
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
