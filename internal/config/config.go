package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds the environment driven configuration shared by the API and
// worker binaries. Redis is optional: with REDIS_ADDR unset the worker falls
// back to scanning Postgres for pending jobs and the API skips both the
// dispatcher and the submission rate limiter.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"chatreel"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	PostgresDSN string `env:"POSTGRES_DSN,notEmpty"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Queue behavior. A render can legitimately take minutes, so the lease is
	// generous and extended again right before the render call.
	EnqueueTimeout    time.Duration `env:"ENQUEUE_TIMEOUT" envDefault:"2s"`
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"5m"`
	MaxDeliveries     int           `env:"MAX_DELIVERIES" envDefault:"3"`
	RequeueBackoff    time.Duration `env:"REQUEUE_BACKOFF" envDefault:"5s"`
	RequeueBackoffMax time.Duration `env:"REQUEUE_BACKOFF_MAX" envDefault:"2m"`

	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"3s"`
	PendingScanBatch   int           `env:"PENDING_SCAN_BATCH" envDefault:"20"`
	WorkDir            string        `env:"WORK_DIR"`

	RendererURL        string        `env:"RENDERER_URL" envDefault:"http://localhost:3033"`
	RenderTimeout      time.Duration `env:"RENDER_TIMEOUT" envDefault:"10m"`
	DefaultComposition string        `env:"DEFAULT_COMPOSITION" envDefault:"ChatVideo"`
	FramesPerMessage   int           `env:"FRAMES_PER_MESSAGE" envDefault:"90"`
	TailFrames         int           `env:"TAIL_FRAMES" envDefault:"60"`
	MinDurationFrames  int           `env:"MIN_DURATION_FRAMES" envDefault:"150"`

	S3Bucket       string        `env:"S3_BUCKET,notEmpty"`
	S3Region       string        `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint     string        `env:"S3_ENDPOINT"`
	S3AccessKeyID  string        `env:"S3_ACCESS_KEY_ID"`
	S3SecretKey    string        `env:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle bool          `env:"S3_USE_PATH_STYLE" envDefault:"false"`
	SignTTL        time.Duration `env:"SIGN_TTL" envDefault:"60m"`

	DownloadPollInterval time.Duration `env:"DOWNLOAD_POLL_INTERVAL" envDefault:"1500ms"`
	DownloadWaitCap      time.Duration `env:"DOWNLOAD_WAIT_CAP" envDefault:"25s"`

	AuthSecret string `env:"AUTH_HS256_SECRET"`

	RateLimitCapacity int     `env:"RATE_LIMIT_CAPACITY" envDefault:"10"`
	RateLimitRefill   float64 `env:"RATE_LIMIT_REFILL_PER_SEC" envDefault:"0.5"`
}

// Load parses environment variables into Config. Missing required values
// (Postgres DSN, S3 bucket) are configuration errors and abort startup.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}

	cfg.S3Bucket = strings.TrimSpace(cfg.S3Bucket)
	cfg.RendererURL = strings.TrimRight(strings.TrimSpace(cfg.RendererURL), "/")
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 1
	}
	if cfg.DownloadPollInterval <= 0 {
		cfg.DownloadPollInterval = 1500 * time.Millisecond
	}
	if cfg.DownloadWaitCap < cfg.DownloadPollInterval {
		cfg.DownloadWaitCap = cfg.DownloadPollInterval
	}
	return cfg, nil
}

// QueueEnabled reports whether a Redis dispatcher is configured.
func (c Config) QueueEnabled() bool {
	return c.RedisAddr != ""
}
