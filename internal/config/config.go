package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the environment-driven settings shared by all pipeline
// services. Each service reads the subset it needs; unset optional
// values fall back to the struct defaults.
type Config struct {
	// Database: DATABASE_URL wins; otherwise assembled from parts.
	DatabaseURL string `env:"DATABASE_URL"`
	DBUser      string `env:"DB_USER" envDefault:"postgres"`
	DBPassword  string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBHost      string `env:"DB_HOST" envDefault:"localhost"`
	DBPort      int    `env:"DB_PORT" envDefault:"5432"`
	DBName      string `env:"DB_NAME" envDefault:"biopipe"`

	// Broker: RABBITMQ_URL wins; otherwise assembled from parts.
	RabbitURL      string `env:"RABBITMQ_URL"`
	RabbitUser     string `env:"RABBITMQ_USER" envDefault:"guest"`
	RabbitPassword string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	RabbitHost     string `env:"RABBITMQ_HOST" envDefault:"localhost"`
	RabbitPort     int    `env:"RABBITMQ_PORT" envDefault:"5672"`

	// Object store (MinIO or any S3-compatible endpoint).
	MinioEndpoint  string `env:"MINIO_ENDPOINT" envDefault:"localhost"`
	MinioPort      int    `env:"MINIO_PORT" envDefault:"9000"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY" envDefault:"minioadmin"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY" envDefault:"minioadmin"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
	MinioRegion    string `env:"MINIO_REGION" envDefault:"us-east-1"`

	RawBucket   string `env:"RAW_DATA_BUCKET" envDefault:"raw-data"`
	MediaBucket string `env:"MEDIA_BUCKET" envDefault:"media"`

	RawExchange     string `env:"RAW_DATA_EXCHANGE" envDefault:"raw_data_exchange"`
	ProcessingQueue string `env:"PROCESSING_QUEUE" envDefault:"processing_queue"`
	MediaQueue      string `env:"MEDIA_QUEUE" envDefault:"media_processing_queue"`
	CorrectionQueue string `env:"EVENT_CORRECTION_QUEUE" envDefault:"event_correction_queue"`

	ProcessorPrefetch int `env:"PROCESSOR_PREFETCH" envDefault:"1"`
	MediaPrefetch     int `env:"MEDIA_PREFETCH" envDefault:"2"`
	CorrectorPrefetch int `env:"CORRECTOR_PREFETCH" envDefault:"1"`

	// Collector spool directory for offline sensor dumps. Empty disables
	// the watcher.
	SpoolDir    string `env:"SPOOL_DIR"`
	SpoolUserID string `env:"SPOOL_USER_ID" envDefault:"spool"`

	LinkerInterval time.Duration `env:"LINKER_INTERVAL" envDefault:"30s"`

	Port         int           `env:"PORT" envDefault:"8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from an optional .env file and the process
// environment. Environment variables win over .env entries.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// DatabaseDSN returns the Postgres connection string, assembling it from
// parts when DATABASE_URL is unset.
func (c *Config) DatabaseDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword),
		c.DBHost, c.DBPort, c.DBName)
}

// AMQPURL returns the broker URL, assembling it from parts when
// RABBITMQ_URL is unset.
func (c *Config) AMQPURL() string {
	if c.RabbitURL != "" {
		return c.RabbitURL
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/",
		url.QueryEscape(c.RabbitUser), url.QueryEscape(c.RabbitPassword),
		c.RabbitHost, c.RabbitPort)
}

// MinioURL returns the object-store endpoint URL.
func (c *Config) MinioURL() string {
	scheme := "http"
	if c.MinioUseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.MinioEndpoint, c.MinioPort)
}

// HTTPAddr returns the listen address for the service's HTTP server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
