package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ProcessingQueue != "processing_queue" {
		t.Errorf("ProcessingQueue = %q, want processing_queue", cfg.ProcessingQueue)
	}
	if cfg.RawExchange != "raw_data_exchange" {
		t.Errorf("RawExchange = %q, want raw_data_exchange", cfg.RawExchange)
	}
	if cfg.ProcessorPrefetch != 1 || cfg.MediaPrefetch != 2 {
		t.Errorf("prefetch defaults = %d/%d, want 1/2", cfg.ProcessorPrefetch, cfg.MediaPrefetch)
	}
}

func TestDatabaseDSN(t *testing.T) {
	c := &Config{DatabaseURL: "postgres://explicit/db"}
	if got := c.DatabaseDSN(); got != "postgres://explicit/db" {
		t.Errorf("DatabaseDSN() = %q, want explicit URL", got)
	}

	c = &Config{DBUser: "u", DBPassword: "p w", DBHost: "db", DBPort: 5433, DBName: "lab"}
	want := "postgres://u:p+w@db:5433/lab"
	if got := c.DatabaseDSN(); got != want {
		t.Errorf("DatabaseDSN() = %q, want %q", got, want)
	}
}

func TestAMQPURL(t *testing.T) {
	c := &Config{RabbitURL: "amqp://broker/"}
	if got := c.AMQPURL(); got != "amqp://broker/" {
		t.Errorf("AMQPURL() = %q, want explicit URL", got)
	}

	c = &Config{RabbitUser: "guest", RabbitPassword: "guest", RabbitHost: "mq", RabbitPort: 5672}
	want := "amqp://guest:guest@mq:5672/"
	if got := c.AMQPURL(); got != want {
		t.Errorf("AMQPURL() = %q, want %q", got, want)
	}
}

func TestMinioURL(t *testing.T) {
	c := &Config{MinioEndpoint: "minio", MinioPort: 9000}
	if got := c.MinioURL(); got != "http://minio:9000" {
		t.Errorf("MinioURL() = %q, want http://minio:9000", got)
	}
	c.MinioUseSSL = true
	if got := c.MinioURL(); got != "https://minio:9000" {
		t.Errorf("MinioURL() = %q, want https://minio:9000", got)
	}
}
