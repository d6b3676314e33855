// Package storage provides the object-store capability used by the
// pipeline services: put/get/exists plus bucket bootstrap. The concrete
// backend is any S3-compatible endpoint (MinIO in deployments); tests
// substitute in-memory doubles.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ObjectStore abstracts the object-store operations the pipeline needs.
type ObjectStore interface {
	// Put stores data under bucket/key. Tags are attached as object tags
	// where the backend supports them.
	Put(ctx context.Context, bucket, key string, data []byte, contentType string, tags map[string]string) error

	// Get retrieves the full object.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Exists reports whether the object is present.
	Exists(ctx context.Context, bucket, key string) (bool, error)

	// EnsureBucket creates the bucket if it does not exist.
	EnsureBucket(ctx context.Context, bucket string) error

	// HealthCheck verifies the endpoint is reachable.
	HealthCheck(ctx context.Context) error
}

// EnsureBucketWithRetry calls EnsureBucket with exponential backoff.
// Object stores routinely come up after the services in a fresh
// deployment, so startup waits for the bucket rather than failing.
func EnsureBucketWithRetry(ctx context.Context, store ObjectStore, bucket string, attempts int, log zerolog.Logger) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = store.EnsureBucket(ctx, bucket); err == nil {
			return nil
		}

		delay := time.Duration(1<<i) * time.Second
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
		log.Warn().Err(err).
			Str("bucket", bucket).
			Int("attempt", i+1).
			Dur("retry_in", delay).
			Msg("bucket bootstrap failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("ensure bucket %s: %w", bucket, err)
}
