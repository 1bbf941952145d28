// Package objectstore holds the object stores batches are staged in before a
// warehouse loads them.
package objectstore

import (
	"context"
	"errors"
	"fmt"
)

var ErrUnknownImplementation = errors.New("unknown object store implementation")

// Store keeps staged artifacts in a single bucket. It satisfies
// loader.ObjectStore and loader.ObjectDeleter.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	ImplS3     = "s3"
	ImplGCS    = "gcs"
	ImplMemory = "memory"
)

type Config struct {
	// Implementation is one of s3, gcs or memory.
	Implementation string `mapstructure:"implementation"`
	// Bucket is the bucket name, without any key prefix.
	Bucket string   `mapstructure:"bucket"`
	S3     S3Config `mapstructure:"s3"`
}

// Open creates the object store named by cfg.Implementation.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Implementation {
	case ImplS3:
		return NewS3(ctx, cfg.Bucket, cfg.S3)
	case ImplGCS:
		return NewGCS(ctx, cfg.Bucket)
	case ImplMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownImplementation, cfg.Implementation)
	}
}

// Scheme is the URI scheme a warehouse uses to read from the implementation.
func Scheme(implementation string) string {
	switch implementation {
	case ImplGCS:
		return "gs"
	case ImplMemory:
		return "memory"
	default:
		return "s3"
	}
}
