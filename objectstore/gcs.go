package objectstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCS stores artifacts in a Google Cloud Storage bucket using application
// default credentials.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket not set")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCS{client: client, bucket: client.Bucket(bucket), name: bucket}, nil
}

func (g *GCS) Put(ctx context.Context, key string, data []byte) error {
	w := g.bucket.Object(key).NewWriter(ctx)
	w.ContentType = "text/plain"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing gs://%s/%s: %w", g.name, key, err)
	}
	// The object is only committed when Close succeeds.
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing gs://%s/%s: %w", g.name, key, err)
	}
	return nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	if err := g.bucket.Object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting gs://%s/%s: %w", g.name, key, err)
	}
	return nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
