// Package archive stores the original PDF bytes of harvested reports so the
// source document survives even if the portal removes it.
package archive

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// GCSArchiver writes objects to a Google Cloud Storage bucket. Authentication
// is handled via Application Default Credentials.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewGCS initializes the client and verifies bucket access so a bad
// configuration fails at startup rather than mid-run.
func NewGCS(ctx context.Context, bucket, prefix string, logger *zap.Logger) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close gcs client after attrs failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("gcs bucket %q attributes: %w", bucket, err)
	}
	return &GCSArchiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}, nil
}

// Archive uploads data and returns the object's gs:// URI.
func (g *GCSArchiver) Archive(ctx context.Context, path, contentType string, data []byte) (string, error) {
	object := path
	if g.prefix != "" {
		object = g.prefix + "/" + strings.TrimPrefix(path, "/")
	}
	wc := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			g.logger.Warn("close gcs writer after write failure", zap.Error(closeErr))
		}
		return "", fmt.Errorf("write gcs object %s: %w", object, err)
	}
	// Close finalizes the upload; an object does not exist until it succeeds.
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("close gcs writer for %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, object), nil
}

// Close releases the underlying client.
func (g *GCSArchiver) Close() error {
	return g.client.Close()
}

// NoopArchiver discards everything. Used when archival is disabled.
type NoopArchiver struct{}

// Archive reports an empty URI and no error.
func (NoopArchiver) Archive(_ context.Context, _, _ string, _ []byte) (string, error) {
	return "", nil
}
