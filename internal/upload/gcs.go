package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"
	"github.com/dustin/go-humanize"
	"google.golang.org/api/option"
)

// GCS uploads to a plain Google Cloud Storage bucket and serves assets over
// the public storage.googleapis.com endpoint.
type GCS struct {
	client     *storage.Client
	bucketName string
}

func NewGCS(ctx context.Context, bucketName, credentialsJSON string) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("upload: init gcs client: %w", err)
	}
	return &GCS{client: client, bucketName: bucketName}, nil
}

func (g *GCS) Name() string { return "gcs" }

func (g *GCS) Upload(ctx context.Context, localPath, objectPath, contentType string, progress ProgressFunc) (*Result, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("upload: open %s: %w", localPath, err)
	}
	defer src.Close()

	obj := g.client.Bucket(g.bucketName).Object(objectPath)
	w := obj.NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}

	n, err := io.Copy(w, src)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("upload: write %s: %w", objectPath, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("upload: finalize %s: %w", objectPath, err)
	}
	if progress != nil {
		progress(100)
	}

	// Uniform bucket-level access rejects per-object ACLs; the bucket policy
	// decides visibility either way.
	if err := obj.ACL().Set(ctx, storage.AllUsers, storage.RoleReader); err != nil {
		slog.Warn("could not set public-read ACL", "object", objectPath, "error", err)
	}

	slog.Info("uploaded to gcs",
		"bucket", g.bucketName,
		"object", objectPath,
		"size", humanize.Bytes(uint64(n)))

	return &Result{
		MediaURL: fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucketName, objectPath),
	}, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
