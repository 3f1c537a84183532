package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	cloudstorage "cloud.google.com/go/storage"
	firebase "firebase.google.com/go/v4"
	"github.com/dustin/go-humanize"
	"google.golang.org/api/option"
)

// Firebase uploads to a Firebase Storage bucket and serves assets through the
// Firebase download endpoint, which honors the bucket's security rules.
type Firebase struct {
	bucket     *cloudstorage.BucketHandle
	bucketName string
}

// NewFirebase initializes the Firebase app and resolves its default bucket.
// credentialsJSON may be empty, in which case application default credentials
// apply.
func NewFirebase(ctx context.Context, bucketName, projectID, credentialsJSON string) (*Firebase, error) {
	conf := &firebase.Config{
		StorageBucket: bucketName,
		ProjectID:     projectID,
	}
	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}

	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("upload: init firebase app: %w", err)
	}
	client, err := app.Storage(ctx)
	if err != nil {
		return nil, fmt.Errorf("upload: init firebase storage: %w", err)
	}
	bucket, err := client.DefaultBucket()
	if err != nil {
		return nil, fmt.Errorf("upload: resolve firebase bucket: %w", err)
	}

	return &Firebase{bucket: bucket, bucketName: bucketName}, nil
}

func (f *Firebase) Name() string { return "firebase" }

func (f *Firebase) Upload(ctx context.Context, localPath, objectPath, contentType string, progress ProgressFunc) (*Result, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("upload: open %s: %w", localPath, err)
	}
	defer src.Close()

	obj := f.bucket.Object(objectPath)
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

	// Best effort; bucket policy may already grant public reads.
	if err := obj.ACL().Set(ctx, cloudstorage.AllUsers, cloudstorage.RoleReader); err != nil {
		slog.Warn("could not set public-read ACL", "object", objectPath, "error", err)
	}

	slog.Info("uploaded to firebase storage",
		"object", objectPath,
		"size", humanize.Bytes(uint64(n)))

	return &Result{
		MediaURL: fmt.Sprintf("https://storage.googleapis.com/%s/%s", f.bucketName, objectPath),
	}, nil
}
