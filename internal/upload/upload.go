// Package upload publishes finished media files to one of several storage
// backends. Exactly one backend is selected at startup from configuration;
// jobs never mix backends.
package upload

import (
	"context"
	"fmt"

	"clipforge.systems/ingest/internal/config"
)

// ProgressFunc receives upload percentages in the 0-100 range. Backends that
// cannot observe transfer progress may call it sparsely or not at all.
type ProgressFunc func(percent int)

// Result describes where an uploaded asset ended up.
type Result struct {
	// MediaURL is the publicly reachable URL of the asset.
	MediaURL string

	// CFUID and CFStatus are set only by the Cloudflare Stream backend.
	CFUID    string
	CFStatus string
}

// Sink is one storage backend.
type Sink interface {
	// Name identifies the backend in logs.
	Name() string

	// Upload copies localPath to objectPath within the backend and returns
	// its public location. contentType may be empty.
	Upload(ctx context.Context, localPath, objectPath, contentType string, progress ProgressFunc) (*Result, error)
}

// Select picks the storage backend from configuration, in fixed precedence:
// Firebase Storage, then GCS, then Cloudflare Stream, then local disk. A
// partially configured backend is a startup error rather than a silent
// fallthrough, since falling through would publish media somewhere the
// operator did not intend.
func Select(ctx context.Context, cfg *config.Config) (Sink, error) {
	if cfg.FirebaseBucket != "" {
		return NewFirebase(ctx, cfg.FirebaseBucket, cfg.FirebaseProjectID, cfg.GoogleCredentialsJSON)
	}
	if cfg.GCSBucket != "" {
		return NewGCS(ctx, cfg.GCSBucket, cfg.GoogleCredentialsJSON)
	}
	if cfg.CloudflareAccountID != "" || cfg.CloudflareAPIToken != "" {
		if cfg.CloudflareAccountID == "" || cfg.CloudflareAPIToken == "" {
			return nil, fmt.Errorf("upload: cloudflare stream requires both CLOUDFLARE_ACCOUNT_ID and CLOUDFLARE_API_TOKEN")
		}
		return NewStream(cfg.CloudflareAccountID, cfg.CloudflareAPIToken), nil
	}
	return NewLocal(cfg.MediaDir, cfg.WorkerPublicURL)
}
