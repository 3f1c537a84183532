package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// Local is the fallback backend for single-node deployments: finished media
// is copied under the serving directory and addressed through the worker's
// own /media routes.
type Local struct {
	dir       string
	publicURL string
}

func NewLocal(dir, publicURL string) (*Local, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "ingest-media")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create media dir: %w", err)
	}
	return &Local{dir: dir, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

func (l *Local) Name() string { return "local" }

// Dir returns the serving directory, for wiring static routes.
func (l *Local) Dir() string { return l.dir }

func (l *Local) Upload(ctx context.Context, localPath, objectPath, contentType string, progress ProgressFunc) (*Result, error) {
	dest := filepath.Join(l.dir, filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("upload: create media subdir: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("upload: open %s: %w", localPath, err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("upload: create %s: %w", dest, err)
	}

	n, err := io.Copy(out, src)
	if err != nil {
		out.Close()
		os.Remove(dest)
		return nil, fmt.Errorf("upload: copy to %s: %w", dest, err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("upload: close %s: %w", dest, err)
	}
	if progress != nil {
		progress(100)
	}

	slog.Info("stored media locally", "path", dest, "size", humanize.Bytes(uint64(n)))

	return &Result{
		MediaURL: fmt.Sprintf("%s/media/%s", l.publicURL, objectPath),
	}, nil
}
