package upload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"clipforge.systems/ingest/internal/config"
)

func TestSelect_CloudflarePrecedenceAndFailFast(t *testing.T) {
	ctx := context.Background()

	sink, err := Select(ctx, &config.Config{
		CloudflareAccountID: "acct",
		CloudflareAPIToken:  "tok",
	})
	require.NoError(t, err)
	require.Equal(t, "cloudflare-stream", sink.Name())

	// Half-configured Cloudflare must not fall through to local serving.
	_, err = Select(ctx, &config.Config{CloudflareAccountID: "acct"})
	require.Error(t, err)
	_, err = Select(ctx, &config.Config{CloudflareAPIToken: "tok"})
	require.Error(t, err)
}

func TestSelect_LocalFallback(t *testing.T) {
	sink, err := Select(context.Background(), &config.Config{
		MediaDir:        t.TempDir(),
		WorkerPublicURL: "http://localhost:8080",
	})
	require.NoError(t, err)
	require.Equal(t, "local", sink.Name())
}

func TestLocal_Upload(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(dir, "https://worker.example.com/")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, os.WriteFile(src, []byte("mp4-bytes"), 0o644))

	var lastPercent int
	res, err := l.Upload(context.Background(), src, "ingest/job-1.mp4", "video/mp4", func(p int) {
		lastPercent = p
	})
	require.NoError(t, err)
	require.Equal(t, "https://worker.example.com/media/ingest/job-1.mp4", res.MediaURL)
	require.Empty(t, res.CFUID)
	require.Equal(t, 100, lastPercent)

	copied, err := os.ReadFile(filepath.Join(dir, "ingest", "job-1.mp4"))
	require.NoError(t, err)
	require.Equal(t, "mp4-bytes", string(copied))
}

func TestStream_CreateDirectUpload(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Write([]byte(`{"success":true,"result":{"uploadURL":"https://upload.example.com/tus/abc","uid":"abc123"}}`))
	}))
	defer srv.Close()

	s := NewStream("acct-1", "tok-1")
	s.apiBase = srv.URL

	uploadURL, uid, err := s.createDirectUpload(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://upload.example.com/tus/abc", uploadURL)
	require.Equal(t, "abc123", uid)
	require.Equal(t, "Bearer tok-1", gotAuth)
	require.Equal(t, "/accounts/acct-1/stream/direct_upload", gotPath)
}

func TestStream_CreateDirectUpload_MissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"result":{}}`))
	}))
	defer srv.Close()

	s := NewStream("acct", "tok")
	s.apiBase = srv.URL

	_, _, err := s.createDirectUpload(context.Background())
	require.Error(t, err)
}
