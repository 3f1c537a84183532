package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	tus "github.com/eventials/go-tus"
)

const cloudflareAPIBase = "https://api.cloudflare.com/client/v4"

// Stream uploads to Cloudflare Stream: a direct-upload slot is created over
// the REST API, then the file is sent to the returned one-time URL with the
// tus protocol. Stream assets are addressed by uid rather than URL, so
// Result.MediaURL stays empty and Result.CFUID is set.
type Stream struct {
	accountID string
	apiToken  string

	apiBase string
	http    *http.Client
}

func NewStream(accountID, apiToken string) *Stream {
	return &Stream{
		accountID: accountID,
		apiToken:  apiToken,
		apiBase:   cloudflareAPIBase,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *Stream) Name() string { return "cloudflare-stream" }

type directUploadResult struct {
	Result struct {
		UploadURL string `json:"uploadURL"`
		UID       string `json:"uid"`
	} `json:"result"`
	Success bool `json:"success"`
}

func (s *Stream) createDirectUpload(ctx context.Context) (uploadURL, uid string, err error) {
	body, _ := json.Marshal(map[string]any{
		"requireSignedURLs":     false,
		"thumbnailTimestampPct": 0,
	})
	url := fmt.Sprintf("%s/accounts/%s/stream/direct_upload", s.apiBase, s.accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("upload: create direct upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", "", fmt.Errorf("upload: create direct upload: status %d: %s", resp.StatusCode, msg)
	}

	var out directUploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("upload: parse direct upload response: %w", err)
	}
	if out.Result.UploadURL == "" || out.Result.UID == "" {
		return "", "", fmt.Errorf("upload: direct upload response missing uploadURL or uid")
	}
	return out.Result.UploadURL, out.Result.UID, nil
}

func (s *Stream) Upload(ctx context.Context, localPath, objectPath, contentType string, progress ProgressFunc) (*Result, error) {
	uploadURL, uid, err := s.createDirectUpload(ctx)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("upload: open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("upload: stat %s: %w", localPath, err)
	}

	cfg := tus.DefaultConfig()
	cfg.ChunkSize = 8 << 20
	client, err := tus.NewClient(uploadURL, cfg)
	if err != nil {
		return nil, fmt.Errorf("upload: init tus client: %w", err)
	}

	u, err := tus.NewUploadFromFile(f)
	if err != nil {
		return nil, fmt.Errorf("upload: prepare tus upload: %w", err)
	}
	u.Metadata["filename"] = objectPath
	if contentType != "" {
		u.Metadata["filetype"] = contentType
	}

	uploader, err := client.CreateUpload(u)
	if err != nil {
		return nil, fmt.Errorf("upload: create tus upload: %w", err)
	}

	if progress != nil {
		updates := make(chan tus.Upload, 16)
		uploader.NotifyUploadProgress(updates)
		go func() {
			for up := range updates {
				progress(int(up.Progress()))
			}
		}()
		defer close(updates)
	}

	if err := uploader.Upload(); err != nil {
		return nil, fmt.Errorf("upload: tus upload: %w", err)
	}

	slog.Info("uploaded to cloudflare stream",
		"uid", uid,
		"size", humanize.Bytes(uint64(info.Size())))

	return &Result{CFUID: uid, CFStatus: "uploaded"}, nil
}
