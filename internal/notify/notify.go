// Package notify delivers job progress events to the owning application's
// callback endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"clipforge.systems/ingest/internal/ingest"
)

// callbackSecretHeader authenticates the worker to the callback receiver.
const callbackSecretHeader = "x-ingest-callback-secret"

// Webhook posts progress events as JSON to a fixed callback URL. Delivery is
// best-effort: failures are retried briefly, then logged and dropped, never
// surfaced into job state.
type Webhook struct {
	URL    string
	Secret string

	HTTP *http.Client
}

func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		URL:    url,
		Secret: secret,
		HTTP:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Configured reports whether a callback URL is set. An unconfigured webhook
// silently drops events, which keeps the pipeline usable in local setups.
func (w *Webhook) Configured() bool {
	return w != nil && strings.TrimSpace(w.URL) != ""
}

func (w *Webhook) Notify(ctx context.Context, ev ingest.ProgressEvent) {
	if !w.Configured() {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to encode progress event", "job_id", ev.ID, "error", err)
		return
	}

	backoff := retry.WithMaxRetries(2, retry.NewExponential(300*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if w.Secret != "" {
			req.Header.Set(callbackSecretHeader, w.Secret)
		}

		resp, err := w.HTTP.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("callback status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("callback status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		slog.Warn("progress callback failed",
			"job_id", ev.ID,
			"status", ev.Status,
			"progress", ev.Progress,
			"error", err)
		return
	}

	slog.Debug("progress callback sent",
		"job_id", ev.ID,
		"status", ev.Status,
		"progress", ev.Progress)
}
