// Package ingest implements the video ingest job pipeline: fetch via yt-dlp,
// normalize via ffmpeg, upload, and report progress through callbacks.
package ingest

import (
	"context"
	"net/url"
	"regexp"
	"strings"
)

// Status is the job lifecycle state carried on progress events. Transitions
// are monotonic on the success path; failed is reachable from any
// non-terminal state.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing" // trim jobs, which skip the fetch
	StatusTranscoding Status = "transcoding"
	StatusUploading   Status = "uploading"
	StatusFinalizing  Status = "finalizing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// SourceType is the caller-declared platform of the source URL.
type SourceType string

const (
	SourceYouTube  SourceType = "youtube"
	SourceX        SourceType = "x"
	SourceFacebook SourceType = "facebook"
	SourceReddit   SourceType = "reddit"
	SourceTikTok   SourceType = "tiktok"
	SourceAudio    SourceType = "audio"
)

// ParseSourceType maps a raw type string to a known SourceType, defaulting to
// youtube when unrecognized.
func ParseSourceType(raw string) SourceType {
	switch SourceType(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceX:
		return SourceX
	case SourceFacebook:
		return SourceFacebook
	case SourceReddit:
		return SourceReddit
	case SourceTikTok:
		return SourceTikTok
	case SourceAudio:
		return SourceAudio
	default:
		return SourceYouTube
	}
}

// Hints carry extraction parameters discovered out-of-band (typically from
// the credential broker) that should survive a retry.
type Hints struct {
	UserAgent    string
	PlayerClient string
}

// Job is one user-initiated video request.
type Job struct {
	ID        string
	SourceURL string
	Type      SourceType

	// Optional per-job credentials. CookiesB64 wins over Cookies; with
	// neither set, UserID selects cached or broker-fetched cookies.
	CookiesB64 string
	Cookies    string
	UserID     string

	Hints Hints
}

// TrimJob re-cuts an already-ingested asset. It reuses the transcode and
// upload stages directly against an existing media URL.
type TrimJob struct {
	ID        string
	SourceURL string
	StartSec  float64
	EndSec    float64
	PostID    string
}

// ProgressEvent is the wire contract between the pipeline and the owning
// application. The receiver owns durable storage of job status; nothing is
// persisted here.
type ProgressEvent struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	MediaURL string `json:"mediaUrl,omitempty"`
	CFUID    string `json:"cfUid,omitempty"`
	CFStatus string `json:"cfStatus,omitempty"`
	Error    string `json:"error,omitempty"`
	PostID   string `json:"postId,omitempty"`
	Title    string `json:"title,omitempty"`
}

// Notifier delivers progress events. Delivery is best-effort: implementations
// must never let a callback failure propagate into job status.
type Notifier interface {
	Notify(ctx context.Context, ev ProgressEvent)
}

var percentEncoded = regexp.MustCompile(`%[0-9A-Fa-f]{2}`)

// NormalizeSourceURL percent-decodes a URL exactly once when it looks
// percent-encoded and still parses afterwards. Callers sometimes
// double-encode URLs in transit; decoding twice would corrupt legitimate
// escapes.
func NormalizeSourceURL(raw string) string {
	if !percentEncoded.MatchString(raw) {
		return raw
	}
	dec, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	if _, err := url.ParseRequestURI(dec); err != nil {
		return raw
	}
	return dec
}
