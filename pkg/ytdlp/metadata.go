package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Info models the common fields of yt-dlp's JSON output. The full document is
// preserved in Raw.
type Info struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	WebpageURL string          `json:"webpage_url"`
	Extractor  string          `json:"extractor"`
	Uploader   string          `json:"uploader"`
	Duration   float64         `json:"duration"`
	Raw        json.RawMessage `json:"-"`
}

// GetInfo runs yt-dlp in metadata-only mode (--dump-single-json
// --skip-download) under the given identity and parses the JSON output.
func (c *Client) GetInfo(ctx context.Context, url string, id Identity) (*Info, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("ytdlp: url is required")
	}

	args := []string{"--dump-single-json", "--skip-download"}
	args = append(args, robustnessArgs(id)...)
	args = append(args, c.cookieArgs()...)
	args = append(args, url)

	stdout, _, err := c.exec(ctx, args...)
	if err != nil {
		return nil, err
	}

	raw := bytes.TrimSpace([]byte(stdout))
	info := &Info{Raw: append([]byte(nil), raw...)}
	if err := json.Unmarshal(raw, info); err != nil {
		return nil, fmt.Errorf("ytdlp: parse json: %w", err)
	}
	return info, nil
}
