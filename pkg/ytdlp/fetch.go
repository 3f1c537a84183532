package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"clipforge.systems/ingest/pkg/execx"
)

// RawBase is the filename stem the fetch writes into the working directory.
// The extension is whatever container yt-dlp ends up with, so callers discover
// the real file afterwards via DiscoverRaw.
const RawBase = "raw"

// appGateMessage is the platform error for content blocked on the current
// player client. Unlike most extraction failures it is reliably resolved by
// switching client identity or UA, so it gets an immediate fast-path retry.
const appGateMessage = "The following content is not available on this app"

// formatSelector prefers an mp4 pair but falls back to best available;
// remuxing happens later in the transcode step anyway.
const formatSelector = "bv*[ext=mp4]+ba[ext=m4a]/b[ext=mp4]/bv*+ba/b"

// IsAppGate reports whether err carries the app-gating signature.
func IsAppGate(err error) bool {
	if err == nil {
		return false
	}
	var ee *execx.ExecError
	if errors.As(err, &ee) {
		return strings.Contains(ee.Stderr, appGateMessage) || strings.Contains(ee.Stdout, appGateMessage)
	}
	return strings.Contains(err.Error(), appGateMessage)
}

// Fetch downloads the media at url into destDir and returns the path of the
// produced raw file. It tries each configured identity in order and stops at
// the first success; if every identity fails the returned error aggregates
// all attempts. An app-gate failure triggers one immediate out-of-order retry
// with the next identity whose player client differs, before the general
// cycle resumes.
func (c *Client) Fetch(ctx context.Context, url string, destDir string) (string, error) {
	if strings.TrimSpace(url) == "" {
		return "", fmt.Errorf("ytdlp: url is required")
	}
	if strings.TrimSpace(destDir) == "" {
		return "", fmt.Errorf("ytdlp: destDir is required")
	}

	plan := c.identities()
	var attemptErrs []error
	tried := make(map[string]bool, len(plan))

	attempt := func(id Identity) error {
		tried[id.Name] = true
		slog.Info("ytdlp: fetch attempt", "identity", id.Name, "player_client", id.PlayerClient)
		_, _, err := c.exec(ctx, c.fetchArgs(url, destDir, id)...)
		if err != nil {
			attemptErrs = append(attemptErrs, fmt.Errorf("identity %s: %w", id.Name, err))
		}
		return err
	}

	for i := 0; i < len(plan); i++ {
		id := plan[i]
		if tried[id.Name] {
			continue
		}

		err := attempt(id)
		if err == nil {
			return c.DiscoverRaw(destDir)
		}
		if ctx.Err() != nil {
			break
		}

		if IsAppGate(err) {
			if alt, ok := alternateClient(plan, i); ok && !tried[alt.Name] {
				slog.Warn("ytdlp: app gate reported, fast-path retry with alternate client",
					"failed_identity", id.Name, "retry_identity", alt.Name)
				if attempt(alt) == nil {
					return c.DiscoverRaw(destDir)
				}
				if ctx.Err() != nil {
					break
				}
			}
		}
	}

	return "", fmt.Errorf("ytdlp: all extractor identities failed for %s: %w", url, errors.Join(attemptErrs...))
}

// fetchArgs builds one attempt's argv. The output template keeps the raw base
// name with a wildcard extension since the final container isn't known ahead
// of time.
func (c *Client) fetchArgs(url, destDir string, id Identity) []string {
	args := []string{
		"-f", formatSelector,
		"-o", filepath.Join(destDir, RawBase+".%(ext)s"),
	}
	args = append(args, robustnessArgs(id)...)
	args = append(args, c.cookieArgs()...)
	args = append(args, url)
	return args
}

// alternateClient returns the first identity after index i with a different
// player client than plan[i].
func alternateClient(plan []Identity, i int) (Identity, bool) {
	for j := i + 1; j < len(plan); j++ {
		if plan[j].PlayerClient != plan[i].PlayerClient {
			return plan[j], true
		}
	}
	return Identity{}, false
}

// rawExtPreference orders candidates when more than one raw.* file exists.
// That shouldn't happen, but partial artifacts from aborted merges can leave
// strays behind.
var rawExtPreference = []string{".mp4", ".mkv", ".webm", ".m4v"}

// DiscoverRaw locates the file the fetch produced: the raw base name with any
// extension, preferring common video containers.
func (c *Client) DiscoverRaw(destDir string) (string, error) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return "", fmt.Errorf("ytdlp: scan working dir: %w", err)
	}

	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), RawBase+".") {
			candidates = append(candidates, e.Name())
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("ytdlp: no %s.* file produced in %s", RawBase, destDir)
	}

	best := candidates[0]
	bestRank := extRank(best)
	for _, name := range candidates[1:] {
		if r := extRank(name); r < bestRank {
			best, bestRank = name, r
		}
	}
	return filepath.Join(destDir, best), nil
}

func extRank(name string) int {
	ext := strings.ToLower(filepath.Ext(name))
	for i, p := range rawExtPreference {
		if ext == p {
			return i
		}
	}
	return len(rawExtPreference)
}
