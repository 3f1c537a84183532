// Package ytdlp resolves a source URL into a raw media file using yt-dlp,
// cycling through extractor client identities to get past platform-side
// blocking that varies by client type.
package ytdlp

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"clipforge.systems/ingest/pkg/execx"
)

const defaultAcceptLanguage = "en-US,en;q=0.9"

// Identity is a client persona presented to the source service. Which
// restrictions apply on the platform side depends on the player client and
// user agent, so a fetch cycles through several of these.
type Identity struct {
	Name         string
	PlayerClient string // youtube:player_client extractor arg; empty means extractor default
	UserAgent    string
}

// DefaultIdentities is the order identities are attempted. The android client
// goes first because it avoids the most common web-side blocks; the later
// entries vary both client and UA.
func DefaultIdentities() []Identity {
	const (
		uaWindowsChrome = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
		uaLinuxChrome   = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0 Safari/537.36"
		uaIPhone        = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
	)
	return []Identity{
		{Name: "android", PlayerClient: "android", UserAgent: uaWindowsChrome},
		{Name: "web", PlayerClient: "web", UserAgent: uaWindowsChrome},
		{Name: "web-alt-ua", PlayerClient: "web", UserAgent: uaLinuxChrome},
		{Name: "ios", PlayerClient: "ios", UserAgent: uaIPhone},
	}
}

// Client invokes yt-dlp. The zero value uses "yt-dlp" from PATH, the default
// identity list, and no cookies.
type Client struct {
	// Path to the yt-dlp executable. Defaults to "yt-dlp" (PATH lookup).
	Path string

	// Identities overrides DefaultIdentities when non-empty.
	Identities []Identity

	// CookiesFile is a Netscape cookie file passed via --cookies.
	CookiesFile string

	// CookiesFromBrowser is a browser profile reference passed via
	// --cookies-from-browser (e.g. "chrome:Default"). Only used when
	// CookiesFile is empty.
	CookiesFromBrowser string

	Runner *execx.Runner
}

func New() *Client {
	return &Client{Path: "yt-dlp", Runner: &execx.Runner{}}
}

func (c *Client) identities() []Identity {
	if len(c.Identities) > 0 {
		return c.Identities
	}
	return DefaultIdentities()
}

// PathOrDefault returns the configured path or "yt-dlp" if unset.
func (c *Client) PathOrDefault() string {
	if strings.TrimSpace(c.Path) == "" {
		return "yt-dlp"
	}
	return c.Path
}

func (c *Client) runner() *execx.Runner {
	if c.Runner != nil {
		return c.Runner
	}
	return &execx.Runner{}
}

func (c *Client) exec(ctx context.Context, args ...string) (string, string, error) {
	return c.runner().Run(ctx, c.PathOrDefault(), args, "")
}

// Version returns `yt-dlp --version`.
func (c *Client) Version(ctx context.Context) (string, error) {
	stdout, _, err := c.exec(ctx, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout), nil
}

// robustnessArgs are appended to every fetch attempt: single IP family,
// bounded sleeps and retries, one fragment at a time so platform throttling
// heuristics don't trip.
func robustnessArgs(id Identity) []string {
	args := []string{
		"--force-ipv4",
		"--socket-timeout", "30",
		"--sleep-requests", "1",
		"--retries", "5",
		"--fragment-retries", "5",
		"--retry-sleep", "3",
		"--concurrent-fragments", "1",
		"--restrict-filenames",
		"--no-playlist",
		"--ignore-config",
		"--no-colors",
		"--user-agent", id.UserAgent,
		"--add-header", "Accept-Language: " + defaultAcceptLanguage,
	}
	if id.PlayerClient != "" {
		args = append(args, "--extractor-args", "youtube:player_client="+id.PlayerClient)
	}
	return args
}

// cookieArgs injects credentials when configured. An inline cookie file wins
// over a browser-profile reference; with neither the fetch is unauthenticated.
func (c *Client) cookieArgs() []string {
	if f := strings.TrimSpace(c.CookiesFile); f != "" {
		if _, err := os.Stat(f); err != nil {
			slog.Warn("ytdlp: cookies file not readable, fetching unauthenticated", "path", f, "error", err)
			return nil
		}
		return []string{"--cookies", f}
	}
	if b := strings.TrimSpace(c.CookiesFromBrowser); b != "" {
		return []string{"--cookies-from-browser", b}
	}
	return nil
}
