package cookies

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"clipforge.systems/ingest/pkg/execx"
)

// Broker fetches per-user cookies from an external credential broker. The
// broker may also return extraction hints (user agent, player client) that
// the fetch should present alongside the cookies.
type Broker struct {
	URL    string
	Secret string

	HTTP *http.Client
}

// Fetched is one broker response.
type Fetched struct {
	Content      []byte
	UserAgent    string
	PlayerClient string
}

// Configured reports whether both broker URL and secret are set.
func (b *Broker) Configured() bool {
	return b != nil && strings.TrimSpace(b.URL) != "" && strings.TrimSpace(b.Secret) != ""
}

func (b *Broker) client() *http.Client {
	if b.HTTP != nil {
		return b.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

type brokerResponse struct {
	CookiesB64   string `json:"cookies_b64"`
	B64          string `json:"b64"`
	UA           string `json:"ua"`
	PlayerClient string `json:"playerClient"`
}

// Fetch retrieves cookies for userID. Transient failures are retried with a
// short backoff; a non-2xx status or empty payload is an error.
func (b *Broker) Fetch(ctx context.Context, userID string) (*Fetched, error) {
	if userID == "" {
		return nil, fmt.Errorf("cookies: userID is required")
	}
	if !b.Configured() {
		return nil, fmt.Errorf("cookies: broker not configured")
	}

	sep := "?"
	if strings.Contains(b.URL, "?") {
		sep = "&"
	}
	reqURL := b.URL + sep + "userId=" + url.QueryEscape(userID)

	var out *Fetched
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+b.Secret)

		resp, err := b.client().Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("cookies: broker status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("cookies: broker status %d", resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
		if err != nil {
			return retry.RetryableError(err)
		}

		var br brokerResponse
		if err := json.Unmarshal(body, &br); err != nil {
			return fmt.Errorf("cookies: parse broker response: %w", err)
		}
		b64 := strings.TrimSpace(br.CookiesB64)
		if b64 == "" {
			b64 = strings.TrimSpace(br.B64)
		}
		if b64 == "" {
			return fmt.Errorf("cookies: broker returned empty payload")
		}
		content, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return fmt.Errorf("cookies: broker returned invalid base64: %w", err)
		}

		out = &Fetched{Content: content, UserAgent: br.UA, PlayerClient: br.PlayerClient}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchInto fetches cookies for userID and stores them in the cache, unless a
// cached entry already exists and force is false. Returns the cookie-file
// path and any hints the broker supplied.
func (b *Broker) FetchInto(ctx context.Context, cache *Cache, userID string, force bool) (string, *Fetched, error) {
	if !force {
		if path := cache.Get(userID); path != "" {
			return path, nil, nil
		}
	}

	fetched, err := b.Fetch(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	path, err := cache.Put(userID, fetched.Content)
	if err != nil {
		return "", nil, err
	}
	return path, fetched, nil
}

// expirySignatures match extractor output that indicates the cookies
// themselves went stale, which a broker refresh can fix.
var expirySignatures = []string{
	"no longer valid",
	"not a bot",
	"HTTP Error 429",
	"HTTP Error 403",
	"Please sign in",
}

// LooksLikeExpiry reports whether an extraction failure carries a
// cookie-expiry signature. yt-dlp prints these on stderr, not in the exit
// status, so the captured output of every exec error in the wrapped chain
// is matched, not just the error message.
func LooksLikeExpiry(err error) bool {
	if err == nil {
		return false
	}
	if matchesExpiry(err.Error()) {
		return true
	}
	return expiryInOutput(err)
}

func matchesExpiry(s string) bool {
	for _, sig := range expirySignatures {
		if strings.Contains(s, sig) {
			return true
		}
	}
	return false
}

// expiryInOutput walks the chain, descending into every branch of a joined
// error since each failed extractor identity contributes its own exec error.
func expiryInOutput(err error) bool {
	if ee, ok := err.(*execx.ExecError); ok {
		return matchesExpiry(ee.Stderr) || matchesExpiry(ee.Stdout)
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if expiryInOutput(e) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		if inner := u.Unwrap(); inner != nil {
			return expiryInOutput(inner)
		}
	}
	return false
}
