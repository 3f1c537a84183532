// Package cookies manages per-user yt-dlp cookie files: a TTL cache of
// temporary files plus a client for the credential broker they are fetched
// from.
package cookies

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultTTL is how long cached cookies stay valid.
const DefaultTTL = 2 * time.Hour

type entry struct {
	path      string
	expiresAt time.Time
}

// Cache maps user ids to temporary cookie-file paths. Multiple jobs for the
// same user can run concurrently, so all access is mutex-guarded. Expired
// entries are dropped lazily on read, deleting the backing file.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	dir     string
	ttl     time.Duration
	now     func() time.Time
}

// NewCache creates a cache writing cookie files under dir (os.TempDir when
// empty). A non-positive ttl means DefaultTTL.
func NewCache(dir string, ttl time.Duration) *Cache {
	if dir == "" {
		dir = os.TempDir()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]entry),
		dir:     dir,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put stores cookie content for a user, replacing any previous entry, and
// returns the path of the backing file.
func (c *Cache) Put(userID string, content []byte) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("cookies: userID is required")
	}

	path := filepath.Join(c.dir, fmt.Sprintf("yt_cookies_%s_%d.txt", userID, c.now().UnixNano()))
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", fmt.Errorf("cookies: write cache file: %w", err)
	}

	c.mu.Lock()
	old, existed := c.entries[userID]
	c.entries[userID] = entry{path: path, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()

	if existed {
		removeQuiet(old.path)
	}

	slog.Info("cached cookies for user", "user_id", userID, "ttl", c.ttl)
	return path, nil
}

// Get returns the cookie-file path for a user, or "" when absent or expired.
// Expired entries are evicted and their file removed.
func (c *Cache) Get(userID string) string {
	c.mu.Lock()
	e, ok := c.entries[userID]
	if ok && c.now().After(e.expiresAt) {
		delete(c.entries, userID)
		c.mu.Unlock()
		removeQuiet(e.path)
		return ""
	}
	c.mu.Unlock()

	if !ok {
		return ""
	}
	return e.path
}

// Invalidate drops a user's entry and removes its file.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	e, ok := c.entries[userID]
	delete(c.entries, userID)
	c.mu.Unlock()

	if ok {
		removeQuiet(e.path)
	}
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func removeQuiet(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove cookie file", "path", path, "error", err)
	}
}
