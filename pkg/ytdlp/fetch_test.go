package ytdlp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"clipforge.systems/ingest/pkg/execx"
)

// fakeRunner scripts one result per invocation and records the argv of each.
type fakeRunner struct {
	calls   [][]string
	results []fakeResult
	destDir string
}

type fakeResult struct {
	stderr  string
	err     error
	produce string // file to create in destDir on success
}

func (f *fakeRunner) runner() *execx.Runner {
	return &execx.Runner{
		RunFn: func(ctx context.Context, name string, args []string, dir string) (string, string, error) {
			f.calls = append(f.calls, args)
			if len(f.results) == 0 {
				return "", "", nil
			}
			res := f.results[0]
			f.results = f.results[1:]
			if res.err != nil {
				return "", res.stderr, &execx.ExecError{Cmd: name, Args: args, ExitCode: 1, Stderr: res.stderr, Cause: res.err}
			}
			if res.produce != "" {
				if err := os.WriteFile(filepath.Join(f.destDir, res.produce), []byte("x"), 0o644); err != nil {
					return "", "", err
				}
			}
			return "", "", nil
		},
	}
}

func identityOf(args []string) string {
	for i, a := range args {
		if a == "--extractor-args" && i+1 < len(args) {
			return strings.TrimPrefix(args[i+1], "youtube:player_client=")
		}
	}
	return ""
}

func testIdentities() []Identity {
	return []Identity{
		{Name: "A", PlayerClient: "android", UserAgent: "ua-a"},
		{Name: "B", PlayerClient: "android", UserAgent: "ua-b"},
		{Name: "C", PlayerClient: "web", UserAgent: "ua-c"},
	}
}

func TestFetch_FirstIdentityWins(t *testing.T) {
	dir := t.TempDir()
	f := &fakeRunner{destDir: dir, results: []fakeResult{{produce: "raw.mp4"}}}
	c := &Client{Identities: testIdentities(), Runner: f.runner()}

	path, err := c.Fetch(context.Background(), "https://example.com/v", dir)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if filepath.Base(path) != "raw.mp4" {
		t.Fatalf("expected raw.mp4, got %q", path)
	}
	if len(f.calls) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(f.calls))
	}
}

func TestFetch_CyclesUntilSuccess(t *testing.T) {
	dir := t.TempDir()
	f := &fakeRunner{destDir: dir, results: []fakeResult{
		{stderr: "network unreachable", err: errors.New("exit 1")},
		{stderr: "network unreachable", err: errors.New("exit 1")},
		{produce: "raw.webm"},
	}}
	c := &Client{Identities: testIdentities(), Runner: f.runner()}

	path, err := c.Fetch(context.Background(), "https://example.com/v", dir)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if filepath.Base(path) != "raw.webm" {
		t.Fatalf("expected raw.webm, got %q", path)
	}
	if len(f.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(f.calls))
	}
	if got := identityOf(f.calls[2]); got != "web" {
		t.Fatalf("expected winning identity web, got %q", got)
	}
}

func TestFetch_AllIdentitiesFail_AggregatesError(t *testing.T) {
	dir := t.TempDir()
	f := &fakeRunner{destDir: dir, results: []fakeResult{
		{stderr: "boom A", err: errors.New("exit 1")},
		{stderr: "boom B", err: errors.New("exit 1")},
		{stderr: "boom C", err: errors.New("exit 1")},
	}}
	c := &Client{Identities: testIdentities(), Runner: f.runner()}

	_, err := c.Fetch(context.Background(), "https://example.com/v", dir)
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, name := range []string{"A", "B", "C"} {
		if !strings.Contains(err.Error(), "identity "+name) {
			t.Fatalf("expected aggregated error to mention identity %s: %v", name, err)
		}
	}
}

func TestFetch_AppGate_FastPathRetriesAlternateClient(t *testing.T) {
	dir := t.TempDir()
	f := &fakeRunner{destDir: dir, results: []fakeResult{
		{stderr: appGateMessage, err: errors.New("exit 1")},
		{produce: "raw.mp4"},
	}}
	c := &Client{Identities: testIdentities(), Runner: f.runner()}

	_, err := c.Fetch(context.Background(), "https://example.com/v", dir)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(f.calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(f.calls))
	}
	// B shares A's player client; the fast path must jump straight to C.
	if got := identityOf(f.calls[1]); got != "web" {
		t.Fatalf("expected fast-path retry with web client, got %q", got)
	}
}

func TestFetch_AppGate_FastPathFailure_ResumesGeneralCycle(t *testing.T) {
	dir := t.TempDir()
	f := &fakeRunner{destDir: dir, results: []fakeResult{
		{stderr: appGateMessage, err: errors.New("exit 1")}, // A
		{stderr: "still gated", err: errors.New("exit 1")},  // fast path -> C
		{produce: "raw.mp4"},                                // general cycle -> B
	}}
	c := &Client{Identities: testIdentities(), Runner: f.runner()}

	_, err := c.Fetch(context.Background(), "https://example.com/v", dir)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(f.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(f.calls))
	}
	if ua := uaOf(f.calls[2]); ua != "ua-b" {
		t.Fatalf("expected general cycle to resume with B, got ua %q", ua)
	}
}

func uaOf(args []string) string {
	for i, a := range args {
		if a == "--user-agent" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestDiscoverRaw_PrefersVideoContainers(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"raw.part", "raw.webm", "raw.mkv"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	c := New()
	path, err := c.DiscoverRaw(dir)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if filepath.Base(path) != "raw.mkv" {
		t.Fatalf("expected raw.mkv preferred, got %q", path)
	}
}

func TestDiscoverRaw_NoFile(t *testing.T) {
	c := New()
	_, err := c.DiscoverRaw(t.TempDir())
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestFetchArgs_CookieInjection(t *testing.T) {
	dir := t.TempDir()
	cookie := filepath.Join(dir, "cookies.txt")
	if err := os.WriteFile(cookie, []byte("# Netscape HTTP Cookie File\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	c := &Client{CookiesFile: cookie}
	args := c.fetchArgs("https://example.com/v", dir, DefaultIdentities()[0])
	found := false
	for i, a := range args {
		if a == "--cookies" && i+1 < len(args) && args[i+1] == cookie {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected --cookies %s in args: %v", cookie, args)
	}
	if args[len(args)-1] != "https://example.com/v" {
		t.Fatalf("expected url last, got %v", args[len(args)-1])
	}
}
