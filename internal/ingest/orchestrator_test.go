package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clipforge.systems/ingest/internal/config"
	"clipforge.systems/ingest/internal/cookies"
	"clipforge.systems/ingest/internal/upload"
	"clipforge.systems/ingest/pkg/execx"
	"clipforge.systems/ingest/pkg/ffmpeg"
	"clipforge.systems/ingest/pkg/ytdlp"
)

// rateLimitedFetchErr builds the error shape a real fetch produces when every
// identity is rate-limited: the signature appears only in captured stderr,
// never in the error message.
func rateLimitedFetchErr(url string) error {
	return fmt.Errorf("ytdlp: all extractor identities failed for %s: %w", url,
		errors.Join(fmt.Errorf("identity android: %w", &execx.ExecError{
			Cmd:      "yt-dlp",
			ExitCode: 1,
			Stderr:   "ERROR: [youtube] abc: HTTP Error 429: Too Many Requests",
		})))
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *recordingNotifier) Notify(ctx context.Context, ev ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) all() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProgressEvent(nil), r.events...)
}

func (r *recordingNotifier) last() ProgressEvent {
	evs := r.all()
	return evs[len(evs)-1]
}

type uploadCall struct {
	localPath   string
	objectPath  string
	contentType string
}

type fakeSink struct {
	mu      sync.Mutex
	uploads []uploadCall
	err     error
	result  upload.Result
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Upload(ctx context.Context, localPath, objectPath, contentType string, progress upload.ProgressFunc) (*upload.Result, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, uploadCall{localPath, objectPath, contentType})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if progress != nil {
		progress(50)
		progress(100)
	}
	res := f.result
	return &res, nil
}

func (f *fakeSink) calls() []uploadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uploadCall(nil), f.uploads...)
}

func testOrchestrator(t *testing.T, notifier Notifier, sink upload.Sink) (*Orchestrator, *atomic.Int32) {
	t.Helper()
	cfg := &config.Config{
		SpoolDir:          t.TempDir(),
		MaxConcurrentJobs: 2,
		IngestTimeoutMin:  1,
		TrimJobTimeoutMin: 1,
	}
	o := New(cfg, ytdlp.New(), sink, notifier, cookies.NewCache(t.TempDir(), time.Hour), nil)
	o.tick = 5 * time.Millisecond

	var removals atomic.Int32
	o.removeAll = func(path string) error {
		removals.Add(1)
		return os.RemoveAll(path)
	}

	o.fetchFn = func(ctx context.Context, c *ytdlp.Client, url, destDir string) (string, error) {
		raw := filepath.Join(destDir, "raw.webm")
		if err := os.WriteFile(raw, []byte("raw"), 0o644); err != nil {
			return "", err
		}
		return raw, nil
	}
	o.infoFn = func(ctx context.Context, c *ytdlp.Client, url string, id ytdlp.Identity) (*ytdlp.Info, error) {
		return &ytdlp.Info{Title: "A Test Video", Duration: 30}, nil
	}
	o.normalizeFn = func(ctx context.Context, in, out string, maxDur time.Duration, progress chan<- ffmpeg.Progress) error {
		if progress != nil {
			progress <- ffmpeg.Progress{OutTimeUS: 15_000_000, Progress: "continue"}
			progress <- ffmpeg.Progress{OutTimeUS: 30_000_000, Progress: "end"}
			close(progress)
		}
		return os.WriteFile(out, []byte("mp4"), 0o644)
	}
	o.trimFn = func(ctx context.Context, in, out string, start, end time.Duration, progress chan<- ffmpeg.Progress) error {
		if progress != nil {
			close(progress)
		}
		return os.WriteFile(out, []byte("mp4"), 0o644)
	}
	o.audioFn = func(ctx context.Context, in, out string) error {
		return os.WriteFile(out, []byte("mp3"), 0o644)
	}
	o.thumbFn = func(ctx context.Context, in, out string) error {
		return os.WriteFile(out, []byte("jpg"), 0o644)
	}
	o.probeFn = func(ctx context.Context, in string) (float64, error) {
		return 30, nil
	}
	return o, &removals
}

func TestRunIngest_SuccessLifecycle(t *testing.T) {
	notifier := &recordingNotifier{}
	sink := &fakeSink{result: upload.Result{MediaURL: "https://cdn.example.com/ingest/job-1.mp4"}}
	o, removals := testOrchestrator(t, notifier, sink)

	o.RunIngest(context.Background(), Job{
		ID:        "job-1",
		SourceURL: "https://www.youtube.com/watch?v=abc",
		Type:      SourceYouTube,
	})

	events := notifier.all()
	require.NotEmpty(t, events)

	// Progress never decreases and the terminal event is completed/100.
	prev := -1
	for _, ev := range events {
		require.GreaterOrEqual(t, ev.Progress, prev, "event %+v regressed", ev)
		prev = ev.Progress
	}
	final := events[len(events)-1]
	require.Equal(t, StatusCompleted, final.Status)
	require.Equal(t, 100, final.Progress)
	require.Equal(t, "https://cdn.example.com/ingest/job-1.mp4", final.MediaURL)
	require.Equal(t, "A Test Video", final.Title)

	// Stage order on the success path.
	var order []Status
	for _, ev := range events {
		if len(order) == 0 || order[len(order)-1] != ev.Status {
			order = append(order, ev.Status)
		}
	}
	require.Equal(t, []Status{StatusDownloading, StatusTranscoding, StatusUploading, StatusFinalizing, StatusCompleted}, order)

	// Video and thumbnail both uploaded; workdir cleaned exactly once.
	calls := sink.calls()
	require.Len(t, calls, 2)
	require.Equal(t, "ingest/job-1.mp4", calls[0].objectPath)
	require.Equal(t, "video/mp4", calls[0].contentType)
	require.Equal(t, "ingest/job-1.jpg", calls[1].objectPath)
	require.Equal(t, int32(1), removals.Load())
	require.NoDirExists(t, filepath.Join(o.spoolDir, "ingest-job-1"))
	require.Equal(t, 0, o.Active())
}

func TestRunIngest_FetchFailure(t *testing.T) {
	notifier := &recordingNotifier{}
	sink := &fakeSink{}
	o, removals := testOrchestrator(t, notifier, sink)
	o.fetchFn = func(ctx context.Context, c *ytdlp.Client, url, destDir string) (string, error) {
		return "", fmt.Errorf("all extractor identities failed")
	}

	o.RunIngest(context.Background(), Job{ID: "job-2", SourceURL: "https://example.com/v"})

	var failed []ProgressEvent
	for _, ev := range notifier.all() {
		if ev.Status == StatusFailed {
			failed = append(failed, ev)
		}
	}
	require.Len(t, failed, 1)
	require.Equal(t, 0, failed[0].Progress)
	require.Contains(t, failed[0].Error, "all extractor identities failed")
	require.Empty(t, sink.calls())
	require.Equal(t, int32(1), removals.Load())
	require.NoDirExists(t, filepath.Join(o.spoolDir, "ingest-job-2"))
}

func TestRunIngest_UploadFailure(t *testing.T) {
	notifier := &recordingNotifier{}
	sink := &fakeSink{err: fmt.Errorf("bucket unavailable")}
	o, _ := testOrchestrator(t, notifier, sink)

	o.RunIngest(context.Background(), Job{ID: "job-3", SourceURL: "https://example.com/v"})

	final := notifier.last()
	require.Equal(t, StatusFailed, final.Status)
	require.Equal(t, 0, final.Progress)
	require.Contains(t, final.Error, "bucket unavailable")
}

func TestRunIngest_AudioJob(t *testing.T) {
	notifier := &recordingNotifier{}
	sink := &fakeSink{result: upload.Result{MediaURL: "https://cdn.example.com/ingest/job-4.mp3"}}
	o, _ := testOrchestrator(t, notifier, sink)

	o.RunIngest(context.Background(), Job{ID: "job-4", SourceURL: "https://example.com/a", Type: SourceAudio})

	final := notifier.last()
	require.Equal(t, StatusCompleted, final.Status)

	calls := sink.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "ingest/job-4.mp3", calls[0].objectPath)
	require.Equal(t, "audio/mpeg", calls[0].contentType)
}

func TestRunIngest_CookieExpiryRefreshRetriesOnce(t *testing.T) {
	var brokerCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		brokerCalls.Add(1)
		w.Write([]byte(`{"cookies_b64":"` + base64.StdEncoding.EncodeToString([]byte("fresh")) + `","ua":"Mozilla/5.0 hinted","playerClient":"web"}`))
	}))
	defer srv.Close()

	notifier := &recordingNotifier{}
	sink := &fakeSink{}
	o, _ := testOrchestrator(t, notifier, sink)
	o.broker = &cookies.Broker{URL: srv.URL, Secret: "s"}

	var fetches atomic.Int32
	var retryCookies string
	o.fetchFn = func(ctx context.Context, c *ytdlp.Client, url, destDir string) (string, error) {
		if fetches.Add(1) == 1 {
			return "", rateLimitedFetchErr(url)
		}
		retryCookies = c.CookiesFile
		raw := filepath.Join(destDir, "raw.mp4")
		return raw, os.WriteFile(raw, []byte("raw"), 0o644)
	}

	o.RunIngest(context.Background(), Job{ID: "job-5", SourceURL: "https://example.com/v", UserID: "user-1"})

	require.Equal(t, StatusCompleted, notifier.last().Status)
	require.Equal(t, int32(2), fetches.Load())
	// First call primes the cache, second is the forced refresh.
	require.Equal(t, int32(2), brokerCalls.Load())
	require.NotEmpty(t, retryCookies)

	fresh, err := os.ReadFile(retryCookies)
	require.NoError(t, err)
	require.Equal(t, "fresh", string(fresh))
}

func TestRunIngest_NoRefreshWithoutUser(t *testing.T) {
	notifier := &recordingNotifier{}
	o, _ := testOrchestrator(t, notifier, &fakeSink{})

	var fetches atomic.Int32
	o.fetchFn = func(ctx context.Context, c *ytdlp.Client, url, destDir string) (string, error) {
		fetches.Add(1)
		return "", rateLimitedFetchErr(url)
	}

	o.RunIngest(context.Background(), Job{ID: "job-6", SourceURL: "https://example.com/v"})

	require.Equal(t, int32(1), fetches.Load())
	require.Equal(t, StatusFailed, notifier.last().Status)
}

func TestRunIngest_WatchdogTimeout(t *testing.T) {
	notifier := &recordingNotifier{}
	o, removals := testOrchestrator(t, notifier, &fakeSink{})
	o.ingestTimeout = 50 * time.Millisecond

	o.fetchFn = func(ctx context.Context, c *ytdlp.Client, url, destDir string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	o.RunIngest(context.Background(), Job{ID: "job-9", SourceURL: "https://example.com/v"})

	var failed []ProgressEvent
	for _, ev := range notifier.all() {
		if ev.Status == StatusFailed {
			failed = append(failed, ev)
		}
	}
	require.Len(t, failed, 1)
	require.Equal(t, "Ingest timeout. Check network or source URL.", failed[0].Error)
	require.Equal(t, 0, failed[0].Progress)
	require.Equal(t, int32(1), removals.Load())
	require.NoDirExists(t, filepath.Join(o.spoolDir, "ingest-job-9"))
	require.Equal(t, 0, o.Active())
}

func TestRunIngest_Cancel(t *testing.T) {
	notifier := &recordingNotifier{}
	o, removals := testOrchestrator(t, notifier, &fakeSink{})

	started := make(chan struct{})
	o.fetchFn = func(ctx context.Context, c *ytdlp.Client, url, destDir string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		o.RunIngest(context.Background(), Job{ID: "job-7", SourceURL: "https://example.com/v"})
		close(done)
	}()

	<-started
	require.True(t, o.Cancel("job-7"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after cancel")
	}

	final := notifier.last()
	require.Equal(t, StatusFailed, final.Status)
	require.Equal(t, "Ingest canceled.", final.Error)
	require.Equal(t, int32(1), removals.Load())
	require.False(t, o.Cancel("job-7"))
}

func TestRunIngest_PerRequestCookiesOverride(t *testing.T) {
	notifier := &recordingNotifier{}
	o, _ := testOrchestrator(t, notifier, &fakeSink{})

	var usedCookies string
	o.fetchFn = func(ctx context.Context, c *ytdlp.Client, url, destDir string) (string, error) {
		usedCookies = c.CookiesFile
		raw := filepath.Join(destDir, "raw.mp4")
		return raw, os.WriteFile(raw, []byte("raw"), 0o644)
	}

	o.RunIngest(context.Background(), Job{
		ID:         "job-8",
		SourceURL:  "https://example.com/v",
		CookiesB64: base64.StdEncoding.EncodeToString([]byte("# cookies\n")),
	})

	require.Equal(t, StatusCompleted, notifier.last().Status)
	require.NotEmpty(t, usedCookies)
	// The per-job temp file is removed with the rest of the job state.
	require.NoFileExists(t, usedCookies)
}

func TestRunTrim_SuccessLifecycle(t *testing.T) {
	notifier := &recordingNotifier{}
	sink := &fakeSink{result: upload.Result{MediaURL: "https://cdn.example.com/ingest/trim-1.mp4"}}
	o, removals := testOrchestrator(t, notifier, sink)

	var gotStart, gotEnd time.Duration
	o.trimFn = func(ctx context.Context, in, out string, start, end time.Duration, progress chan<- ffmpeg.Progress) error {
		gotStart, gotEnd = start, end
		if progress != nil {
			close(progress)
		}
		return os.WriteFile(out, []byte("mp4"), 0o644)
	}

	o.RunTrim(context.Background(), TrimJob{
		ID:        "trim-1",
		SourceURL: "https://cdn.example.com/ingest/job-1.mp4",
		StartSec:  5,
		EndSec:    20,
		PostID:    "post-9",
	})

	require.Equal(t, 5*time.Second, gotStart)
	require.Equal(t, 20*time.Second, gotEnd)

	events := notifier.all()
	require.Equal(t, StatusProcessing, events[0].Status)
	final := events[len(events)-1]
	require.Equal(t, StatusCompleted, final.Status)
	require.Equal(t, 100, final.Progress)
	require.Equal(t, "post-9", final.PostID)
	require.Equal(t, "https://cdn.example.com/ingest/trim-1.mp4", final.MediaURL)

	calls := sink.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "ingest/trim-1.mp4", calls[0].objectPath)
	require.Equal(t, int32(1), removals.Load())
}

func TestNormalizeSourceURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://youtu.be/abc", "https://youtu.be/abc"},
		{"https%3A%2F%2Fyoutu.be%2Fabc", "https://youtu.be/abc"},
		{"https://example.com/watch?v=a+b", "https://example.com/watch?v=a+b"},
		{"not a url %zz", "not a url %zz"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, NormalizeSourceURL(tc.in), "input %q", tc.in)
	}
}
