package ingest

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"clipforge.systems/ingest/internal/config"
	"clipforge.systems/ingest/internal/cookies"
	"clipforge.systems/ingest/internal/upload"
	"clipforge.systems/ingest/pkg/ffmpeg"
	"clipforge.systems/ingest/pkg/ytdlp"
)

const defaultTitle = "Ingested video"

// Orchestrator runs ingest and trim jobs through the fetch, transcode, and
// upload stages, bounded by a concurrency gate and per-job deadlines. Job
// state lives only in the progress events it emits; the callback receiver
// owns persistence.
type Orchestrator struct {
	yt       *ytdlp.Client
	sink     upload.Sink
	notifier Notifier
	cache    *cookies.Cache
	broker   *cookies.Broker

	spoolDir      string
	maxClipLen    time.Duration
	ingestTimeout time.Duration
	trimTimeout   time.Duration

	sem  *semaphore.Weighted
	tick time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	// Stage seams, swapped out in tests.
	fetchFn     func(ctx context.Context, c *ytdlp.Client, url, destDir string) (string, error)
	infoFn      func(ctx context.Context, c *ytdlp.Client, url string, id ytdlp.Identity) (*ytdlp.Info, error)
	normalizeFn func(ctx context.Context, in, out string, maxDur time.Duration, progress chan<- ffmpeg.Progress) error
	trimFn      func(ctx context.Context, in, out string, start, end time.Duration, progress chan<- ffmpeg.Progress) error
	audioFn     func(ctx context.Context, in, out string) error
	thumbFn     func(ctx context.Context, in, out string) error
	probeFn     func(ctx context.Context, in string) (float64, error)
	removeAll   func(path string) error
}

func New(cfg *config.Config, yt *ytdlp.Client, sink upload.Sink, notifier Notifier, cache *cookies.Cache, broker *cookies.Broker) *Orchestrator {
	spool := cfg.SpoolDir
	if spool == "" {
		spool = filepath.Join(os.TempDir(), "ingest-jobs")
	}
	maxJobs := cfg.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = 2
	}
	ingestTimeout := time.Duration(cfg.IngestTimeoutMin) * time.Minute
	if ingestTimeout <= 0 {
		ingestTimeout = 20 * time.Minute
	}
	trimTimeout := time.Duration(cfg.TrimJobTimeoutMin) * time.Minute
	if trimTimeout <= 0 {
		trimTimeout = time.Hour
	}

	return &Orchestrator{
		yt:            yt,
		sink:          sink,
		notifier:      notifier,
		cache:         cache,
		broker:        broker,
		spoolDir:      spool,
		maxClipLen:    time.Duration(cfg.TrimSeconds) * time.Second,
		ingestTimeout: ingestTimeout,
		trimTimeout:   trimTimeout,
		sem:           semaphore.NewWeighted(int64(maxJobs)),
		tick:          2 * time.Second,
		cancels:       make(map[string]context.CancelFunc),

		fetchFn: func(ctx context.Context, c *ytdlp.Client, url, destDir string) (string, error) {
			return c.Fetch(ctx, url, destDir)
		},
		infoFn: func(ctx context.Context, c *ytdlp.Client, url string, id ytdlp.Identity) (*ytdlp.Info, error) {
			return c.GetInfo(ctx, url, id)
		},
		normalizeFn: ffmpeg.NormalizeWebMP4,
		trimFn:      ffmpeg.TrimClip,
		audioFn:     ffmpeg.ExtractAudioMP3,
		thumbFn:     ffmpeg.CaptureThumbnail,
		probeFn:     ffmpeg.ProbeDuration,
		removeAll:   os.RemoveAll,
	}
}

// Active returns the number of jobs currently registered.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cancels)
}

// Cancel aborts a running job. Returns false when no job with that id is
// active. The job itself reports failed through the usual callback path.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()
	if !ok {
		return false
	}
	slog.Info("canceling job on request", "job_id", id)
	cancel()
	return true
}

func (o *Orchestrator) register(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	delete(o.cancels, id)
	o.mu.Unlock()
}

// tracker serializes progress reporting for one job and keeps the reported
// percentage monotonic: stages overlap (synthetic ticks, encoder progress,
// upload callbacks) and must never appear to move backwards. A failed event
// resets progress to zero, which is the one sanctioned regression.
type tracker struct {
	notifier Notifier
	id       string
	postID   string

	mu   sync.Mutex
	last int
}

func (t *tracker) send(ctx context.Context, status Status, progress int) {
	t.mu.Lock()
	if progress < t.last {
		progress = t.last
	}
	t.last = progress
	t.mu.Unlock()

	t.notifier.Notify(ctx, ProgressEvent{
		ID:       t.id,
		Status:   status,
		Progress: progress,
		PostID:   t.postID,
	})
}

func (t *tracker) complete(ctx context.Context, res *upload.Result, title string) {
	ev := ProgressEvent{
		ID:       t.id,
		Status:   StatusCompleted,
		Progress: 100,
		PostID:   t.postID,
		Title:    title,
	}
	if res != nil {
		ev.MediaURL = res.MediaURL
		ev.CFUID = res.CFUID
		ev.CFStatus = res.CFStatus
	}
	t.notifier.Notify(ctx, ev)
}

func (t *tracker) fail(ctx context.Context, msg string) {
	t.notifier.Notify(ctx, ProgressEvent{
		ID:       t.id,
		Status:   StatusFailed,
		Progress: 0,
		Error:    msg,
		PostID:   t.postID,
	})
}

// advanceWhile emits synthetic progress on a fixed cadence while a stage runs,
// stepping toward ceil. Long fetches and encodes produce no parseable output
// for stretches; the UI still needs signs of life.
func (o *Orchestrator) advanceWhile(ctx context.Context, tr *tracker, status Status, start, step, ceil int) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	var once sync.Once
	go func() {
		defer close(exited)
		ticker := time.NewTicker(o.tick)
		defer ticker.Stop()
		p := start
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p += step
				if p > ceil {
					p = ceil
				}
				tr.send(ctx, status, p)
			}
		}
	}()
	// Stop is synchronous so the next stage's first event cannot interleave
	// with a stale tick.
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

// RunIngest executes one ingest job to completion. It blocks while the job
// runs; callers dispatch it on its own goroutine.
func (o *Orchestrator) RunIngest(ctx context.Context, job Job) {
	job.SourceURL = NormalizeSourceURL(job.SourceURL)

	tr := &tracker{notifier: o.notifier, id: job.ID}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		tr.fail(context.WithoutCancel(ctx), "worker shutting down before job start")
		return
	}
	defer o.sem.Release(1)

	jobCtx, cancel := context.WithTimeout(ctx, o.ingestTimeout)
	defer cancel()
	o.register(job.ID, cancel)
	defer o.unregister(job.ID)

	workdir := filepath.Join(o.spoolDir, "ingest-"+job.ID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		tr.fail(ctx, "could not create working directory: "+err.Error())
		return
	}

	var tempCookie string
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if err := o.removeAll(workdir); err != nil {
				slog.Warn("workdir cleanup failed", "job_id", job.ID, "path", workdir, "error", err)
			}
			if tempCookie != "" {
				if err := os.Remove(tempCookie); err != nil && !os.IsNotExist(err) {
					slog.Warn("cookie cleanup failed", "job_id", job.ID, "error", err)
				}
			}
		})
	}
	defer cleanup()

	slog.Info("ingest start",
		"job_id", job.ID,
		"url", job.SourceURL,
		"type", job.Type,
		"workdir", workdir)

	res, title, err := o.ingest(jobCtx, &job, workdir, tr, &tempCookie)
	if err != nil {
		slog.Error("ingest failed", "job_id", job.ID, "error", err)
		tr.fail(context.WithoutCancel(ctx), ingestFailureMessage(jobCtx, err))
		return
	}

	tr.send(jobCtx, StatusFinalizing, 95)
	tr.complete(context.WithoutCancel(ctx), res, title)
	slog.Info("ingest completed", "job_id", job.ID, "title", title)
}

// ingestFailureMessage folds deadline and cancellation causes into operator
// guidance the way direct pipeline errors are reported.
func ingestFailureMessage(jobCtx context.Context, err error) string {
	switch jobCtx.Err() {
	case context.DeadlineExceeded:
		return "Ingest timeout. Check network or source URL."
	case context.Canceled:
		return "Ingest canceled."
	}
	return err.Error()
}

func (o *Orchestrator) ingest(ctx context.Context, job *Job, workdir string, tr *tracker, tempCookie *string) (*upload.Result, string, error) {
	tr.send(ctx, StatusDownloading, 0)

	creds := o.resolveCredentials(ctx, job)
	if creds.temp {
		*tempCookie = creds.cookieFile
	}
	client := o.clientFor(creds)

	title := defaultTitle
	if info, err := o.infoFn(ctx, client, job.SourceURL, firstIdentity(client)); err != nil {
		slog.Warn("metadata probe failed", "job_id", job.ID, "error", err)
	} else if info.Title != "" {
		title = info.Title
	}

	stopDl := o.advanceWhile(ctx, tr, StatusDownloading, 0, 5, 55)
	raw, err := o.fetchWithRefresh(ctx, client, job, workdir)
	stopDl()
	if err != nil {
		return nil, "", err
	}
	tr.send(ctx, StatusTranscoding, 60)

	if job.Type == SourceAudio {
		res, err := o.produceAudio(ctx, job, workdir, raw, tr)
		return res, title, err
	}
	res, err := o.produceVideo(ctx, job, workdir, raw, tr)
	return res, title, err
}

func (o *Orchestrator) produceVideo(ctx context.Context, job *Job, workdir, raw string, tr *tracker) (*upload.Result, error) {
	out := filepath.Join(workdir, job.ID+".mp4")
	tr.send(ctx, StatusTranscoding, 65)

	stop := o.advanceWhile(ctx, tr, StatusTranscoding, 65, 3, 90)
	progressC, drain := o.encoderProgress(ctx, tr, StatusTranscoding, 65, 90, func() float64 {
		d, err := o.probeFn(ctx, raw)
		if err != nil {
			slog.Warn("duration probe failed, relying on synthetic progress", "job_id", job.ID, "error", err)
			return 0
		}
		return d
	})
	err := o.normalizeFn(ctx, raw, out, o.maxClipLen, progressC)
	drain()
	stop()
	if err != nil {
		return nil, fmt.Errorf("transcode: %w", err)
	}

	thumb := filepath.Join(workdir, "thumb.jpg")
	if err := o.thumbFn(ctx, out, thumb); err != nil {
		slog.Warn("thumbnail capture failed", "job_id", job.ID, "error", err)
		thumb = ""
	}

	tr.send(ctx, StatusUploading, 90)
	res, err := o.uploadAsset(ctx, tr, out, "ingest/"+job.ID+".mp4", "video/mp4")
	if err != nil {
		return nil, err
	}
	if thumb != "" {
		if _, err := o.sink.Upload(ctx, thumb, "ingest/"+job.ID+".jpg", "image/jpeg", nil); err != nil {
			slog.Warn("thumbnail upload failed", "job_id", job.ID, "error", err)
		}
	}
	return res, nil
}

func (o *Orchestrator) produceAudio(ctx context.Context, job *Job, workdir, raw string, tr *tracker) (*upload.Result, error) {
	out := filepath.Join(workdir, job.ID+".mp3")
	tr.send(ctx, StatusTranscoding, 65)

	stop := o.advanceWhile(ctx, tr, StatusTranscoding, 65, 3, 90)
	err := o.audioFn(ctx, raw, out)
	stop()
	if err != nil {
		return nil, fmt.Errorf("audio extract: %w", err)
	}

	tr.send(ctx, StatusUploading, 90)
	return o.uploadAsset(ctx, tr, out, "ingest/"+job.ID+".mp3", "audio/mpeg")
}

// encoderProgress wires ffmpeg's own progress stream into a band of the job
// percentage when the input duration is knowable. Returns a nil channel when
// it isn't; the synthetic ticker covers that case. The encoder closes the
// channel when it finishes; drain unblocks once the consumer has caught up,
// so a stale transcoding event cannot land after the upload stage begins.
func (o *Orchestrator) encoderProgress(ctx context.Context, tr *tracker, status Status, lo, hi int, duration func() float64) (c chan ffmpeg.Progress, drain func()) {
	d := duration()
	if d <= 0 {
		return nil, func() {}
	}
	c = make(chan ffmpeg.Progress, 8)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for p := range c {
			if pct := p.PercentOf(d); pct >= 0 {
				tr.send(ctx, status, lo+pct*(hi-lo)/100)
			}
		}
	}()
	return c, func() { <-drained }
}

// fetchWithRefresh runs the download, and when the failure carries a
// cookie-expiry signature and a broker is available for the job's user, it
// force-refreshes the cookies and retries exactly once.
func (o *Orchestrator) fetchWithRefresh(ctx context.Context, client *ytdlp.Client, job *Job, workdir string) (string, error) {
	raw, err := o.fetchFn(ctx, client, job.SourceURL, workdir)
	if err == nil {
		return raw, nil
	}
	if job.UserID == "" || !o.broker.Configured() || !cookies.LooksLikeExpiry(err) {
		return "", err
	}

	slog.Warn("cookie expiry detected, refreshing broker cookies and retrying once",
		"job_id", job.ID, "user_id", job.UserID)
	path, fetched, rerr := o.broker.FetchInto(ctx, o.cache, job.UserID, true)
	if rerr != nil {
		return "", fmt.Errorf("cookie refresh failed: %w", rerr)
	}

	retry := *client
	retry.CookiesFile = path
	retry.CookiesFromBrowser = ""
	if fetched != nil {
		retry.Identities = identitiesWithHint(client.Identities, Hints{
			UserAgent:    fetched.UserAgent,
			PlayerClient: fetched.PlayerClient,
		})
	}
	return o.fetchFn(ctx, &retry, job.SourceURL, workdir)
}

func (o *Orchestrator) uploadAsset(ctx context.Context, tr *tracker, localPath, objectPath, contentType string) (*upload.Result, error) {
	res, err := o.sink.Upload(ctx, localPath, objectPath, contentType, func(pct int) {
		p := 90 + pct*9/100
		if p > 99 {
			p = 99
		}
		tr.send(ctx, StatusUploading, p)
	})
	if err != nil {
		return nil, fmt.Errorf("upload to %s: %w", o.sink.Name(), err)
	}
	return res, nil
}

// credentials is the resolved cookie source for one job.
type credentials struct {
	cookieFile string
	temp       bool // file owned by this job, removed at cleanup
	hints      Hints
}

// resolveCredentials picks the job's cookie file: inline request cookies win,
// then the per-user broker/cache, then whatever the client was configured
// with at startup. All failures degrade to the next source rather than
// failing the job.
func (o *Orchestrator) resolveCredentials(ctx context.Context, job *Job) credentials {
	if b64 := strings.TrimSpace(job.CookiesB64); b64 != "" {
		if content, err := base64.StdEncoding.DecodeString(b64); err != nil {
			slog.Warn("invalid cookies_b64 on request, ignoring", "job_id", job.ID, "error", err)
		} else if path, ok := writeTempCookies(content); ok {
			return credentials{cookieFile: path, temp: true, hints: job.Hints}
		}
	}
	if plain := strings.TrimSpace(job.Cookies); plain != "" {
		if path, ok := writeTempCookies([]byte(plain)); ok {
			return credentials{cookieFile: path, temp: true, hints: job.Hints}
		}
	}
	if job.UserID != "" && o.broker.Configured() {
		path, fetched, err := o.broker.FetchInto(ctx, o.cache, job.UserID, false)
		if err != nil {
			slog.Warn("broker cookie fetch failed, continuing without user cookies",
				"job_id", job.ID, "user_id", job.UserID, "error", err)
		} else {
			h := job.Hints
			if fetched != nil {
				if fetched.UserAgent != "" {
					h.UserAgent = fetched.UserAgent
				}
				if fetched.PlayerClient != "" {
					h.PlayerClient = fetched.PlayerClient
				}
			}
			return credentials{cookieFile: path, hints: h}
		}
	}
	return credentials{hints: job.Hints}
}

func writeTempCookies(content []byte) (string, bool) {
	f, err := os.CreateTemp("", "yt_cookies_*.txt")
	if err != nil {
		slog.Warn("could not create temp cookie file", "error", err)
		return "", false
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		slog.Warn("could not write temp cookie file", "error", err)
		os.Remove(f.Name())
		return "", false
	}
	return f.Name(), true
}

// clientFor derives a per-job yt-dlp client from the shared one, overriding
// the cookie source and prepending a hinted identity when the broker supplied
// extraction hints.
func (o *Orchestrator) clientFor(creds credentials) *ytdlp.Client {
	c := *o.yt
	if creds.cookieFile != "" {
		c.CookiesFile = creds.cookieFile
		c.CookiesFromBrowser = ""
	}
	c.Identities = identitiesWithHint(o.yt.Identities, creds.hints)
	return &c
}

func identitiesWithHint(base []ytdlp.Identity, h Hints) []ytdlp.Identity {
	if h.UserAgent == "" && h.PlayerClient == "" {
		return base
	}
	if len(base) == 0 {
		base = ytdlp.DefaultIdentities()
	}
	hinted := base[0]
	hinted.Name = "hinted"
	if h.UserAgent != "" {
		hinted.UserAgent = h.UserAgent
	}
	if h.PlayerClient != "" {
		hinted.PlayerClient = h.PlayerClient
	}
	return append([]ytdlp.Identity{hinted}, base...)
}

func firstIdentity(c *ytdlp.Client) ytdlp.Identity {
	if len(c.Identities) > 0 {
		return c.Identities[0]
	}
	return ytdlp.DefaultIdentities()[0]
}

// RunTrim re-cuts an already-published asset between two offsets. The source
// is read directly by ffmpeg, typically over HTTP, so there is no fetch stage.
func (o *Orchestrator) RunTrim(ctx context.Context, job TrimJob) {
	tr := &tracker{notifier: o.notifier, id: job.ID, postID: job.PostID}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		tr.fail(context.WithoutCancel(ctx), "worker shutting down before job start")
		return
	}
	defer o.sem.Release(1)

	jobCtx, cancel := context.WithTimeout(ctx, o.trimTimeout)
	defer cancel()
	o.register(job.ID, cancel)
	defer o.unregister(job.ID)

	workdir := filepath.Join(o.spoolDir, "trim-"+job.ID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		tr.fail(ctx, "could not create working directory: "+err.Error())
		return
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if err := o.removeAll(workdir); err != nil {
				slog.Warn("workdir cleanup failed", "job_id", job.ID, "path", workdir, "error", err)
			}
		})
	}
	defer cleanup()

	slog.Info("trim start",
		"job_id", job.ID,
		"source", job.SourceURL,
		"start_sec", job.StartSec,
		"end_sec", job.EndSec)

	res, err := o.trim(jobCtx, &job, workdir, tr)
	if err != nil {
		slog.Error("trim failed", "job_id", job.ID, "error", err)
		tr.fail(context.WithoutCancel(ctx), ingestFailureMessage(jobCtx, err))
		return
	}

	tr.send(jobCtx, StatusFinalizing, 95)
	tr.complete(context.WithoutCancel(ctx), res, "")
	slog.Info("trim completed", "job_id", job.ID)
}

func (o *Orchestrator) trim(ctx context.Context, job *TrimJob, workdir string, tr *tracker) (*upload.Result, error) {
	tr.send(ctx, StatusProcessing, 10)

	out := filepath.Join(workdir, job.ID+".mp4")
	start := time.Duration(job.StartSec * float64(time.Second))
	end := time.Duration(job.EndSec * float64(time.Second))

	progressC, drain := o.encoderProgress(ctx, tr, StatusProcessing, 10, 85, func() float64 {
		return job.EndSec - job.StartSec
	})
	err := o.trimFn(ctx, job.SourceURL, out, start, end, progressC)
	drain()
	if err != nil {
		return nil, fmt.Errorf("trim transcode: %w", err)
	}

	tr.send(ctx, StatusUploading, 90)
	return o.uploadAsset(ctx, tr, out, "ingest/"+job.ID+".mp4", "video/mp4")
}
