package main

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"clipforge.systems/ingest/internal/config"
	"clipforge.systems/ingest/internal/cookies"
	"clipforge.systems/ingest/internal/ingest"
	"clipforge.systems/ingest/internal/notify"
	"clipforge.systems/ingest/internal/server"
	"clipforge.systems/ingest/internal/upload"
	"clipforge.systems/ingest/pkg/ytdlp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting ingest worker")

	conf, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	yt := buildYtdlpClient(conf)
	checkTools(ctx, yt)

	sink, err := upload.Select(ctx, conf)
	if err != nil {
		slog.Error("failed to initialize upload backend", "error", err)
		os.Exit(1)
	}
	slog.Info("Upload backend selected", "backend", sink.Name())

	cache := cookies.NewCache("", 0)
	var broker *cookies.Broker
	if conf.CookieFetchURL != "" && conf.CookieFetchSecret != "" {
		broker = &cookies.Broker{URL: conf.CookieFetchURL, Secret: conf.CookieFetchSecret}
		slog.Info("Cookie broker configured")
	}

	notifier := notify.NewWebhook(conf.CallbackURL, conf.CallbackSecret)
	if !notifier.Configured() {
		slog.Warn("INGEST_CALLBACK_URL not set; progress events will be dropped")
	}

	orch := ingest.New(conf, yt, sink, notifier, cache, broker)

	var mediaDir string
	if local, ok := sink.(*upload.Local); ok {
		mediaDir = local.Dir()
	}

	e := server.NewServer(ctx, conf, orch, cache, mediaDir)

	addr := ":" + strconv.Itoa(conf.Port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	slog.Info("Listening", "addr", addr)
	if err := e.Start(addr); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		// Echo returns an error on Shutdown; treat it as normal if context is done.
		if ctx.Err() != nil {
			return
		}
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// buildYtdlpClient applies the environment-level cookie configuration:
// base64 cookie content wins, then a mounted cookie file, then a browser
// profile reference.
func buildYtdlpClient(conf *config.Config) *ytdlp.Client {
	yt := ytdlp.New()
	if conf.YtdlpPath != "" {
		yt.Path = conf.YtdlpPath
	}

	if b64 := conf.CookiesB64; b64 != "" {
		if content, err := base64.StdEncoding.DecodeString(b64); err != nil {
			slog.Warn("YT_DLP_COOKIES_B64 is not valid base64, ignoring", "error", err)
		} else if path, werr := writeCookieTemp(content); werr != nil {
			slog.Warn("could not write cookie temp file", "error", werr)
		} else {
			yt.CookiesFile = path
			return yt
		}
	}
	if conf.CookiesFile != "" {
		yt.CookiesFile = conf.CookiesFile
		return yt
	}
	yt.CookiesFromBrowser = conf.CookiesFromBrowser
	return yt
}

func writeCookieTemp(content []byte) (string, error) {
	f, err := os.CreateTemp("", "yt_cookies_*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// checkTools verifies the external binaries are reachable. Missing tools are
// a warning, not a startup failure: jobs report the real error when they run.
func checkTools(ctx context.Context, yt *ytdlp.Client) {
	if version, err := yt.Version(ctx); err != nil {
		slog.Warn("yt-dlp not available", "path", yt.PathOrDefault(), "error", err)
	} else {
		slog.Info("yt-dlp ready", "version", version)
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		slog.Warn("ffmpeg not found in PATH", "error", err)
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		slog.Warn("ffprobe not found in PATH", "error", err)
	}
}
