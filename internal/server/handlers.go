package server

import (
	"encoding/base64"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"clipforge.systems/ingest/internal/ingest"
)

type ingestRequest struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	Type         string `json:"type"`
	CookiesB64   string `json:"cookies_b64"`
	Cookies      string `json:"cookies"`
	UserID       string `json:"userId"`
	UserAgent    string `json:"ua"`
	PlayerClient string `json:"playerClient"`
}

func (s *Server) handleIngest(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid JSON body"})
	}
	if strings.TrimSpace(req.URL) == "" {
		return c.JSON(400, map[string]string{"error": "Missing url"})
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	job := ingest.Job{
		ID:         req.ID,
		SourceURL:  req.URL,
		Type:       ingest.ParseSourceType(req.Type),
		CookiesB64: req.CookiesB64,
		Cookies:    req.Cookies,
		UserID:     req.UserID,
		Hints: ingest.Hints{
			UserAgent:    req.UserAgent,
			PlayerClient: req.PlayerClient,
		},
	}
	go s.orch.RunIngest(s.jobCtx, job)

	return c.JSON(202, map[string]any{"accepted": true, "jobId": job.ID})
}

type trimRequest struct {
	ID        string  `json:"id"`
	SourceURL string  `json:"sourceUrl"`
	StartSec  float64 `json:"startSec"`
	EndSec    float64 `json:"endSec"`
	PostID    string  `json:"postId"`
}

func (s *Server) handleTrim(c echo.Context) error {
	var req trimRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid JSON body"})
	}
	if strings.TrimSpace(req.SourceURL) == "" {
		return c.JSON(400, map[string]string{"error": "Missing sourceUrl"})
	}
	if req.EndSec > 0 && req.EndSec <= req.StartSec {
		return c.JSON(400, map[string]string{"error": "endSec must be greater than startSec"})
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	go s.orch.RunTrim(s.jobCtx, ingest.TrimJob{
		ID:        req.ID,
		SourceURL: req.SourceURL,
		StartSec:  req.StartSec,
		EndSec:    req.EndSec,
		PostID:    req.PostID,
	})

	return c.JSON(202, map[string]any{"accepted": true, "jobId": req.ID})
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if !s.orch.Cancel(id) {
		return c.JSON(404, map[string]string{"error": "No active job with that id"})
	}
	return c.JSON(200, map[string]any{"canceled": true, "jobId": id})
}

type cookiesUpdateRequest struct {
	UserID     string `json:"userId"`
	CookiesB64 string `json:"cookies_b64"`
	Cookies    string `json:"cookies"`
}

func (s *Server) handleCookiesUpdate(c echo.Context) error {
	var req cookiesUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid JSON body"})
	}
	if strings.TrimSpace(req.UserID) == "" {
		return c.JSON(400, map[string]string{"error": "Missing userId"})
	}

	var content []byte
	if b64 := strings.TrimSpace(req.CookiesB64); b64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return c.JSON(400, map[string]string{"error": "Invalid cookies_b64"})
		}
		content = decoded
	} else if plain := strings.TrimSpace(req.Cookies); plain != "" {
		content = []byte(plain)
	} else {
		return c.JSON(400, map[string]string{"error": "Missing cookies_b64 or cookies"})
	}

	if _, err := s.cache.Put(req.UserID, content); err != nil {
		return c.JSON(500, map[string]string{"error": err.Error()})
	}
	return c.JSON(200, map[string]any{"ok": true, "ttl": s.cache.TTL().String()})
}

func (s *Server) handleHealthz(c echo.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return c.JSON(200, map[string]any{
		"status":     "healthy",
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"activeJobs": s.orch.Active(),
		"heap":       humanize.Bytes(mem.HeapAlloc),
		"goroutines": runtime.NumGoroutine(),
	})
}
