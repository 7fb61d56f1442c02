// Package source talks to the video platform through the yt-dlp binary.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

const watchURL = "https://www.youtube.com/watch?v="

// Config holds yt-dlp client settings
type Config struct {
	YtDlpPath    string
	CookiesFile  string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	AudioFormat  string
	AudioQuality string
}

// Client wraps yt-dlp invocations
type Client struct {
	cfg    Config
	runner Runner
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewClient creates a yt-dlp client. A nil runner uses ExecRunner.
func NewClient(cfg Config, runner Runner, logger *logging.Logger) *Client {
	if cfg.YtDlpPath == "" {
		cfg.YtDlpPath = "yt-dlp"
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = "mp3"
	}
	if cfg.AudioQuality == "" {
		cfg.AudioQuality = "128K"
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{cfg: cfg, runner: runner, logger: logger, sleep: sleepContext}
}

// VideoURL returns the watch URL of a video ID
func VideoURL(id string) string {
	return watchURL + id
}

// ytInfo is the subset of yt-dlp's JSON output we read
type ytInfo struct {
	Type        string    `json:"_type"`
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	UploadDate  string    `json:"upload_date"`
	Timestamp   *float64  `json:"timestamp"`
	Entries     []*ytInfo `json:"entries"`
}

func (i *ytInfo) publishedAt() *models.Timestamp {
	if i.UploadDate != "" {
		if ts, err := models.ParseTimestamp(i.UploadDate); err == nil {
			return &ts
		}
	}
	if i.Timestamp != nil && *i.Timestamp > 0 {
		ts := models.NewTimestamp(time.Unix(int64(*i.Timestamp), 0))
		return &ts
	}
	return nil
}

// ListPlaylist fetches the flat listing of a playlist. A single-video URL is
// returned as a one-item listing; unavailable (null) entries are dropped.
func (c *Client) ListPlaylist(ctx context.Context, playlistURL string) ([]models.PlaylistEntry, error) {
	args := c.baseArgs(
		"--flat-playlist",
		"--dump-single-json",
		"--ignore-errors",
		"--extractor-retries", "3",
	)
	args = append(args, playlistURL)

	stdout, err := c.run(ctx, "list", "", args)
	if err != nil {
		return nil, err
	}

	var info ytInfo
	if err := json.Unmarshal(stdout, &info); err != nil {
		return nil, fmt.Errorf("%w: failed to parse playlist listing: %v", ErrFetch, err)
	}

	if info.Type != "playlist" && info.Entries == nil {
		if info.ID == "" {
			return nil, fmt.Errorf("%w: %s is neither a playlist nor a video", ErrFetch, playlistURL)
		}
		c.logger.WithField("url", playlistURL).Warn("URL is a single video, treating it as a one-item playlist")
		return []models.PlaylistEntry{{ID: info.ID, Title: info.Title, PublishedAt: info.publishedAt()}}, nil
	}

	entries := make([]models.PlaylistEntry, 0, len(info.Entries))
	dropped := 0
	for _, e := range info.Entries {
		if e == nil {
			dropped++
			continue
		}
		entries = append(entries, models.PlaylistEntry{ID: e.ID, Title: e.Title, PublishedAt: e.publishedAt()})
	}

	c.logger.WithFields(map[string]interface{}{
		"playlist": info.Title,
		"entries":  len(entries),
		"dropped":  dropped,
	}).Info("Fetched playlist listing")

	return entries, nil
}

// FetchAudio downloads the audio of a video into destDir and returns the
// resulting file path.
func (c *Client) FetchAudio(ctx context.Context, id, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	args := c.baseArgs(
		"--format", "bestaudio/best",
		"--extract-audio",
		"--audio-format", c.cfg.AudioFormat,
		"--audio-quality", c.cfg.AudioQuality,
		"--output", filepath.Join(destDir, id+".%(ext)s"),
		"--retries", "3",
		"--extractor-retries", "3",
		"--no-playlist",
		"--no-progress",
	)
	args = append(args, VideoURL(id))

	if _, err := c.run(ctx, "download", id, args); err != nil {
		return "", err
	}

	return filepath.Join(destDir, id+"."+c.cfg.AudioFormat), nil
}

// FetchMetadata reads the full metadata of a single video
func (c *Client) FetchMetadata(ctx context.Context, id string) (models.Metadata, error) {
	args := c.baseArgs("--dump-single-json", "--skip-download", "--no-playlist")
	args = append(args, VideoURL(id))

	stdout, err := c.run(ctx, "metadata", id, args)
	if err != nil {
		return models.Metadata{}, err
	}

	var info ytInfo
	if err := json.Unmarshal(stdout, &info); err != nil {
		return models.Metadata{}, fmt.Errorf("%w: failed to parse metadata for %s: %v", ErrFetch, id, err)
	}

	meta := models.Metadata{Title: info.Title, PublishedAt: info.publishedAt()}
	if info.Description != nil {
		meta.Description = *info.Description
	}
	return meta, nil
}

func (c *Client) baseArgs(args ...string) []string {
	out := []string{"--quiet", "--no-warnings"}
	if c.cfg.CookiesFile != "" {
		if _, err := os.Stat(c.cfg.CookiesFile); err == nil {
			out = append(out, "--cookies", c.cfg.CookiesFile)
		}
	}
	return append(out, args...)
}

// run executes yt-dlp with a per-attempt timeout, retrying transient failures.
func (c *Client) run(ctx context.Context, op, id string, args []string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBackoff * time.Duration(attempt)
			c.logger.WithFields(map[string]interface{}{
				"op":       op,
				"video_id": id,
				"attempt":  attempt + 1,
				"backoff":  backoff.String(),
			}).WarnWithErr("Retrying transient yt-dlp failure", lastErr)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		stdout, err := c.runOnce(ctx, op, id, args)
		if err == nil {
			return stdout, nil
		}
		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) runOnce(ctx context.Context, op, id string, args []string) ([]byte, error) {
	callCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	stdout, stderr, err := c.runner.Run(callCtx, c.cfg.YtDlpPath, args...)
	if err == nil {
		return stdout, nil
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	msg := lastLine(string(stderr))
	target := op
	if id != "" {
		target = op + " " + id
	}
	if kind := classify(string(stderr), err); kind != nil {
		return nil, fmt.Errorf("%w: %w: yt-dlp %s: %v: %s", ErrFetch, kind, target, err, msg)
	}
	return nil, fmt.Errorf("%w: yt-dlp %s: %v: %s", ErrFetch, target, err, msg)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
