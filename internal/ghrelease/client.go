// Package ghrelease publishes release batches as GitHub Releases. Each batch
// tag maps to one release; episodes are uploaded as release assets.
package ghrelease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/config"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/release"
	"resty.dev/v3"
)

// ErrNotFound is returned when a release or asset does not exist
var ErrNotFound = errors.New("not found")

// Release is the subset of the GitHub release object we use
type Release struct {
	ID      int64  `json:"id"`
	TagName string `json:"tag_name"`
	Name    string `json:"name"`
	HTMLURL string `json:"html_url"`
}

// Asset is the subset of the GitHub release asset object we use
type Asset struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	State              string `json:"state"`
	Size               int64  `json:"size"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type apiError struct {
	Message string `json:"message"`
	Errors  []struct {
		Code string `json:"code"`
	} `json:"errors"`
}

func (e *apiError) alreadyExists() bool {
	for _, item := range e.Errors {
		if item.Code == "already_exists" {
			return true
		}
	}
	return false
}

// Client talks to the GitHub Releases API
type Client struct {
	api       *resty.Client
	uploadURL string
	owner     string
	repo      string
	token     string
	retries   int
	backoff   time.Duration
	logger    *logging.Logger
}

// New creates a client for cfg.Repository ("owner/name")
func New(cfg config.GitHubConfig, logger *logging.Logger) (*Client, error) {
	owner, repo, ok := strings.Cut(cfg.Repository, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("%w: invalid repository %q, want owner/name", config.ErrInvalidConfig, cfg.Repository)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	uploadURL := cfg.UploadURL
	if uploadURL == "" {
		uploadURL = "https://uploads.github.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	api := resty.New().
		SetBaseURL(strings.TrimRight(apiURL, "/")).
		SetAuthToken(cfg.Token).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("X-GitHub-Api-Version", "2022-11-28").
		SetHeader("User-Agent", "podmirror").
		SetTimeout(timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(30 * time.Second)

	return &Client{
		api:       api,
		uploadURL: strings.TrimRight(uploadURL, "/"),
		owner:     owner,
		repo:      repo,
		token:     cfg.Token,
		retries:   cfg.Retries,
		backoff:   2 * time.Second,
		logger:    logger,
	}, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	return c.api.Close()
}

func (c *Client) repoPath(format string, args ...interface{}) string {
	return fmt.Sprintf("/repos/%s/%s", url.PathEscape(c.owner), url.PathEscape(c.repo)) + fmt.Sprintf(format, args...)
}

// GetReleaseByTag returns the release for tag or ErrNotFound
func (c *Client) GetReleaseByTag(ctx context.Context, tag string) (*Release, error) {
	var rel Release
	var apiErr apiError
	resp, err := c.api.R().
		SetContext(ctx).
		SetResult(&rel).
		SetError(&apiErr).
		Get(c.repoPath("/releases/tags/%s", url.PathEscape(tag)))
	if err != nil {
		return nil, fmt.Errorf("failed to get release %s: %w", tag, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to get release %s: status %d: %s", tag, resp.StatusCode(), apiErr.Message)
	}
	return &rel, nil
}

// CreateRelease creates a published release for tag
func (c *Client) CreateRelease(ctx context.Context, tag string) (*Release, error) {
	var rel Release
	var apiErr apiError
	resp, err := c.api.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"tag_name":   tag,
			"name":       "Podcast episodes " + tag,
			"body":       "Audio files for podcast episodes.",
			"draft":      false,
			"prerelease": false,
		}).
		SetResult(&rel).
		SetError(&apiErr).
		Post(c.repoPath("/releases"))
	if err != nil {
		return nil, fmt.Errorf("failed to create release %s: %w", tag, err)
	}
	if resp.StatusCode() == http.StatusUnprocessableEntity && apiErr.alreadyExists() {
		return c.GetReleaseByTag(ctx, tag)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to create release %s: status %d: %s", tag, resp.StatusCode(), apiErr.Message)
	}
	return &rel, nil
}

// EnsureBatch gets or creates the release for tag
func (c *Client) EnsureBatch(ctx context.Context, tag string) (release.BatchHandle, error) {
	rel, err := c.GetReleaseByTag(ctx, tag)
	if errors.Is(err, ErrNotFound) {
		c.logger.WithBatchTag(tag).Info("Creating release")
		rel, err = c.CreateRelease(ctx, tag)
	}
	if err != nil {
		return release.BatchHandle{}, err
	}

	return release.BatchHandle{
		Tag:       tag,
		ID:        strconv.FormatInt(rel.ID, 10),
		UploadURL: fmt.Sprintf("%s%s", c.uploadURL, c.repoPath("/releases/%d/assets", rel.ID)),
	}, nil
}

// ListAssets returns every asset of a release
func (c *Client) ListAssets(ctx context.Context, releaseID string) ([]Asset, error) {
	var all []Asset
	for page := 1; ; page++ {
		var assets []Asset
		var apiErr apiError
		resp, err := c.api.R().
			SetContext(ctx).
			SetQueryParam("per_page", "100").
			SetQueryParam("page", strconv.Itoa(page)).
			SetResult(&assets).
			SetError(&apiErr).
			Get(c.repoPath("/releases/%s/assets", releaseID))
		if err != nil {
			return nil, fmt.Errorf("failed to list assets: %w", err)
		}
		if !resp.IsSuccess() {
			return nil, fmt.Errorf("failed to list assets: status %d: %s", resp.StatusCode(), apiErr.Message)
		}
		all = append(all, assets...)
		if len(assets) < 100 {
			return all, nil
		}
	}
}

// DeleteAsset removes a release asset
func (c *Client) DeleteAsset(ctx context.Context, assetID int64) error {
	resp, err := c.api.R().
		SetContext(ctx).
		Delete(c.repoPath("/releases/assets/%d", assetID))
	if err != nil {
		return fmt.Errorf("failed to delete asset %d: %w", assetID, err)
	}
	if !resp.IsSuccess() && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("failed to delete asset %d: status %d", assetID, resp.StatusCode())
	}
	return nil
}

// Upload attaches a local file to the release and returns its download URL.
// An identical asset left by an earlier interrupted run is reused.
func (c *Client) Upload(ctx context.Context, handle release.BatchHandle, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	name := filepath.Base(path)

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, c.backoff*time.Duration(attempt)); err != nil {
				return "", err
			}
		}

		start := time.Now()
		asset, status, err := c.uploadOnce(ctx, handle.UploadURL, path, name, info.Size())
		c.logger.LogStorageOperation("upload_asset", handle.Tag, name, info.Size(), time.Since(start), err)
		if err == nil {
			return asset.BrowserDownloadURL, nil
		}
		lastErr = err

		if status == http.StatusUnprocessableEntity {
			existing, reuseErr := c.reuseOrDelete(ctx, handle, name, info.Size())
			if reuseErr != nil {
				return "", reuseErr
			}
			if existing != "" {
				return existing, nil
			}
			continue
		}
		if status != 0 && status < http.StatusInternalServerError && status != http.StatusTooManyRequests {
			return "", err
		}
	}
	return "", lastErr
}

// reuseOrDelete handles an asset name clash. It returns the existing URL when
// the asset is complete, otherwise deletes it so the upload can be retried.
func (c *Client) reuseOrDelete(ctx context.Context, handle release.BatchHandle, name string, size int64) (string, error) {
	assets, err := c.ListAssets(ctx, handle.ID)
	if err != nil {
		return "", err
	}
	for _, asset := range assets {
		if asset.Name != name {
			continue
		}
		if asset.State == "uploaded" && asset.Size == size {
			c.logger.WithBatchTag(handle.Tag).WithField("asset", name).Info("Reusing existing release asset")
			return asset.BrowserDownloadURL, nil
		}
		c.logger.WithBatchTag(handle.Tag).WithField("asset", name).Warn("Deleting incomplete release asset")
		return "", c.DeleteAsset(ctx, asset.ID)
	}
	return "", fmt.Errorf("asset %s rejected but not found in release %s", name, handle.Tag)
}

// uploadOnce streams the file with an explicit Content-Length, which the
// upload endpoint requires.
func (c *Client) uploadOnce(ctx context.Context, uploadURL, path, name string, size int64) (*Asset, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	target := uploadURL + "?name=" + url.QueryEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, f)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "audio/mpeg")
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", "podmirror")

	resp, err := c.api.Client().Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to upload %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = decodeJSON(resp, &apiErr)
		return nil, resp.StatusCode, fmt.Errorf("failed to upload %s: status %d: %s", name, resp.StatusCode, apiErr.Message)
	}

	var asset Asset
	if err := decodeJSON(resp, &asset); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if asset.BrowserDownloadURL == "" {
		return nil, resp.StatusCode, fmt.Errorf("upload response for %s has no download url", name)
	}
	return &asset, resp.StatusCode, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func decodeJSON(resp *http.Response, dest interface{}) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}
