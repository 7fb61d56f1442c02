package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/config"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/release"
)

// markerObject is written once per batch so EnsureBatch is idempotent
const markerObject = ".release.json"

// Storage publishes release batches into an S3-compatible bucket. A batch
// is the key prefix "<tag>/".
type Storage struct {
	client        *minio.Client
	bucketName    string
	publicBaseURL string
	logger        *logging.Logger
}

type batchMarker struct {
	Tag       string    `json:"tag"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates a new storage client
func New(ctx context.Context, cfg config.S3Config, logger *logging.Logger) (*Storage, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	// Ensure bucket exists
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Storage{
		client:        client,
		bucketName:    cfg.BucketName,
		publicBaseURL: cfg.PublicBaseURL,
		logger:        logger,
	}, nil
}

// EnsureBatch creates the batch marker unless it already exists
func (s *Storage) EnsureBatch(ctx context.Context, tag string) (release.BatchHandle, error) {
	key := objectKey(tag, markerObject)
	handle := release.BatchHandle{Tag: tag, ID: tag + "/"}

	_, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return handle, nil
	}
	if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return release.BatchHandle{}, fmt.Errorf("failed to stat batch marker: %w", err)
	}

	data, err := json.Marshal(batchMarker{Tag: tag, CreatedAt: time.Now().UTC()})
	if err != nil {
		return release.BatchHandle{}, fmt.Errorf("failed to marshal batch marker: %w", err)
	}

	start := time.Now()
	_, err = s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	s.logger.LogStorageOperation("ensure_batch", s.bucketName, key, int64(len(data)), time.Since(start), err)
	if err != nil {
		return release.BatchHandle{}, fmt.Errorf("failed to create batch marker: %w", err)
	}

	return handle, nil
}

// Upload puts a local file into the batch and returns its public URL
func (s *Storage) Upload(ctx context.Context, handle release.BatchHandle, filePath string) (string, error) {
	name := filepath.Base(filePath)
	key := objectKey(handle.Tag, name)

	start := time.Now()
	info, err := s.client.FPutObject(ctx, s.bucketName, key, filePath, minio.PutObjectOptions{
		ContentType: getContentType(filePath),
	})
	s.logger.LogStorageOperation("upload", s.bucketName, key, info.Size, time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}

	return PublicURL(s.publicBaseURL, s.bucketName, handle.Tag, name), nil
}

// objectKey joins a batch tag and a file name
func objectKey(tag, name string) string {
	return path.Join(tag, name)
}

// PublicURL is publicBaseURL/bucket/tag/name with the name escaped
func PublicURL(publicBaseURL, bucket, tag, name string) string {
	return strings.TrimRight(publicBaseURL, "/") + "/" + url.PathEscape(bucket) + "/" + url.PathEscape(tag) + "/" + url.PathEscape(name)
}

// getContentType returns the content type based on file extension
func getContentType(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".m4a", ".aac":
		return "audio/mp4"
	case ".opus", ".ogg":
		return "audio/ogg"
	case ".json":
		return "application/json"
	case ".xml":
		return "application/rss+xml"
	default:
		return "application/octet-stream"
	}
}
