package source

import (
	"context"
	"time"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/metrics"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

// MetadataFetcher fetches the extended metadata of one item
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, id string) (models.Metadata, error)
}

// MetadataCache stores metadata between runs
type MetadataCache interface {
	GetMetadata(ctx context.Context, id string) (models.Metadata, bool, error)
	SetMetadata(ctx context.Context, id string, meta models.Metadata, ttl time.Duration) error
}

// CachedMetadata serves metadata from a cache before asking the platform.
// Cache failures never fail the lookup.
type CachedMetadata struct {
	next   MetadataFetcher
	cache  MetadataCache
	ttl    time.Duration
	logger *logging.Logger
}

// NewCachedMetadata wraps next with cache
func NewCachedMetadata(next MetadataFetcher, cache MetadataCache, ttl time.Duration, logger *logging.Logger) *CachedMetadata {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &CachedMetadata{next: next, cache: cache, ttl: ttl, logger: logger}
}

// FetchMetadata implements MetadataFetcher
func (c *CachedMetadata) FetchMetadata(ctx context.Context, id string) (models.Metadata, error) {
	meta, found, err := c.cache.GetMetadata(ctx, id)
	if err != nil {
		c.logger.WithVideoID(id).WarnWithErr("Metadata cache read failed", err)
	} else if found {
		metrics.RecordCacheAccess("metadata", true)
		return meta, nil
	}
	metrics.RecordCacheAccess("metadata", false)

	meta, err = c.next.FetchMetadata(ctx, id)
	if err != nil {
		return models.Metadata{}, err
	}

	if err := c.cache.SetMetadata(ctx, id, meta, c.ttl); err != nil {
		c.logger.WithVideoID(id).WarnWithErr("Metadata cache write failed", err)
	}
	return meta, nil
}
