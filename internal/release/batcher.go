// Package release assigns ingested audio to size-bounded release batches and
// publishes it.
package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/tracing"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

// BatchHandle identifies a publish destination created by a Publisher
type BatchHandle struct {
	Tag       string
	ID        string
	UploadURL string
}

// Publisher creates batch destinations and uploads assets into them
type Publisher interface {
	EnsureBatch(ctx context.Context, tag string) (BatchHandle, error)
	Upload(ctx context.Context, handle BatchHandle, path string) (string, error)
}

// Config holds batching settings
type Config struct {
	CapacityBytes    int64
	TagPrefix        string
	ResumeLatest     bool
	RemoveLocalFiles bool
}

// FailedItem is a candidate left unpublished this run
type FailedItem struct {
	ID  string
	Err error
}

// PublishResult is the outcome of one Publish call
type PublishResult struct {
	Records   []models.VideoRecord
	Published []models.VideoRecord
	Failed    []FailedItem
	Batches   []models.ReleaseBatch
}

// Batcher publishes pending records into release batches
type Batcher struct {
	cfg         Config
	publisher   Publisher
	logger      *logging.Logger
	now         func() time.Time
	onPublished func(ctx context.Context, records []models.VideoRecord) error
}

// NewBatcher creates a batcher
func NewBatcher(cfg Config, publisher Publisher, logger *logging.Logger) *Batcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Batcher{cfg: cfg, publisher: publisher, logger: logger, now: time.Now}
}

// OnPublished registers a callback receiving the full record set after each
// successful publish. An error from the callback aborts the run.
func (b *Batcher) OnPublished(fn func(ctx context.Context, records []models.VideoRecord) error) {
	b.onPublished = fn
}

// SetClock overrides the clock used for tags
func (b *Batcher) SetClock(now func() time.Time) {
	b.now = now
}

type openBatch struct {
	batch  models.ReleaseBatch
	handle *BatchHandle
}

// Publish uploads every pending record. The input slice is not modified; the
// result carries the updated records.
func (b *Batcher) Publish(ctx context.Context, records []models.VideoRecord) (PublishResult, error) {
	if b.cfg.CapacityBytes <= 0 {
		return PublishResult{}, fmt.Errorf("release capacity must be positive, got %d", b.cfg.CapacityBytes)
	}

	out := models.CloneRecords(records)
	result := PublishResult{Records: out}

	tags := make(map[string]struct{})
	for i := range out {
		if tag := out[i].BatchTag(); tag != "" {
			tags[tag] = struct{}{}
		}
	}

	var current *openBatch
	if b.cfg.ResumeLatest {
		if batches := models.BatchesFromRecords(out); len(batches) > 0 {
			current = &openBatch{batch: batches[len(batches)-1]}
		}
	}

	touched := make(map[string]struct{})
	for _, idx := range pendingIndices(out) {
		if err := ctx.Err(); err != nil {
			result.Batches = touchedBatches(out, touched)
			return result, err
		}

		rec := &out[idx]
		log := b.logger.WithVideoID(rec.ID)

		info, err := os.Stat(rec.LocalPath)
		if err != nil {
			result.Failed = append(result.Failed, FailedItem{ID: rec.ID, Err: fmt.Errorf("local audio missing: %w", err)})
			log.LogItemEvent(rec.ID, "publish", "failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		size := info.Size()

		if current == nil || current.batch.Sealed(b.cfg.CapacityBytes) || !current.batch.Fits(size, b.cfg.CapacityBytes) {
			if current != nil {
				b.logger.WithBatchTag(current.batch.Tag).Infof("Batch full at %d bytes, rolling over", current.batch.CumulativeBytes)
			}
			tag := NewTag(b.cfg.TagPrefix, b.now(), tags)
			tags[tag] = struct{}{}
			current = &openBatch{batch: models.ReleaseBatch{Tag: tag}}
		}

		url, err := b.publishOne(ctx, current, rec.LocalPath, rec.ID)
		if err != nil {
			result.Failed = append(result.Failed, FailedItem{ID: rec.ID, Err: err})
			log.WithBatchTag(current.batch.Tag).LogItemEvent(rec.ID, "publish", "failed", map[string]interface{}{"error": err.Error()})
			continue
		}

		localPath := rec.LocalPath
		rec.SizeBytes = size
		if err := rec.MarkPublished(current.batch.Tag, url); err != nil {
			return result, fmt.Errorf("failed to mark %s published: %w", rec.ID, err)
		}
		current.batch.Add(size)
		touched[current.batch.Tag] = struct{}{}
		result.Published = append(result.Published, *rec)

		log.WithBatchTag(current.batch.Tag).LogItemEvent(rec.ID, "publish", "published", map[string]interface{}{
			"public_url":       url,
			"size_bytes":       size,
			"cumulative_bytes": current.batch.CumulativeBytes,
		})

		// The upload already happened; persist it even if the run is being cancelled.
		if b.onPublished != nil {
			if err := b.onPublished(context.WithoutCancel(ctx), out); err != nil {
				result.Batches = touchedBatches(out, touched)
				return result, fmt.Errorf("failed to persist publication of %s: %w", rec.ID, err)
			}
		}

		if b.cfg.RemoveLocalFiles {
			if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.WarnWithErr("Failed to remove local audio", err)
			}
		}
	}

	result.Batches = touchedBatches(out, touched)
	return result, nil
}

func (b *Batcher) publishOne(ctx context.Context, current *openBatch, path, videoID string) (string, error) {
	span, ctx := tracing.StartItemSpan(ctx, "publish.item", videoID)
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "batch.tag", current.batch.Tag)

	if current.handle == nil {
		handle, err := b.publisher.EnsureBatch(ctx, current.batch.Tag)
		if err != nil {
			tracing.LogError(span, err)
			return "", fmt.Errorf("failed to ensure batch %s: %w", current.batch.Tag, err)
		}
		current.handle = &handle
	}

	url, err := b.publisher.Upload(ctx, *current.handle, path)
	if err != nil {
		tracing.LogError(span, err)
		return "", fmt.Errorf("failed to upload to %s: %w", current.batch.Tag, err)
	}
	if url == "" {
		return "", fmt.Errorf("publisher returned an empty url for %s", path)
	}
	return url, nil
}

// pendingIndices lists records awaiting publication, oldest discovery first
func pendingIndices(records []models.VideoRecord) []int {
	var idx []int
	for i := range records {
		if records[i].IsPendingPublish() {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, c int) bool {
		return records[idx[a]].DiscoveredAt.Before(records[idx[c]].DiscoveredAt.Time)
	})
	return idx
}

func touchedBatches(records []models.VideoRecord, touched map[string]struct{}) []models.ReleaseBatch {
	var out []models.ReleaseBatch
	for _, batch := range models.BatchesFromRecords(records) {
		if _, ok := touched[batch.Tag]; ok {
			out = append(out, batch)
		}
	}
	return out
}
