package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"time"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/source"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/tracing"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

// UnknownTitle is used when neither metadata nor the listing carry a title
const UnknownTitle = "Unknown Title"

// Skip reasons
const (
	SkipDownloadFailed = "download_failed"
	SkipMissingFile    = "missing_file"
)

// AudioSource fetches audio and metadata for one item
type AudioSource interface {
	FetchAudio(ctx context.Context, id, destDir string) (string, error)
	FetchMetadata(ctx context.Context, id string) (models.Metadata, error)
}

// DurationProber measures audio duration in whole seconds
type DurationProber interface {
	Duration(ctx context.Context, path string) (int64, error)
}

// Normalizer rewrites an audio file in place
type Normalizer interface {
	NormalizeInPlace(ctx context.Context, path string) error
}

// WorkerConfig holds ingestion settings
type WorkerConfig struct {
	DownloadDir string
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// SkippedItem is an entry that produced no record this run
type SkippedItem struct {
	ID     string
	Reason string
	Err    error
}

// IngestResult is the outcome of one worker run
type IngestResult struct {
	Ingested []models.VideoRecord
	Skipped  []SkippedItem
}

// Worker downloads new entries one at a time
type Worker struct {
	cfg        WorkerConfig
	source     AudioSource
	prober     DurationProber
	normalizer Normalizer
	logger     *logging.Logger
	onIngested func(ctx context.Context, rec models.VideoRecord) error
	now        func() time.Time
	jitter     func(n int64) int64
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Worker
type Option func(*Worker)

// WithNormalizer enables loudness normalization of downloaded audio
func WithNormalizer(n Normalizer) Option {
	return func(w *Worker) { w.normalizer = n }
}

// WithOnIngested registers a callback run after each ingested item. An error
// from the callback stops the run.
func WithOnIngested(fn func(ctx context.Context, rec models.VideoRecord) error) Option {
	return func(w *Worker) { w.onIngested = fn }
}

// WithClock overrides the discovery clock
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// NewWorker creates an ingestion worker
func NewWorker(cfg WorkerConfig, src AudioSource, prober DurationProber, logger *logging.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	w := &Worker{
		cfg:    cfg,
		source: src,
		prober: prober,
		logger: logger,
		now:    time.Now,
		jitter: rand.Int64N,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run ingests entries sequentially with a random pause between items. On
// cancellation it returns what was ingested so far with the context error.
func (w *Worker) Run(ctx context.Context, entries []models.PlaylistEntry) (IngestResult, error) {
	var result IngestResult

	for i, entry := range entries {
		if i > 0 {
			if err := w.sleep(ctx, w.delay()); err != nil {
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		log := w.logger.WithVideoID(entry.ID)
		log.Infof("[%d/%d] Processing %s", i+1, len(entries), entry.Title)

		rec, skip := w.ingestOne(ctx, entry, log)
		if skip != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Skipped = append(result.Skipped, *skip)
			log.LogItemEvent(entry.ID, "ingest", "skipped", map[string]interface{}{
				"reason":         skip.Reason,
				"classification": source.Classification(skip.Err),
				"error":          errString(skip.Err),
			})
			continue
		}

		result.Ingested = append(result.Ingested, rec)
		log.LogItemEvent(entry.ID, "ingest", "ingested", map[string]interface{}{
			"size_bytes":       rec.SizeBytes,
			"duration_seconds": rec.DurationSeconds,
		})

		// The audio is already on disk; record it even if the run is being cancelled.
		if w.onIngested != nil {
			if err := w.onIngested(context.WithoutCancel(ctx), rec); err != nil {
				return result, fmt.Errorf("failed to persist %s: %w", rec.ID, err)
			}
		}
	}

	return result, nil
}

func (w *Worker) ingestOne(ctx context.Context, entry models.PlaylistEntry, log *logging.Logger) (models.VideoRecord, *SkippedItem) {
	span, ctx := tracing.StartItemSpan(ctx, "ingest.item", entry.ID)
	defer tracing.FinishSpan(span)

	path, err := w.source.FetchAudio(ctx, entry.ID, w.cfg.DownloadDir)
	if err != nil {
		tracing.LogError(span, err)
		return models.VideoRecord{}, &SkippedItem{ID: entry.ID, Reason: SkipDownloadFailed, Err: err}
	}

	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.WarnWithErr("Cannot stat downloaded audio", err)
		}
		tracing.LogError(span, err)
		return models.VideoRecord{}, &SkippedItem{ID: entry.ID, Reason: SkipMissingFile, Err: err}
	}

	if w.normalizer != nil {
		if err := w.normalizer.NormalizeInPlace(ctx, path); err != nil {
			log.WarnWithErr("Loudness normalization failed, keeping original audio", err)
		} else if normalized, err := os.Stat(path); err == nil {
			info = normalized
		}
	}

	var duration int64
	if w.prober != nil {
		duration, err = w.prober.Duration(ctx, path)
		if err != nil {
			log.WarnWithErr("Cannot read audio duration, recording 0", err)
			duration = 0
		}
	}

	rec := models.VideoRecord{
		ID:                entry.ID,
		Title:             entry.Title,
		DiscoveredAt:      models.NewTimestamp(w.now()),
		PublishedSourceAt: entry.PublishedAt,
		DurationSeconds:   duration,
		SizeBytes:         info.Size(),
		LocalPath:         path,
	}

	meta, err := w.source.FetchMetadata(ctx, entry.ID)
	if err != nil {
		log.WarnWithErr("Cannot fetch metadata, using listing data", err)
	} else {
		if meta.Title != "" {
			rec.Title = meta.Title
		}
		rec.Description = meta.Description
		if meta.PublishedAt != nil && !meta.PublishedAt.IsZero() {
			rec.PublishedSourceAt = meta.PublishedAt
		}
	}
	if rec.Title == "" {
		rec.Title = UnknownTitle
	}

	tracing.SetTag(span, "size_bytes", rec.SizeBytes)
	return rec, nil
}

// delay picks a uniform duration in [MinDelay, MaxDelay]
func (w *Worker) delay() time.Duration {
	span := int64(w.cfg.MaxDelay - w.cfg.MinDelay)
	if span <= 0 {
		return w.cfg.MinDelay
	}
	return w.cfg.MinDelay + time.Duration(w.jitter(span+1))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
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
