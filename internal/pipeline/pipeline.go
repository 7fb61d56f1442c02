// Package pipeline runs the ingest, publish and feed stages against the state store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/feed"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/ingest"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/metrics"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/release"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/source"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/state"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/tracing"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

// ErrNotConfigured is returned when a stage runs without its collaborator
var ErrNotConfigured = errors.New("stage is not configured")

// Source lists the playlist and fetches individual items
type Source interface {
	ListPlaylist(ctx context.Context, playlistURL string) ([]models.PlaylistEntry, error)
	ingest.AudioSource
}

// Config holds per-stage settings
type Config struct {
	PlaylistURL string
	Worker      ingest.WorkerConfig
	Release     release.Config
	Show        feed.ShowConfig
	LockPath    string
}

// Deps are the collaborators of a pipeline. Only Store is required; each
// stage checks for the collaborators it uses.
type Deps struct {
	Store      state.Store
	Source     Source
	Prober     ingest.DurationProber
	Normalizer ingest.Normalizer
	Publisher  release.Publisher
	Renderer   *feed.Renderer
	Notifiers  []Notifier
}

// Pipeline orchestrates the stages. Every stage loads the full state, mutates
// a copy and saves it back; no records are shared between stages.
type Pipeline struct {
	cfg        Config
	store      state.Store
	source     Source
	prober     ingest.DurationProber
	normalizer ingest.Normalizer
	publisher  release.Publisher
	renderer   *feed.Renderer
	notifiers  []Notifier
	logger     *logging.Logger
	now        func() time.Time
	newRunID   func() string
}

// New creates a pipeline
func New(cfg Config, deps Deps, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		cfg:        cfg,
		store:      deps.Store,
		source:     deps.Source,
		prober:     deps.Prober,
		normalizer: deps.Normalizer,
		publisher:  deps.Publisher,
		renderer:   deps.Renderer,
		notifiers:  deps.Notifiers,
		logger:     logger,
		now:        time.Now,
		newRunID:   func() string { return uuid.New().String() },
	}
}

// Status loads the ledger and summarizes it without modifying anything
func (p *Pipeline) Status(ctx context.Context) (StatusReport, error) {
	st, err := p.store.Load(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("failed to load state: %w", err)
	}
	metrics.UpdateRecordCounts(CountByStatus(st.Videos))
	return NewStatusReport(st), nil
}

// Ingest discovers new playlist items and downloads them
func (p *Pipeline) Ingest(ctx context.Context) (Summary, error) {
	if err := p.checkIngest(); err != nil {
		return Summary{}, err
	}
	return p.stage(ctx, StageIngest, p.ingest)
}

// Publish uploads ingested audio into release batches
func (p *Pipeline) Publish(ctx context.Context) (Summary, error) {
	if err := p.checkPublish(); err != nil {
		return Summary{}, err
	}
	return p.stage(ctx, StagePublish, p.publish)
}

// Feed regenerates the podcast feed from published records
func (p *Pipeline) Feed(ctx context.Context) (Summary, error) {
	if err := p.checkFeed(); err != nil {
		return Summary{}, err
	}
	return p.stage(ctx, StageFeed, p.feed)
}

// Run performs ingest, publish and feed in order. Configuration for every
// stage is checked before the first one touches state.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	for _, check := range []func() error{p.checkIngest, p.checkPublish, p.checkFeed} {
		if err := check(); err != nil {
			return Summary{}, err
		}
	}

	return p.stage(ctx, StageRun, func(ctx context.Context, runID string, log *logging.Logger) (Summary, error) {
		total := Summary{RunID: runID, Stage: StageRun}
		for _, s := range []struct {
			name string
			fn   func(context.Context, string, *logging.Logger) (Summary, error)
		}{
			{StageIngest, p.ingest},
			{StagePublish, p.publish},
			{StageFeed, p.feed},
		} {
			stageStart := p.now()
			sum, err := s.fn(ctx, runID, log.WithStage(s.name))
			metrics.RecordStage(s.name, err, p.now().Sub(stageStart).Seconds(), float64(p.now().Unix()))
			total.merge(sum)
			if err != nil {
				return total, fmt.Errorf("%s stage failed: %w", s.name, err)
			}
		}
		return total, nil
	})
}

func (p *Pipeline) checkIngest() error {
	if p.source == nil {
		return fmt.Errorf("%w: ingest requires a source client", ErrNotConfigured)
	}
	if p.cfg.PlaylistURL == "" {
		return fmt.Errorf("%w: ingest requires a playlist url", ErrNotConfigured)
	}
	return nil
}

func (p *Pipeline) checkPublish() error {
	if p.publisher == nil {
		return fmt.Errorf("%w: publish requires a publisher", ErrNotConfigured)
	}
	if p.cfg.Release.CapacityBytes <= 0 {
		return fmt.Errorf("%w: release capacity must be positive", ErrNotConfigured)
	}
	return nil
}

func (p *Pipeline) checkFeed() error {
	if p.renderer == nil {
		return fmt.Errorf("%w: feed requires a renderer", ErrNotConfigured)
	}
	return p.cfg.Show.Validate()
}

type stageFunc func(ctx context.Context, runID string, log *logging.Logger) (Summary, error)

// stage wraps fn with the state lock, a run ID, a span and stage metrics
func (p *Pipeline) stage(ctx context.Context, name string, fn stageFunc) (Summary, error) {
	runID := p.newRunID()
	log := p.logger.WithRunID(runID).WithStage(name)

	if p.cfg.LockPath != "" {
		lock, err := state.AcquireLock(p.cfg.LockPath)
		if err != nil {
			metrics.RecordError(name, "locked")
			return Summary{RunID: runID, Stage: name}, err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				log.WarnWithErr("Failed to release state lock", err)
			}
		}()
	}

	span, ctx := tracing.StartSpan(ctx, "pipeline."+name)
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "run.id", runID)

	start := p.now()
	log.Info("Stage starting")

	sum, err := fn(ctx, runID, log)
	sum.RunID = runID
	sum.Stage = name
	sum.Duration = p.now().Sub(start)

	if name != StageRun {
		metrics.RecordStage(name, err, sum.Duration.Seconds(), float64(p.now().Unix()))
	}
	if err != nil {
		tracing.LogError(span, err)
		metrics.RecordError(name, errorType(err))
		log.WithField("duration_ms", sum.Duration.Milliseconds()).ErrorWithErr("Stage failed", err)
		return sum, err
	}

	log.WithFields(map[string]interface{}{
		"new":           sum.New,
		"skipped":       sum.Skipped,
		"published":     sum.Published,
		"failed":        sum.Failed,
		"total":         sum.Total,
		"feed_episodes": sum.FeedEpisodes,
		"duration_ms":   sum.Duration.Milliseconds(),
	}).Info("Stage finished")
	return sum, nil
}

func (p *Pipeline) ingest(ctx context.Context, runID string, log *logging.Logger) (Summary, error) {
	sum := Summary{}

	st, err := p.store.Load(ctx)
	if err != nil {
		return sum, fmt.Errorf("failed to load state: %w", err)
	}
	records := st.Videos
	sum.Total = len(records)

	listing, err := p.source.ListPlaylist(ctx, p.cfg.PlaylistURL)
	if err != nil {
		if !errors.Is(err, source.ErrFetch) {
			err = fmt.Errorf("%w: %w", source.ErrFetch, err)
		}
		return sum, err
	}

	diff, err := ingest.Diff(listing, records)
	for _, entry := range diff.Invalid {
		log.WithField("entry_title", entry.Title).Warnf("Dropping listing entry with invalid id %q", entry.ID)
	}
	if err != nil {
		return sum, err
	}
	log.WithFields(map[string]interface{}{
		"listed":     len(listing),
		"new":        len(diff.New),
		"known":      diff.Known,
		"duplicates": diff.Duplicates,
	}).Info("Playlist diffed")

	if len(diff.New) > 0 {
		opts := []ingest.Option{
			ingest.WithClock(p.now),
			ingest.WithOnIngested(func(ctx context.Context, rec models.VideoRecord) error {
				records = state.Merge(records, []models.VideoRecord{rec})
				metrics.RecordIngested(rec.SizeBytes)
				return p.store.Save(ctx, records)
			}),
		}
		if p.normalizer != nil {
			opts = append(opts, ingest.WithNormalizer(p.normalizer))
		}

		worker := ingest.NewWorker(p.cfg.Worker, p.source, p.prober, log, opts...)
		result, runErr := worker.Run(ctx, diff.New)
		sum.New = len(result.Ingested)
		sum.Skipped = len(result.Skipped)
		for _, skip := range result.Skipped {
			metrics.RecordSkipped(skip.Reason, source.Classification(skip.Err))
			p.notifyFailed(ctx, skip.ID, StageIngest, skip.Err)
		}
		if runErr != nil {
			sum.Total = len(records)
			return sum, runErr
		}
	}

	if err := p.store.Save(ctx, records); err != nil {
		return sum, fmt.Errorf("failed to save state: %w", err)
	}
	sum.Total = len(records)
	metrics.UpdateRecordCounts(CountByStatus(records))
	return sum, nil
}

func (p *Pipeline) publish(ctx context.Context, runID string, log *logging.Logger) (Summary, error) {
	sum := Summary{}

	st, err := p.store.Load(ctx)
	if err != nil {
		return sum, fmt.Errorf("failed to load state: %w", err)
	}
	sum.Total = len(st.Videos)

	batcher := release.NewBatcher(p.cfg.Release, p.publisher, log)
	batcher.SetClock(p.now)
	batcher.OnPublished(func(ctx context.Context, records []models.VideoRecord) error {
		return p.store.Save(ctx, records)
	})

	result, err := batcher.Publish(ctx, st.Videos)
	sum.Published = len(result.Published)
	sum.Failed = len(result.Failed)
	sum.Batches = result.Batches
	if result.Records != nil {
		sum.Total = len(result.Records)
	}

	for _, rec := range result.Published {
		metrics.RecordPublished(rec.SizeBytes)
		p.notifyPublished(ctx, rec)
	}
	for _, failed := range result.Failed {
		metrics.RecordPublishFailure()
		p.notifyFailed(ctx, failed.ID, StagePublish, failed.Err)
	}
	for _, batch := range result.Batches {
		metrics.UpdateBatch(batch.Tag, batch.CumulativeBytes)
	}
	if result.Records != nil {
		metrics.UpdateRecordCounts(CountByStatus(result.Records))
	}
	return sum, err
}

func (p *Pipeline) feed(ctx context.Context, runID string, log *logging.Logger) (Summary, error) {
	sum := Summary{}

	show := p.cfg.Show
	if err := show.Validate(); err != nil {
		return sum, err
	}

	st, err := p.store.Load(ctx)
	if err != nil {
		return sum, fmt.Errorf("failed to load state: %w", err)
	}
	sum.Total = len(st.Videos)

	episodes := feed.Assemble(st.Videos)
	if err := p.renderer.Render(show, episodes); err != nil {
		return sum, err
	}
	sum.FeedEpisodes = len(episodes)
	metrics.UpdateFeedEpisodes(len(episodes))
	p.notifyFeed(ctx, p.renderer.OutputPath(), len(episodes))
	return sum, nil
}

func errorType(err error) string {
	switch {
	case errors.Is(err, state.ErrLocked):
		return "locked"
	case errors.Is(err, ingest.ErrEmptyPlaylist):
		return "empty_playlist"
	case errors.Is(err, source.ErrFetch):
		return "fetch"
	case errors.Is(err, feed.ErrIncompleteShow):
		return "incomplete_show"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}
