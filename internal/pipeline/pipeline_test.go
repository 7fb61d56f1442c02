package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/config"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/feed"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/ingest"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/release"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/source"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/state"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu    sync.Mutex
	state models.State
	saves int
}

func (m *memStore) Load(ctx context.Context) (models.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state
	st.Videos = models.CloneRecords(m.state.Videos)
	return st, nil
}

func (m *memStore) Save(ctx context.Context, records []models.VideoRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := models.NewTimestamp(fixedNow)
	m.state = models.State{LastUpdated: &ts, Videos: models.CloneRecords(records)}
	m.saves++
	return nil
}

func (m *memStore) records() []models.VideoRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.CloneRecords(m.state.Videos)
}

// fakeSource writes sparse files so large sizes cost no disk
type fakeSource struct {
	listing  []models.PlaylistEntry
	listErr  error
	sizes    map[string]int64
	failing  map[string]error
	fetched  []string
	metadata map[string]models.Metadata
}

func (f *fakeSource) ListPlaylist(ctx context.Context, playlistURL string) ([]models.PlaylistEntry, error) {
	return f.listing, f.listErr
}

func (f *fakeSource) FetchAudio(ctx context.Context, id, destDir string) (string, error) {
	f.fetched = append(f.fetched, id)
	if err, ok := f.failing[id]; ok {
		return "", err
	}
	path := filepath.Join(destDir, id+".mp3")
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	if err := file.Truncate(f.sizes[id]); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeSource) FetchMetadata(ctx context.Context, id string) (models.Metadata, error) {
	if meta, ok := f.metadata[id]; ok {
		return meta, nil
	}
	return models.Metadata{}, errors.New("no metadata")
}

type fakeProber struct{}

func (fakeProber) Duration(ctx context.Context, path string) (int64, error) {
	return 1800, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	ensured []string
	uploads map[string][]string
}

func (f *fakePublisher) EnsureBatch(ctx context.Context, tag string) (release.BatchHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, tag)
	return release.BatchHandle{Tag: tag, ID: "id-" + tag}, nil
}

func (f *fakePublisher) Upload(ctx context.Context, handle release.BatchHandle, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploads == nil {
		f.uploads = make(map[string][]string)
	}
	name := filepath.Base(path)
	f.uploads[handle.Tag] = append(f.uploads[handle.Tag], name)
	return "https://downloads.example.com/" + handle.Tag + "/" + name, nil
}

type recordingNotifier struct {
	published []models.EpisodePublishedEvent
	failed    []models.EpisodeFailedEvent
	feeds     []models.FeedGeneratedEvent
	err       error
}

func (r *recordingNotifier) Name() string { return "recorder" }

func (r *recordingNotifier) EpisodePublished(ctx context.Context, evt models.EpisodePublishedEvent) error {
	r.published = append(r.published, evt)
	return r.err
}

func (r *recordingNotifier) EpisodeFailed(ctx context.Context, evt models.EpisodeFailedEvent) error {
	r.failed = append(r.failed, evt)
	return r.err
}

func (r *recordingNotifier) FeedGenerated(ctx context.Context, evt models.FeedGeneratedEvent) error {
	r.feeds = append(r.feeds, evt)
	return r.err
}

func testShow() feed.ShowConfig {
	return feed.ShowConfig{
		Title:       "Mirror",
		Description: "Mirrored talks",
		Author:      "Ops",
		Language:    "en",
		Link:        "https://example.com",
	}
}

type fixture struct {
	pipeline  *Pipeline
	store     *memStore
	source    *fakeSource
	publisher *fakePublisher
	notifier  *recordingNotifier
	feedPath  string
}

func newFixture(t *testing.T, src *fakeSource) *fixture {
	t.Helper()
	dir := t.TempDir()
	feedPath := filepath.Join(dir, "feed.xml")

	store := &memStore{}
	pub := &fakePublisher{}
	notifier := &recordingNotifier{}
	renderer := feed.NewRenderer(feedPath, logging.NewNop())
	renderer.SetClock(func() time.Time { return fixedNow })

	cfg := Config{
		PlaylistURL: "https://www.youtube.com/playlist?list=PL1",
		Worker:      ingest.WorkerConfig{DownloadDir: filepath.Join(dir, "downloads")},
		Release:     release.Config{CapacityBytes: config.DefaultCapacityBytes, TagPrefix: "release", ResumeLatest: true},
		Show:        testShow(),
		LockPath:    filepath.Join(dir, "state.lock"),
	}
	require.NoError(t, os.MkdirAll(cfg.Worker.DownloadDir, 0o755))

	p := New(cfg, Deps{
		Store:     store,
		Source:    src,
		Prober:    fakeProber{},
		Publisher: pub,
		Renderer:  renderer,
		Notifiers: []Notifier{notifier},
	}, logging.NewNop())

	clock := fixedNow
	p.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	p.newRunID = func() string { return "run-1" }

	return &fixture{pipeline: p, store: store, source: src, publisher: pub, notifier: notifier, feedPath: feedPath}
}

func entries(ids ...string) []models.PlaylistEntry {
	out := make([]models.PlaylistEntry, len(ids))
	for i, id := range ids {
		out[i] = models.PlaylistEntry{ID: id, Title: "Episode " + id}
	}
	return out
}

func TestIngestThenPublishSplitsBatchesByCapacity(t *testing.T) {
	src := &fakeSource{
		listing: entries("A", "B"),
		sizes:   map[string]int64{"A": 500 << 20, "B": 2000 << 20},
	}
	f := newFixture(t, src)
	ctx := context.Background()

	sum, err := f.pipeline.Ingest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.New)
	assert.Equal(t, 0, sum.Skipped)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, "run-1", sum.RunID)

	records := f.store.records()
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, models.VideoStatusIngested, rec.Status())
		assert.Equal(t, int64(1800), rec.DurationSeconds)
	}

	sum, err = f.pipeline.Publish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Published)
	assert.Equal(t, 0, sum.Failed)
	require.Len(t, sum.Batches, 2)
	assert.Equal(t, int64(500<<20), sum.Batches[0].CumulativeBytes)
	assert.Equal(t, int64(2000<<20), sum.Batches[1].CumulativeBytes)

	records = f.store.records()
	require.Len(t, records, 2)
	assert.NotEqual(t, records[0].BatchTag(), records[1].BatchTag())
	for _, rec := range records {
		assert.Equal(t, models.VideoStatusPublished, rec.Status())
		assert.Empty(t, rec.LocalPath)
		assert.True(t, strings.HasPrefix(rec.PublicURL(), "https://downloads.example.com/release-"))
	}

	assert.Len(t, f.publisher.ensured, 2)
	require.Len(t, f.notifier.published, 2)
	assert.Equal(t, "A", f.notifier.published[0].VideoID)
	assert.Equal(t, models.EventEpisodePublished, f.notifier.published[0].Event)
}

func TestIngestIsIdempotent(t *testing.T) {
	src := &fakeSource{
		listing: entries("A", "B"),
		sizes:   map[string]int64{"A": 10, "B": 20},
	}
	f := newFixture(t, src)
	ctx := context.Background()

	_, err := f.pipeline.Ingest(ctx)
	require.NoError(t, err)
	first := f.store.records()

	sum, err := f.pipeline.Ingest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.New)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, []string{"A", "B"}, src.fetched)
	assert.Equal(t, first, f.store.records())
}

func TestIngestEmptyPlaylistIsFatal(t *testing.T) {
	src := &fakeSource{listing: []models.PlaylistEntry{{ID: "bad id!", Title: "broken"}}}
	f := newFixture(t, src)

	_, err := f.pipeline.Ingest(context.Background())
	assert.ErrorIs(t, err, ingest.ErrEmptyPlaylist)
	assert.Equal(t, 0, f.store.saves)
}

func TestIngestListingFailureIsFatal(t *testing.T) {
	src := &fakeSource{listErr: errors.New("network is unreachable")}
	f := newFixture(t, src)

	_, err := f.pipeline.Ingest(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrFetch)
	assert.Equal(t, 0, f.store.saves)
}

func TestIngestSkippedItemsAreNotifiedAndRetried(t *testing.T) {
	src := &fakeSource{
		listing: entries("A", "B"),
		sizes:   map[string]int64{"A": 10},
		failing: map[string]error{"B": source.ErrUnavailable},
	}
	f := newFixture(t, src)
	ctx := context.Background()

	sum, err := f.pipeline.Ingest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.New)
	assert.Equal(t, 1, sum.Skipped)

	require.Len(t, f.notifier.failed, 1)
	assert.Equal(t, "B", f.notifier.failed[0].VideoID)
	assert.Equal(t, StageIngest, f.notifier.failed[0].Stage)

	records := f.store.records()
	require.Len(t, records, 1)
	assert.Equal(t, "A", records[0].ID)

	// the skipped item is attempted again on the next run
	delete(src.failing, "B")
	src.sizes["B"] = 5
	sum, err = f.pipeline.Ingest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.New)
	assert.Len(t, f.store.records(), 2)
}

func TestNotifierFailureDoesNotFailStage(t *testing.T) {
	src := &fakeSource{listing: entries("A"), sizes: map[string]int64{"A": 10}}
	f := newFixture(t, src)
	f.notifier.err = errors.New("broker down")
	ctx := context.Background()

	_, err := f.pipeline.Ingest(ctx)
	require.NoError(t, err)
	sum, err := f.pipeline.Publish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Published)
	assert.Len(t, f.notifier.published, 1)
}

func TestFeedRequiresCompleteShowBeforeLoading(t *testing.T) {
	f := newFixture(t, &fakeSource{})
	f.pipeline.cfg.Show.Title = "  "

	_, err := f.pipeline.Feed(context.Background())
	assert.ErrorIs(t, err, feed.ErrIncompleteShow)
	_, statErr := os.Stat(f.feedPath)
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, f.notifier.feeds)
}

func TestPublishWithoutPublisher(t *testing.T) {
	f := newFixture(t, &fakeSource{})
	f.pipeline.publisher = nil

	_, err := f.pipeline.Publish(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestStageRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, &fakeSource{listing: entries("A"), sizes: map[string]int64{"A": 1}})

	lock, err := state.AcquireLock(f.pipeline.cfg.LockPath)
	require.NoError(t, err)
	defer lock.Release()

	_, err = f.pipeline.Ingest(context.Background())
	assert.ErrorIs(t, err, state.ErrLocked)
	assert.Empty(t, f.source.fetched)
}

func TestRunEndToEnd(t *testing.T) {
	src := &fakeSource{
		listing: entries("A", "B", "C"),
		sizes:   map[string]int64{"A": 100, "B": 200, "C": 300},
		metadata: map[string]models.Metadata{
			"A": {Title: "Alpha", Description: "first"},
		},
	}
	f := newFixture(t, src)

	sum, err := f.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StageRun, sum.Stage)
	assert.Equal(t, 3, sum.New)
	assert.Equal(t, 3, sum.Published)
	assert.Equal(t, 3, sum.FeedEpisodes)
	assert.Equal(t, 3, sum.Total)
	require.Len(t, sum.Batches, 1)
	assert.Equal(t, int64(600), sum.Batches[0].CumulativeBytes)

	data, err := os.ReadFile(f.feedPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<title>Alpha</title>")
	assert.Contains(t, string(data), "https://downloads.example.com/")

	require.Len(t, f.notifier.feeds, 1)
	assert.Equal(t, f.feedPath, f.notifier.feeds[0].Path)
	assert.Equal(t, 3, f.notifier.feeds[0].Episodes)

	report, err := f.pipeline.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Counts[models.VideoStatusPublished])
	assert.Equal(t, int64(0), report.PendingBytes)
	assert.Len(t, report.Batches, 1)
}

func TestRunValidatesAllStagesFirst(t *testing.T) {
	f := newFixture(t, &fakeSource{listing: entries("A"), sizes: map[string]int64{"A": 1}})
	f.pipeline.cfg.Show.Link = ""

	_, err := f.pipeline.Run(context.Background())
	assert.ErrorIs(t, err, feed.ErrIncompleteShow)
	assert.Empty(t, f.source.fetched)
	assert.Equal(t, 0, f.store.saves)
}

func TestStatusReport(t *testing.T) {
	st := models.State{Videos: []models.VideoRecord{
		{ID: "a", LocalPath: "/tmp/a.mp3", SizeBytes: 10},
		{ID: "b", SizeBytes: 20, Publication: &models.Publication{BatchTag: "release-1", PublicURL: "u"}},
		{ID: "c"},
	}}

	report := NewStatusReport(st)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, map[string]int{
		models.VideoStatusDiscovered: 1,
		models.VideoStatusIngested:   1,
		models.VideoStatusPublished:  1,
	}, report.Counts)
	assert.Equal(t, int64(10), report.PendingBytes)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, "release-1", report.Batches[0].Tag)
}
