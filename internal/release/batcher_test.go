package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/state"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

const (
	mb       = int64(1) << 20
	capacity = int64(1932735283)
)

var clock = time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC)

type fakePublisher struct {
	ensured    []string
	uploads    map[string][]string
	failEnsure map[string]int
	failUpload map[string]bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		uploads:    make(map[string][]string),
		failEnsure: make(map[string]int),
		failUpload: make(map[string]bool),
	}
}

func (f *fakePublisher) EnsureBatch(ctx context.Context, tag string) (BatchHandle, error) {
	f.ensured = append(f.ensured, tag)
	if f.failEnsure[tag] > 0 {
		f.failEnsure[tag]--
		return BatchHandle{}, errors.New("release api unavailable")
	}
	return BatchHandle{Tag: tag, ID: "id-" + tag}, nil
}

func (f *fakePublisher) Upload(ctx context.Context, handle BatchHandle, path string) (string, error) {
	name := filepath.Base(path)
	if f.failUpload[name] {
		return "", errors.New("upload rejected")
	}
	f.uploads[handle.Tag] = append(f.uploads[handle.Tag], name)
	return fmt.Sprintf("https://downloads.example.com/%s/%s", handle.Tag, name), nil
}

func (f *fakePublisher) totalUploads() int {
	n := 0
	for _, names := range f.uploads {
		n += len(names)
	}
	return n
}

// sparseAudio creates a file of the given logical size without writing data
func sparseAudio(t *testing.T, dir, id string, size int64) string {
	t.Helper()
	path := filepath.Join(dir, id+".mp3")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func pending(t *testing.T, dir, id string, size int64, discovered time.Time) models.VideoRecord {
	return models.VideoRecord{
		ID:           id,
		Title:        id,
		DiscoveredAt: models.NewTimestamp(discovered),
		SizeBytes:    size,
		LocalPath:    sparseAudio(t, dir, id, size),
	}
}

func newTestBatcher(pub Publisher, cfg Config) *Batcher {
	if cfg.CapacityBytes == 0 {
		cfg.CapacityBytes = capacity
	}
	if cfg.TagPrefix == "" {
		cfg.TagPrefix = "release"
	}
	b := NewBatcher(cfg, pub, logging.NewNop())
	b.SetClock(func() time.Time { return clock })
	return b
}

func TestPublishOversizedSecondItemRollsOver(t *testing.T) {
	dir := t.TempDir()
	records := []models.VideoRecord{
		pending(t, dir, "A", 500*mb, clock.Add(-2*time.Hour)),
		pending(t, dir, "B", 2000*mb, clock.Add(-time.Hour)),
	}

	pub := newFakePublisher()
	result, err := newTestBatcher(pub, Config{ResumeLatest: true}).Publish(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, result.Published, 2)
	assert.Empty(t, result.Failed)

	a, b := result.Records[0], result.Records[1]
	assert.Equal(t, "release-2024-03-10-083000", a.BatchTag())
	assert.Equal(t, "release-2024-03-10-083000-02", b.BatchTag())
	assert.NotEqual(t, a.BatchTag(), b.BatchTag())

	require.Len(t, result.Batches, 2)
	assert.Equal(t, 500*mb, result.Batches[0].CumulativeBytes)
	assert.Equal(t, 2000*mb, result.Batches[1].CumulativeBytes)
	assert.Equal(t, 1, result.Batches[1].Episodes)

	// the input was not modified
	assert.False(t, records[0].IsPublished())
}

func TestPublishCapacityInvariant(t *testing.T) {
	dir := t.TempDir()
	sizes := []int64{400, 300, 350, 900, 100, 1200, 50}
	var records []models.VideoRecord
	for i, s := range sizes {
		records = append(records, pending(t, dir, fmt.Sprintf("v%d", i), s, clock.Add(time.Duration(i)*time.Minute)))
	}

	pub := newFakePublisher()
	result, err := newTestBatcher(pub, Config{CapacityBytes: 1000}).Publish(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, result.Published, len(sizes))

	for _, batch := range models.BatchesFromRecords(result.Records) {
		if batch.Episodes > 1 {
			assert.LessOrEqual(t, batch.CumulativeBytes, int64(1000), "batch %s over capacity", batch.Tag)
		}
	}

	// 400+300 | 350 | 900+100 | 1200 | 50
	batches := models.BatchesFromRecords(result.Records)
	require.Len(t, batches, 5)
	assert.Equal(t, []int64{700, 350, 1000, 1200, 50}, []int64{
		batches[0].CumulativeBytes, batches[1].CumulativeBytes, batches[2].CumulativeBytes,
		batches[3].CumulativeBytes, batches[4].CumulativeBytes,
	})
	assert.Len(t, pub.ensured, 5, "each batch ensured exactly once")
}

func TestPublishOrdersByDiscovery(t *testing.T) {
	dir := t.TempDir()
	records := []models.VideoRecord{
		pending(t, dir, "late", 10, clock.Add(-time.Minute)),
		pending(t, dir, "early", 10, clock.Add(-time.Hour)),
	}

	pub := newFakePublisher()
	_, err := newTestBatcher(pub, Config{}).Publish(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, []string{"early.mp3", "late.mp3"}, pub.uploads["release-2024-03-10-083000"])
}

func TestPublishSkipsPublishedRecords(t *testing.T) {
	dir := t.TempDir()
	done := pending(t, dir, "done", 10, clock.Add(-time.Hour))
	require.NoError(t, done.MarkPublished("release-2024-01-01-000000", "https://x/done.mp3"))
	records := []models.VideoRecord{done, pending(t, dir, "new", 10, clock)}

	pub := newFakePublisher()
	b := newTestBatcher(pub, Config{ResumeLatest: true})

	first, err := b.Publish(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, first.Published, 1)
	assert.Equal(t, "new", first.Published[0].ID)
	assert.Equal(t, "release-2024-01-01-000000", first.Records[1].BatchTag(), "resumes the latest open batch")
	assert.Empty(t, pub.uploads["release-2024-03-10-083000"])

	second, err := b.Publish(context.Background(), first.Records)
	require.NoError(t, err)
	assert.Empty(t, second.Published)
	assert.Equal(t, 1, pub.totalUploads(), "published records are never uploaded again")
}

func TestPublishWithoutResumeStartsFreshBatch(t *testing.T) {
	dir := t.TempDir()
	done := pending(t, dir, "done", 10, clock.Add(-time.Hour))
	require.NoError(t, done.MarkPublished("release-2024-01-01-000000", "https://x/done.mp3"))

	pub := newFakePublisher()
	result, err := newTestBatcher(pub, Config{ResumeLatest: false}).Publish(context.Background(),
		[]models.VideoRecord{done, pending(t, dir, "new", 10, clock)})
	require.NoError(t, err)
	assert.Equal(t, "release-2024-03-10-083000", result.Records[1].BatchTag())
}

func TestPublishSealedLatestBatchRollsOver(t *testing.T) {
	dir := t.TempDir()
	full := pending(t, dir, "full", 1000, clock.Add(-time.Hour))
	require.NoError(t, full.MarkPublished("release-2024-01-01-000000", "https://x/full.mp3"))

	pub := newFakePublisher()
	result, err := newTestBatcher(pub, Config{CapacityBytes: 1000, ResumeLatest: true}).Publish(context.Background(),
		[]models.VideoRecord{full, pending(t, dir, "next", 1, clock)})
	require.NoError(t, err)
	assert.Equal(t, "release-2024-03-10-083000", result.Records[1].BatchTag())
}

func TestPublishUploadFailureLeavesRecordPending(t *testing.T) {
	dir := t.TempDir()
	records := []models.VideoRecord{
		pending(t, dir, "a", 10, clock.Add(-2*time.Minute)),
		pending(t, dir, "b", 10, clock.Add(-time.Minute)),
	}

	pub := newFakePublisher()
	pub.failUpload["a.mp3"] = true

	result, err := newTestBatcher(pub, Config{}).Publish(context.Background(), records)
	require.NoError(t, err)

	require.Len(t, result.Failed, 1)
	assert.Equal(t, "a", result.Failed[0].ID)
	assert.True(t, result.Records[0].IsPendingPublish())
	assert.NotEmpty(t, result.Records[0].LocalPath)

	require.Len(t, result.Published, 1)
	assert.Equal(t, "release-2024-03-10-083000", result.Records[1].BatchTag())
	assert.Equal(t, int64(10), result.Batches[0].CumulativeBytes, "failed upload is not counted")
}

func TestPublishEnsureFailureRetriesSameBatch(t *testing.T) {
	dir := t.TempDir()
	records := []models.VideoRecord{
		pending(t, dir, "a", 10, clock.Add(-2*time.Minute)),
		pending(t, dir, "b", 10, clock.Add(-time.Minute)),
	}

	pub := newFakePublisher()
	pub.failEnsure["release-2024-03-10-083000"] = 1

	result, err := newTestBatcher(pub, Config{}).Publish(context.Background(), records)
	require.NoError(t, err)

	require.Len(t, result.Failed, 1)
	assert.Equal(t, "a", result.Failed[0].ID)
	assert.Equal(t, "release-2024-03-10-083000", result.Records[1].BatchTag())
	assert.Equal(t, []string{"release-2024-03-10-083000", "release-2024-03-10-083000"}, pub.ensured)
}

func TestPublishMissingLocalFileFails(t *testing.T) {
	records := []models.VideoRecord{{
		ID:           "gone",
		DiscoveredAt: models.NewTimestamp(clock),
		SizeBytes:    10,
		LocalPath:    filepath.Join(t.TempDir(), "gone.mp3"),
	}}

	pub := newFakePublisher()
	result, err := newTestBatcher(pub, Config{}).Publish(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Empty(t, pub.ensured)
	assert.False(t, result.Records[0].IsPublished())
}

func TestPublishPersistsAfterEachUpload(t *testing.T) {
	dir := t.TempDir()
	records := []models.VideoRecord{
		pending(t, dir, "a", 10, clock.Add(-2*time.Minute)),
		pending(t, dir, "b", 10, clock.Add(-time.Minute)),
	}

	var snapshots []int
	b := newTestBatcher(newFakePublisher(), Config{})
	b.OnPublished(func(ctx context.Context, recs []models.VideoRecord) error {
		n := 0
		for i := range recs {
			if recs[i].IsPublished() {
				n++
			}
		}
		snapshots = append(snapshots, n)
		return nil
	})

	_, err := b.Publish(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, snapshots)
}

func TestPublishPersistFailureAborts(t *testing.T) {
	dir := t.TempDir()
	records := []models.VideoRecord{
		pending(t, dir, "a", 10, clock.Add(-2*time.Minute)),
		pending(t, dir, "b", 10, clock.Add(-time.Minute)),
	}

	pub := newFakePublisher()
	b := newTestBatcher(pub, Config{})
	b.OnPublished(func(ctx context.Context, recs []models.VideoRecord) error {
		return errors.New("disk full")
	})

	_, err := b.Publish(context.Background(), records)
	require.Error(t, err)
	assert.Equal(t, 1, pub.totalUploads())
}

func TestPublishRemovesLocalFiles(t *testing.T) {
	dir := t.TempDir()
	rec := pending(t, dir, "a", 10, clock)
	path := rec.LocalPath

	result, err := newTestBatcher(newFakePublisher(), Config{RemoveLocalFiles: true}).Publish(context.Background(), []models.VideoRecord{rec})
	require.NoError(t, err)
	require.Len(t, result.Published, 1)
	assert.Empty(t, result.Records[0].LocalPath)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPublishDeterministic(t *testing.T) {
	dir := t.TempDir()
	var records []models.VideoRecord
	for i, s := range []int64{600, 600, 600, 600} {
		records = append(records, pending(t, dir, fmt.Sprintf("v%d", i), s, clock.Add(time.Duration(i)*time.Second)))
	}

	run := func() []string {
		result, err := newTestBatcher(newFakePublisher(), Config{CapacityBytes: 1000}).Publish(context.Background(), records)
		require.NoError(t, err)
		var tags []string
		for _, r := range result.Records {
			tags = append(tags, r.BatchTag())
		}
		return tags
	}

	assert.Equal(t, run(), run())
}

func TestPublishRejectsBadCapacity(t *testing.T) {
	b := NewBatcher(Config{CapacityBytes: 0}, newFakePublisher(), nil)
	_, err := b.Publish(context.Background(), nil)
	assert.Error(t, err)
}

func TestPublishCancelled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pub := newFakePublisher()
	result, err := newTestBatcher(pub, Config{}).Publish(ctx, []models.VideoRecord{pending(t, dir, "a", 1, clock)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, result.Published)
	assert.Zero(t, pub.totalUploads())
}

// cancellingPublisher cancels the run as soon as an upload has succeeded
type cancellingPublisher struct {
	*fakePublisher
	cancel context.CancelFunc
}

func (p *cancellingPublisher) Upload(ctx context.Context, handle BatchHandle, path string) (string, error) {
	url, err := p.fakePublisher.Upload(ctx, handle, path)
	p.cancel()
	return url, err
}

func TestPublishPersistsUploadWhenCancelled(t *testing.T) {
	dir := t.TempDir()
	store := state.NewFileStore(filepath.Join(dir, "state.json"), logging.NewNop())
	records := []models.VideoRecord{
		pending(t, dir, "A", 10, clock.Add(-2*time.Minute)),
		pending(t, dir, "B", 10, clock.Add(-time.Minute)),
	}
	require.NoError(t, store.Save(context.Background(), records))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &cancellingPublisher{fakePublisher: newFakePublisher(), cancel: cancel}

	b := newTestBatcher(pub, Config{})
	b.OnPublished(store.Save)

	result, err := b.Publish(ctx, records)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, result.Published, 1)
	assert.Equal(t, 1, pub.totalUploads())

	st, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Videos, 2)
	assert.True(t, st.Videos[0].IsPublished(), "uploaded asset must be recorded")
	assert.Equal(t, "release-2024-03-10-083000", st.Videos[0].BatchTag())
	assert.False(t, st.Videos[1].IsPublished())
}

func TestPublishFullBatchTakesNoEmptyAsset(t *testing.T) {
	dir := t.TempDir()
	full := pending(t, dir, "full", 1000, clock.Add(-time.Hour))
	require.NoError(t, full.MarkPublished("release-2024-01-01-000000", "https://x/full.mp3"))

	pub := newFakePublisher()
	result, err := newTestBatcher(pub, Config{CapacityBytes: 1000, ResumeLatest: true}).Publish(context.Background(),
		[]models.VideoRecord{full, pending(t, dir, "empty", 0, clock)})
	require.NoError(t, err)
	assert.Equal(t, "release-2024-03-10-083000", result.Records[1].BatchTag())
	assert.Empty(t, pub.uploads["release-2024-01-01-000000"])
}
