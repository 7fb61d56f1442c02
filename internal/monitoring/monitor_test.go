package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/metrics"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

var fixedNow = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

type LedgerMock struct {
	mock.Mock
}

func (m *LedgerMock) Load(ctx context.Context) (models.State, error) {
	ret := m.Called()
	return ret.Get(0).(models.State), ret.Error(1)
}

type QueueMock struct {
	mock.Mock
}

func (m *QueueMock) GetQueueDepth() (int, error) {
	ret := m.Called()
	return ret.Int(0), ret.Error(1)
}

func (m *QueueMock) GetFailureDepth() (int, error) {
	ret := m.Called()
	return ret.Int(0), ret.Error(1)
}

func ledger(updated time.Time, pending int64) models.State {
	ts := models.NewTimestamp(updated)
	return models.State{
		LastUpdated: &ts,
		Videos: []models.VideoRecord{
			{ID: "a", SizeBytes: 10, Publication: &models.Publication{BatchTag: "release-1", PublicURL: "u"}},
			{ID: "b", SizeBytes: pending, LocalPath: "downloads/b.mp3"},
			{ID: "c"},
		},
	}
}

func newTestMonitor(store LedgerSource, queue QueueProvider) *Monitor {
	m := NewMonitor(store, queue, Thresholds{
		StaleAfter:   24 * time.Hour,
		PendingBytes: 1000,
		QueueDepth:   10,
		FailureDepth: 5,
	}, time.Minute, nil)
	m.now = func() time.Time { return fixedNow }
	return m
}

func TestCollectHealthy(t *testing.T) {
	store := &LedgerMock{}
	store.On("Load").Return(ledger(fixedNow.Add(-time.Hour), 100), nil)
	queue := &QueueMock{}
	queue.On("GetQueueDepth").Return(3, nil)
	queue.On("GetFailureDepth").Return(0, nil)

	m := newTestMonitor(store, queue)
	require.NoError(t, m.Collect(context.Background()))

	snap := m.Snapshot()
	assert.Equal(t, 3, snap.Records)
	assert.Equal(t, 1, snap.Discovered)
	assert.Equal(t, 1, snap.Ingested)
	assert.Equal(t, 1, snap.Published)
	assert.Equal(t, int64(100), snap.PendingBytes)
	assert.True(t, snap.QueueAvailable)
	assert.Equal(t, 3, snap.QueueDepth)
	assert.Equal(t, HealthHealthy, m.Health())
	assert.Empty(t, m.Alerts())

	assert.Equal(t, float64(100), testutil.ToFloat64(metrics.PendingBytes))
	assert.Equal(t, float64(3600), testutil.ToFloat64(metrics.LedgerAgeSeconds))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("events")))
}

func TestThresholdAlerts(t *testing.T) {
	tests := []struct {
		name     string
		updated  time.Time
		pending  int64
		depth    int
		failures int
		health   string
		alerts   int
	}{
		{"stale ledger", fixedNow.Add(-72 * time.Hour), 10, 0, 0, HealthWarning, 1},
		{"publish backlog", fixedNow, 5000, 0, 0, HealthWarning, 1},
		{"queue backlog", fixedNow, 10, 50, 0, HealthWarning, 1},
		{"failure queue", fixedNow, 10, 0, 6, HealthCritical, 1},
		{"everything", fixedNow.Add(-72 * time.Hour), 5000, 50, 6, HealthCritical, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &LedgerMock{}
			store.On("Load").Return(ledger(tt.updated, tt.pending), nil)
			queue := &QueueMock{}
			queue.On("GetQueueDepth").Return(tt.depth, nil)
			queue.On("GetFailureDepth").Return(tt.failures, nil)

			m := newTestMonitor(store, queue)
			require.NoError(t, m.Collect(context.Background()))
			assert.Equal(t, tt.health, m.Health())
			assert.Len(t, m.Alerts(), tt.alerts)
		})
	}
}

func TestCollectLedgerFailureIsCritical(t *testing.T) {
	store := &LedgerMock{}
	store.On("Load").Return(models.State{}, errors.New("permission denied"))

	m := newTestMonitor(store, nil)
	err := m.Collect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, HealthCritical, m.Health())
	assert.Contains(t, m.Alerts()[0], "permission denied")
}

func TestCollectQueueFailureKeepsLedger(t *testing.T) {
	store := &LedgerMock{}
	store.On("Load").Return(ledger(fixedNow, 10), nil)
	queue := &QueueMock{}
	queue.On("GetQueueDepth").Return(0, errors.New("channel closed"))
	queue.On("GetFailureDepth").Return(0, nil)

	m := newTestMonitor(store, queue)
	assert.Error(t, m.Collect(context.Background()))

	snap := m.Snapshot()
	assert.Equal(t, 3, snap.Records)
	assert.False(t, snap.QueueAvailable)
	assert.Equal(t, HealthHealthy, m.Health())
}

func TestStartCollectsImmediately(t *testing.T) {
	store := &LedgerMock{}
	store.On("Load").Return(ledger(fixedNow, 10), nil)

	m := newTestMonitor(store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Eventually(t, func() bool { return m.Snapshot().Records == 3 }, time.Second, 5*time.Millisecond)
}
