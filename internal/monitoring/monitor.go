// Package monitoring periodically inspects the ledger and notification queues
// and derives an overall health state.
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/metrics"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

// Health states
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// LedgerSource loads the persisted ledger
type LedgerSource interface {
	Load(ctx context.Context) (models.State, error)
}

// QueueProvider reports notification queue depths
type QueueProvider interface {
	GetQueueDepth() (int, error)
	GetFailureDepth() (int, error)
}

// Thresholds turn a snapshot into alerts. Zero disables a check.
type Thresholds struct {
	StaleAfter   time.Duration
	PendingBytes int64
	QueueDepth   int
	FailureDepth int
}

// Snapshot is the result of one collection pass
type Snapshot struct {
	Records        int       `json:"records"`
	Discovered     int       `json:"discovered"`
	Ingested       int       `json:"ingested"`
	Published      int       `json:"published"`
	PendingBytes   int64     `json:"pending_bytes"`
	LastUpdated    time.Time `json:"last_updated,omitempty"`
	QueueAvailable bool      `json:"queue_available"`
	QueueDepth     int       `json:"queue_depth"`
	FailureDepth   int       `json:"failure_depth"`
	CollectedAt    time.Time `json:"collected_at"`
	LedgerError    string    `json:"ledger_error,omitempty"`
}

// Monitor collects snapshots in the background
type Monitor struct {
	store      LedgerSource
	queue      QueueProvider
	thresholds Thresholds
	interval   time.Duration
	logger     *logging.Logger
	now        func() time.Time

	mu       sync.RWMutex
	snapshot Snapshot
}

// NewMonitor creates a monitor. queue may be nil when notifications are off.
func NewMonitor(store LedgerSource, queue QueueProvider, thresholds Thresholds, interval time.Duration, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		store:      store,
		queue:      queue,
		thresholds: thresholds,
		interval:   interval,
		logger:     logger.WithField("component", "monitor"),
		now:        time.Now,
	}
}

// Start collects once and then on every interval until ctx is done
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		m.collectAndLog(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.collectAndLog(ctx)
			}
		}
	}()
}

func (m *Monitor) collectAndLog(ctx context.Context) {
	if err := m.Collect(ctx); err != nil {
		m.logger.WarnWithErr("Failed to update monitoring snapshot", err)
	}
	for _, alert := range m.Alerts() {
		m.logger.Warn(alert)
	}
}

// Collect takes a fresh snapshot and updates the gauges. A queue failure
// leaves the ledger part of the snapshot intact.
func (m *Monitor) Collect(ctx context.Context) error {
	now := m.now()
	snap := Snapshot{CollectedAt: now}

	var firstErr error
	st, err := m.store.Load(ctx)
	if err != nil {
		snap.LedgerError = err.Error()
		firstErr = fmt.Errorf("failed to load ledger: %w", err)
	} else {
		snap.Records = len(st.Videos)
		for i := range st.Videos {
			switch st.Videos[i].Status() {
			case models.VideoStatusDiscovered:
				snap.Discovered++
			case models.VideoStatusIngested:
				snap.Ingested++
				snap.PendingBytes += st.Videos[i].SizeBytes
			case models.VideoStatusPublished:
				snap.Published++
			}
		}
		age := 0.0
		if st.LastUpdated != nil && !st.LastUpdated.IsZero() {
			snap.LastUpdated = st.LastUpdated.Time
			age = now.Sub(snap.LastUpdated).Seconds()
		}
		metrics.UpdateRecordCounts(map[string]int{
			models.VideoStatusDiscovered: snap.Discovered,
			models.VideoStatusIngested:   snap.Ingested,
			models.VideoStatusPublished:  snap.Published,
		})
		metrics.UpdateLedger(snap.PendingBytes, age)
	}

	if m.queue != nil {
		depth, derr := m.queue.GetQueueDepth()
		failures, ferr := m.queue.GetFailureDepth()
		switch {
		case derr != nil:
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to get queue depth: %w", derr)
			}
		case ferr != nil:
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to get failure queue depth: %w", ferr)
			}
		default:
			snap.QueueAvailable = true
			snap.QueueDepth = depth
			snap.FailureDepth = failures
			metrics.UpdateQueueDepth("events", depth)
			metrics.UpdateQueueDepth("failures", failures)
		}
	}

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()
	return firstErr
}

// Snapshot returns the last collected snapshot
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Health derives the overall state from the last snapshot
func (m *Monitor) Health() string {
	snap := m.Snapshot()
	t := m.thresholds

	if snap.LedgerError != "" {
		return HealthCritical
	}
	if t.FailureDepth > 0 && snap.FailureDepth > t.FailureDepth {
		return HealthCritical
	}
	if len(m.alerts(snap)) > 0 {
		return HealthWarning
	}
	return HealthHealthy
}

// Alerts lists every threshold the last snapshot exceeds
func (m *Monitor) Alerts() []string {
	return m.alerts(m.Snapshot())
}

func (m *Monitor) alerts(snap Snapshot) []string {
	t := m.thresholds
	var alerts []string

	if snap.LedgerError != "" {
		alerts = append(alerts, "Ledger unreadable: "+snap.LedgerError)
	}
	if t.StaleAfter > 0 && !snap.LastUpdated.IsZero() && snap.CollectedAt.Sub(snap.LastUpdated) > t.StaleAfter {
		alerts = append(alerts, fmt.Sprintf("Ledger not updated since %s", humanize.Time(snap.LastUpdated)))
	}
	if t.PendingBytes > 0 && snap.PendingBytes > t.PendingBytes {
		alerts = append(alerts, fmt.Sprintf("Publish backlog: %s across %d episodes",
			humanize.IBytes(uint64(snap.PendingBytes)), snap.Ingested))
	}
	if t.QueueDepth > 0 && snap.QueueDepth > t.QueueDepth {
		alerts = append(alerts, fmt.Sprintf("High queue depth: %d events undelivered", snap.QueueDepth))
	}
	if t.FailureDepth > 0 && snap.FailureDepth > t.FailureDepth {
		alerts = append(alerts, fmt.Sprintf("High failure queue depth: %d messages", snap.FailureDepth))
	}
	return alerts
}
