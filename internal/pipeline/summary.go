package pipeline

import (
	"time"

	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

// Stage names
const (
	StageIngest  = "ingest"
	StagePublish = "publish"
	StageFeed    = "feed"
	StageRun     = "run"
)

// Summary counts what one stage or run did
type Summary struct {
	RunID        string                `json:"run_id"`
	Stage        string                `json:"stage"`
	New          int                   `json:"new"`
	Skipped      int                   `json:"skipped"`
	Published    int                   `json:"published"`
	Failed       int                   `json:"failed"`
	Total        int                   `json:"total"`
	FeedEpisodes int                   `json:"feed_episodes"`
	Batches      []models.ReleaseBatch `json:"batches,omitempty"`
	Duration     time.Duration         `json:"duration"`
}

// merge folds a stage summary into a run summary
func (s *Summary) merge(stage Summary) {
	s.New += stage.New
	s.Skipped += stage.Skipped
	s.Published += stage.Published
	s.Failed += stage.Failed
	s.Total = stage.Total
	if stage.Stage == StageFeed {
		s.FeedEpisodes = stage.FeedEpisodes
	}
	if len(stage.Batches) > 0 {
		s.Batches = stage.Batches
	}
}

// StatusReport describes the persisted ledger
type StatusReport struct {
	LastUpdated  *models.Timestamp     `json:"last_updated"`
	Total        int                   `json:"total"`
	Counts       map[string]int        `json:"counts"`
	PendingBytes int64                 `json:"pending_bytes"`
	Batches      []models.ReleaseBatch `json:"batches"`
}

// CountByStatus counts records per lifecycle status
func CountByStatus(records []models.VideoRecord) map[string]int {
	counts := map[string]int{
		models.VideoStatusDiscovered: 0,
		models.VideoStatusIngested:   0,
		models.VideoStatusPublished:  0,
	}
	for i := range records {
		counts[records[i].Status()]++
	}
	return counts
}

// NewStatusReport summarizes a loaded state document
func NewStatusReport(st models.State) StatusReport {
	report := StatusReport{
		LastUpdated: st.LastUpdated,
		Total:       len(st.Videos),
		Counts:      CountByStatus(st.Videos),
		Batches:     models.BatchesFromRecords(st.Videos),
	}
	for i := range st.Videos {
		if st.Videos[i].IsPendingPublish() {
			report.PendingBytes += st.Videos[i].SizeBytes
		}
	}
	if report.Batches == nil {
		report.Batches = []models.ReleaseBatch{}
	}
	return report
}
