package feed

import (
	"fmt"
	"sort"
	"time"

	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

// SummaryLimit caps the rendered description length in characters
const SummaryLimit = 500

const ellipsis = "..."

// Episode is one feed entry derived from a published record
type Episode struct {
	ID                 string
	Title              string
	Summary            string
	EnclosureURL       string
	EnclosureSizeBytes int64
	DurationSeconds    int64
	Duration           string
	PublishedAt        time.Time
}

// Assemble selects published records and orders them newest first. Records
// with equal timestamps keep their relative order.
func Assemble(records []models.VideoRecord) []Episode {
	episodes := make([]Episode, 0, len(records))
	for i := range records {
		rec := &records[i]
		if !rec.IsPublished() {
			continue
		}
		episodes = append(episodes, Episode{
			ID:                 rec.ID,
			Title:              rec.Title,
			Summary:            Truncate(rec.Description, SummaryLimit),
			EnclosureURL:       rec.PublicURL(),
			EnclosureSizeBytes: rec.SizeBytes,
			DurationSeconds:    rec.DurationSeconds,
			Duration:           FormatDuration(rec.DurationSeconds),
			PublishedAt:        rec.EffectivePublishedAt(),
		})
	}

	sort.SliceStable(episodes, func(i, j int) bool {
		return episodes[i].PublishedAt.After(episodes[j].PublishedAt)
	})
	return episodes
}

// Truncate shortens s to at most limit characters, ending in "..." when cut
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	keep := limit - len(ellipsis)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + ellipsis
}

// FormatDuration renders seconds as HH:MM:SS; hours are not wrapped at 24
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}
