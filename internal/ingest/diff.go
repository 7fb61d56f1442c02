// Package ingest discovers new playlist items and turns them into records.
package ingest

import (
	"errors"
	"regexp"

	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

// ErrEmptyPlaylist is returned when a listing has no usable entries
var ErrEmptyPlaylist = errors.New("playlist has no usable entries")

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// DiffResult is the outcome of comparing a listing against known records
type DiffResult struct {
	New        []models.PlaylistEntry
	Invalid    []models.PlaylistEntry
	Known      int
	Duplicates int
}

// ValidVideoID reports whether id looks like a source item ID
func ValidVideoID(id string) bool {
	return videoIDPattern.MatchString(id)
}

// Diff returns listing entries whose ID is not in records, in listing order.
// Repeated IDs collapse to their first occurrence.
func Diff(listing []models.PlaylistEntry, records []models.VideoRecord) (DiffResult, error) {
	var result DiffResult

	known := make(map[string]struct{}, len(records))
	for i := range records {
		known[records[i].ID] = struct{}{}
	}

	seen := make(map[string]struct{}, len(listing))
	valid := 0
	for _, entry := range listing {
		if !ValidVideoID(entry.ID) {
			result.Invalid = append(result.Invalid, entry)
			continue
		}
		valid++

		if _, ok := seen[entry.ID]; ok {
			result.Duplicates++
			continue
		}
		seen[entry.ID] = struct{}{}

		if _, ok := known[entry.ID]; ok {
			result.Known++
			continue
		}
		result.New = append(result.New, entry)
	}

	if valid == 0 {
		return result, ErrEmptyPlaylist
	}
	return result, nil
}
