// Package state persists the ledger of mirrored videos.
package state

import (
	"context"
	"errors"

	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

// ErrLocked is returned when another run holds the state lock.
var ErrLocked = errors.New("state is locked by another run")

// Store loads and saves the full record set.
type Store interface {
	Load(ctx context.Context) (models.State, error)
	Save(ctx context.Context, records []models.VideoRecord) error
}

// Merge appends the records of added whose ID is not already present.
func Merge(existing, added []models.VideoRecord) []models.VideoRecord {
	seen := make(map[string]struct{}, len(existing)+len(added))
	out := make([]models.VideoRecord, 0, len(existing)+len(added))
	for _, rec := range existing {
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	for _, rec := range added {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	return out
}

func emptyState() models.State {
	return models.State{Videos: []models.VideoRecord{}}
}

func newDocument(records []models.VideoRecord, now models.Timestamp) models.State {
	if records == nil {
		records = []models.VideoRecord{}
	}
	return models.State{LastUpdated: &now, Videos: records}
}
