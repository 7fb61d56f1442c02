package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

func entries(ids ...string) []models.PlaylistEntry {
	out := make([]models.PlaylistEntry, len(ids))
	for i, id := range ids {
		out[i] = models.PlaylistEntry{ID: id, Title: "title " + id}
	}
	return out
}

func records(ids ...string) []models.VideoRecord {
	out := make([]models.VideoRecord, len(ids))
	for i, id := range ids {
		out[i] = models.VideoRecord{ID: id}
	}
	return out
}

func ids(list []models.PlaylistEntry) []string {
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.ID
	}
	return out
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name       string
		listing    []models.PlaylistEntry
		known      []models.VideoRecord
		wantNew    []string
		wantKnown  int
		wantDupes  int
		wantIvalid int
	}{
		{
			name:    "all new in source order",
			listing: entries("c", "a", "b"),
			wantNew: []string{"c", "a", "b"},
		},
		{
			name:      "known filtered",
			listing:   entries("a", "b", "c"),
			known:     records("b"),
			wantNew:   []string{"a", "c"},
			wantKnown: 1,
		},
		{
			name:      "nothing new",
			listing:   entries("a", "b"),
			known:     records("a", "b"),
			wantNew:   nil,
			wantKnown: 2,
		},
		{
			name:      "duplicates collapse to first",
			listing:   entries("a", "b", "a"),
			wantNew:   []string{"a", "b"},
			wantDupes: 1,
		},
		{
			name:       "invalid ids reported",
			listing:    entries("a", "", "bad id!", strings.Repeat("x", 65)),
			wantNew:    []string{"a"},
			wantIvalid: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Diff(tt.listing, tt.known)
			require.NoError(t, err)

			if tt.wantNew == nil {
				assert.Empty(t, result.New)
			} else {
				assert.Equal(t, tt.wantNew, ids(result.New))
			}
			assert.Equal(t, tt.wantKnown, result.Known)
			assert.Equal(t, tt.wantDupes, result.Duplicates)
			assert.Len(t, result.Invalid, tt.wantIvalid)
		})
	}
}

func TestDiffEmptyPlaylist(t *testing.T) {
	_, err := Diff(nil, records("a"))
	assert.ErrorIs(t, err, ErrEmptyPlaylist)

	result, err := Diff(entries("", "not valid"), nil)
	assert.ErrorIs(t, err, ErrEmptyPlaylist)
	assert.Len(t, result.Invalid, 2)
}

func TestDiffIdempotent(t *testing.T) {
	listing := entries("a", "b", "c")
	first, err := Diff(listing, nil)
	require.NoError(t, err)

	var ingested []models.VideoRecord
	for _, e := range first.New {
		ingested = append(ingested, models.VideoRecord{ID: e.ID})
	}

	second, err := Diff(listing, ingested)
	require.NoError(t, err)
	assert.Empty(t, second.New)
}

func TestValidVideoID(t *testing.T) {
	assert.True(t, ValidVideoID("dQw4w9WgXcQ"))
	assert.True(t, ValidVideoID("a-b_c"))
	assert.False(t, ValidVideoID(""))
	assert.False(t, ValidVideoID("../etc"))
	assert.False(t, ValidVideoID(strings.Repeat("a", 65)))
}
