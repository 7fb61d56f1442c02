package models

import "sort"

// ReleaseBatch groups published assets that share one publish destination.
// CumulativeBytes never exceeds the configured capacity unless the batch holds
// a single oversized episode.
type ReleaseBatch struct {
	Tag             string `json:"tag"`
	CumulativeBytes int64  `json:"cumulative_bytes"`
	Episodes        int    `json:"episodes"`
}

// Fits reports whether an asset of size bytes may be assigned to the batch.
// An empty batch accepts anything so oversized assets get a batch of their own.
func (b *ReleaseBatch) Fits(size, capacity int64) bool {
	if b.CumulativeBytes == 0 {
		return true
	}
	return b.CumulativeBytes+size <= capacity
}

// Sealed reports whether the batch is full.
func (b *ReleaseBatch) Sealed(capacity int64) bool {
	return b.CumulativeBytes >= capacity
}

// Add accounts one published asset.
func (b *ReleaseBatch) Add(size int64) {
	b.CumulativeBytes += size
	b.Episodes++
}

// BatchesFromRecords rebuilds batch totals from published records, ordered by tag.
func BatchesFromRecords(records []VideoRecord) []ReleaseBatch {
	index := make(map[string]int)
	var batches []ReleaseBatch
	for i := range records {
		tag := records[i].BatchTag()
		if tag == "" {
			continue
		}
		pos, ok := index[tag]
		if !ok {
			pos = len(batches)
			index[tag] = pos
			batches = append(batches, ReleaseBatch{Tag: tag})
		}
		batches[pos].Add(records[i].SizeBytes)
	}
	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].Tag < batches[j].Tag
	})
	return batches
}
