package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyPublished is returned when a record is assigned to a second batch.
	ErrAlreadyPublished = errors.New("video already published")
	// ErrInvalidPublication is returned when a tag or URL is missing.
	ErrInvalidPublication = errors.New("publication requires both batch tag and public url")
)

// Lifecycle states of a VideoRecord
const (
	VideoStatusDiscovered = "discovered"
	VideoStatusIngested   = "ingested"
	VideoStatusPublished  = "published"
)

// Publication is the published half of a record's lifecycle. BatchTag and
// PublicURL only ever exist together.
type Publication struct {
	BatchTag  string `json:"batch_id"`
	PublicURL string `json:"public_url"`
}

// VideoRecord is the durable record of one source item
type VideoRecord struct {
	ID                string
	Title             string
	Description       string
	DiscoveredAt      Timestamp
	PublishedSourceAt *Timestamp
	DurationSeconds   int64
	SizeBytes         int64
	LocalPath         string
	Publication       *Publication
}

// IsPublished reports whether the record has been assigned to a batch.
func (v *VideoRecord) IsPublished() bool {
	return v.Publication != nil
}

// IsPendingPublish reports whether the record is ingested but not yet published.
func (v *VideoRecord) IsPendingPublish() bool {
	return v.Publication == nil && v.LocalPath != ""
}

// Status returns the lifecycle state of the record.
func (v *VideoRecord) Status() string {
	switch {
	case v.IsPublished():
		return VideoStatusPublished
	case v.LocalPath != "":
		return VideoStatusIngested
	default:
		return VideoStatusDiscovered
	}
}

// BatchTag returns the batch the record belongs to, or "".
func (v *VideoRecord) BatchTag() string {
	if v.Publication == nil {
		return ""
	}
	return v.Publication.BatchTag
}

// PublicURL returns the published asset URL, or "".
func (v *VideoRecord) PublicURL() string {
	if v.Publication == nil {
		return ""
	}
	return v.Publication.PublicURL
}

// MarkPublished records the batch and URL together and drops the local path.
func (v *VideoRecord) MarkPublished(tag, publicURL string) error {
	if v.Publication != nil {
		return ErrAlreadyPublished
	}
	if tag == "" || publicURL == "" {
		return ErrInvalidPublication
	}
	v.Publication = &Publication{BatchTag: tag, PublicURL: publicURL}
	v.LocalPath = ""
	return nil
}

// EffectivePublishedAt is the source publish time when known, else discovery time.
func (v *VideoRecord) EffectivePublishedAt() time.Time {
	if v.PublishedSourceAt != nil && !v.PublishedSourceAt.IsZero() {
		return v.PublishedSourceAt.Time
	}
	return v.DiscoveredAt.Time
}

// videoRecordJSON is the persisted layout of a VideoRecord.
type videoRecordJSON struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	DiscoveredAt      Timestamp  `json:"discovered_at"`
	PublishedSourceAt *Timestamp `json:"published_source_at,omitempty"`
	DurationSeconds   int64      `json:"duration_seconds"`
	SizeBytes         int64      `json:"size_bytes"`
	LocalPath         *string    `json:"local_path,omitempty"`
	BatchID           *string    `json:"batch_id,omitempty"`
	PublicURL         *string    `json:"public_url,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (v VideoRecord) MarshalJSON() ([]byte, error) {
	out := videoRecordJSON{
		ID:                v.ID,
		Title:             v.Title,
		Description:       v.Description,
		DiscoveredAt:      v.DiscoveredAt,
		PublishedSourceAt: v.PublishedSourceAt,
		DurationSeconds:   v.DurationSeconds,
		SizeBytes:         v.SizeBytes,
	}
	if v.PublishedSourceAt != nil && v.PublishedSourceAt.IsZero() {
		out.PublishedSourceAt = nil
	}
	if v.LocalPath != "" {
		path := v.LocalPath
		out.LocalPath = &path
	}
	if v.Publication != nil {
		tag, url := v.Publication.BatchTag, v.Publication.PublicURL
		out.BatchID = &tag
		out.PublicURL = &url
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. A record carrying only one of
// batch_id/public_url is treated as unpublished.
func (v *VideoRecord) UnmarshalJSON(data []byte) error {
	var in videoRecordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*v = VideoRecord{
		ID:                in.ID,
		Title:             in.Title,
		Description:       in.Description,
		DiscoveredAt:      in.DiscoveredAt,
		PublishedSourceAt: in.PublishedSourceAt,
		DurationSeconds:   in.DurationSeconds,
		SizeBytes:         in.SizeBytes,
	}
	if v.PublishedSourceAt != nil && v.PublishedSourceAt.IsZero() {
		v.PublishedSourceAt = nil
	}
	if in.LocalPath != nil {
		v.LocalPath = *in.LocalPath
	}
	if in.BatchID != nil && *in.BatchID != "" && in.PublicURL != nil && *in.PublicURL != "" {
		v.Publication = &Publication{BatchTag: *in.BatchID, PublicURL: *in.PublicURL}
	}
	return nil
}

// State is the persisted ledger document
type State struct {
	LastUpdated *Timestamp    `json:"last_updated"`
	Videos      []VideoRecord `json:"videos"`
}

// Value implements driver.Valuer for database storage
func (s State) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner for database retrieval
func (s *State) Scan(value interface{}) error {
	if value == nil {
		*s = State{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported state column type %T", value)
	}

	return json.Unmarshal(data, s)
}

// CloneRecords returns a copy of records that shares no Publication pointers
// with the input.
func CloneRecords(records []VideoRecord) []VideoRecord {
	out := make([]VideoRecord, len(records))
	for i, rec := range records {
		out[i] = rec
		if rec.Publication != nil {
			pub := *rec.Publication
			out[i].Publication = &pub
		}
		if rec.PublishedSourceAt != nil {
			ts := *rec.PublishedSourceAt
			out[i].PublishedSourceAt = &ts
		}
	}
	return out
}

// PlaylistEntry is one item of a freshly fetched source listing
type PlaylistEntry struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	PublishedAt *Timestamp `json:"published_at,omitempty"`
}

// Metadata is the extended metadata of a source item
type Metadata struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	PublishedAt *Timestamp `json:"published_at,omitempty"`
}
