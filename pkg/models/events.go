package models

import "time"

// Event names
const (
	EventEpisodePublished = "episode.published"
	EventFeedGenerated    = "feed.generated"
)

// EpisodePublishedEvent is emitted once per newly published episode
type EpisodePublishedEvent struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	VideoID   string    `json:"video_id"`
	Title     string    `json:"title"`
	BatchTag  string    `json:"batch_tag"`
	PublicURL string    `json:"public_url"`
	SizeBytes int64     `json:"size_bytes"`
}

// NewEpisodePublishedEvent builds the event for a published record.
func NewEpisodePublishedEvent(rec VideoRecord, at time.Time) EpisodePublishedEvent {
	return EpisodePublishedEvent{
		Event:     EventEpisodePublished,
		Timestamp: at.UTC(),
		VideoID:   rec.ID,
		Title:     rec.Title,
		BatchTag:  rec.BatchTag(),
		PublicURL: rec.PublicURL(),
		SizeBytes: rec.SizeBytes,
	}
}

// EventEpisodeFailed marks an item that a stage gave up on this run
const EventEpisodeFailed = "episode.failed"

// EpisodeFailedEvent is emitted for items skipped or left unpublished
type EpisodeFailedEvent struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	VideoID   string    `json:"video_id"`
	Stage     string    `json:"stage"`
	Reason    string    `json:"reason"`
}

// NewEpisodeFailedEvent builds the event for an item that failed in stage.
func NewEpisodeFailedEvent(videoID, stage, reason string, at time.Time) EpisodeFailedEvent {
	return EpisodeFailedEvent{
		Event:     EventEpisodeFailed,
		Timestamp: at.UTC(),
		VideoID:   videoID,
		Stage:     stage,
		Reason:    reason,
	}
}

// FeedGeneratedEvent is emitted after the feed document is replaced
type FeedGeneratedEvent struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	Episodes  int       `json:"episodes"`
}

// NewFeedGeneratedEvent builds the event for a rendered feed.
func NewFeedGeneratedEvent(path string, episodes int, at time.Time) FeedGeneratedEvent {
	return FeedGeneratedEvent{
		Event:     EventFeedGenerated,
		Timestamp: at.UTC(),
		Path:      path,
		Episodes:  episodes,
	}
}
