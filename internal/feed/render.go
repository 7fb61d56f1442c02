package feed

import (
	"bytes"
	"fmt"
	"time"

	"github.com/eduncan911/podcast"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/fileutil"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
)

// Renderer writes the feed document to a fixed path
type Renderer struct {
	outputPath string
	logger     *logging.Logger
	now        func() time.Time
}

// NewRenderer creates a renderer for outputPath
func NewRenderer(outputPath string, logger *logging.Logger) *Renderer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Renderer{outputPath: outputPath, logger: logger, now: time.Now}
}

// OutputPath returns the feed file location
func (r *Renderer) OutputPath() string {
	return r.outputPath
}

// SetClock overrides the clock used for the channel dates of an empty feed
func (r *Renderer) SetClock(now func() time.Time) {
	r.now = now
}

// Build assembles the channel. Channel dates follow the newest episode so the
// same input always produces the same document.
func (r *Renderer) Build(show ShowConfig, episodes []Episode) (*podcast.Podcast, error) {
	if err := show.Validate(); err != nil {
		return nil, err
	}

	updated := r.now().UTC()
	if len(episodes) > 0 {
		updated = episodes[0].PublishedAt.UTC()
	}

	p := podcast.New(show.Title, show.Link, show.Description, &updated, &updated)
	p.Language = show.Language
	p.AddCategory(show.Category, nil)
	p.AddImage(show.ImageURL)
	p.IExplicit = show.ExplicitValue()
	if show.Email != "" {
		p.AddAuthor(show.Author, show.Email)
		p.IOwner = &podcast.Author{Name: show.Author, Email: show.Email}
	}
	p.IAuthor = show.Author

	for _, ep := range episodes {
		item := podcast.Item{
			GUID:        ep.ID,
			Title:       ep.Title,
			Link:        ep.EnclosureURL,
			Description: ep.Summary,
		}
		if item.Description == "" {
			item.Description = ep.Title
		}
		pub := ep.PublishedAt.UTC()
		item.AddPubDate(&pub)
		item.AddEnclosure(ep.EnclosureURL, podcast.MP3, ep.EnclosureSizeBytes)
		item.AddSummary(item.Description)
		item.IDuration = ep.Duration
		item.IExplicit = "no"

		if _, err := p.AddItem(item); err != nil {
			return nil, fmt.Errorf("failed to add episode %s: %w", ep.ID, err)
		}
	}
	return &p, nil
}

// Encode renders the feed document without writing it
func (r *Renderer) Encode(show ShowConfig, episodes []Episode) ([]byte, error) {
	p, err := r.Build(show, episodes)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode feed: %w", err)
	}
	return buf.Bytes(), nil
}

// Render regenerates the whole feed file
func (r *Renderer) Render(show ShowConfig, episodes []Episode) error {
	start := time.Now()
	data, err := r.Encode(show, episodes)
	if err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomic(r.outputPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write feed %s: %w", r.outputPath, err)
	}

	r.logger.WithFields(map[string]interface{}{
		"path":        r.outputPath,
		"episodes":    len(episodes),
		"bytes":       len(data),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Feed rendered")
	return nil
}
