// Package feed turns published records into a podcast RSS document.
package feed

import (
	"errors"
	"fmt"
	"strings"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/config"
)

// ErrIncompleteShow is returned when required show metadata is missing
var ErrIncompleteShow = errors.New("incomplete show configuration")

// DefaultCategory is used when no category is configured
const DefaultCategory = "Technology"

// ShowConfig is the channel-level metadata of the feed
type ShowConfig struct {
	Title       string
	Description string
	Author      string
	Language    string
	Link        string
	Category    string
	ImageURL    string
	Explicit    bool
	Email       string
}

// NewShowConfig copies show metadata out of the application config
func NewShowConfig(c config.ShowConfig) ShowConfig {
	return ShowConfig{
		Title:       c.Title,
		Description: c.Description,
		Author:      c.Author,
		Language:    c.Language,
		Link:        c.Link,
		Category:    c.Category,
		ImageURL:    c.ImageURL,
		Explicit:    c.Explicit,
		Email:       c.Email,
	}
}

// Validate checks required fields and fills in the category default
func (s *ShowConfig) Validate() error {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"title", s.Title},
		{"description", s.Description},
		{"author", s.Author},
		{"language", s.Language},
		{"link", s.Link},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncompleteShow, strings.Join(missing, ", "))
	}

	if strings.TrimSpace(s.Category) == "" {
		s.Category = DefaultCategory
	}
	return nil
}

// ExplicitValue maps the explicit flag to the itunes vocabulary
func (s ShowConfig) ExplicitValue() string {
	if s.Explicit {
		return "yes"
	}
	return "no"
}
