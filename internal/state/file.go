package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/fileutil"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

// FileStore keeps the state document as a JSON file
type FileStore struct {
	path   string
	logger *logging.Logger
	now    func() time.Time
}

// NewFileStore creates a file-backed store
func NewFileStore(path string, logger *logging.Logger) *FileStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FileStore{path: path, logger: logger, now: time.Now}
}

// Path returns the document location
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the document. A missing, unreadable or corrupt file yields an
// empty state.
func (s *FileStore) Load(ctx context.Context) (models.State, error) {
	if err := ctx.Err(); err != nil {
		return models.State{}, err
	}

	start := time.Now()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.WithField("path", s.path).Info("No state file, starting empty")
		return emptyState(), nil
	}
	if err != nil {
		s.logger.WithField("path", s.path).WarnWithErr("Unreadable state file, starting empty", err)
		return emptyState(), nil
	}

	var st models.State
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.WithField("path", s.path).WarnWithErr("Corrupt state file, starting empty", err)
		return emptyState(), nil
	}
	if st.Videos == nil {
		st.Videos = []models.VideoRecord{}
	}

	s.logger.LogStateOperation("load", len(st.Videos), time.Since(start), nil)
	return st, nil
}

// Save atomically replaces the document with records
func (s *FileStore) Save(ctx context.Context, records []models.VideoRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	doc := newDocument(records, models.NewTimestamp(s.now()))
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	err = fileutil.WriteFileAtomic(s.path, append(data, '\n'), 0o644)
	s.logger.LogStateOperation("save", len(doc.Videos), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to save state to %s: %w", s.path, err)
	}
	return nil
}
