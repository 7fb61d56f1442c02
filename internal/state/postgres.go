package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/database"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

// PostgresStore keeps the state document in a single JSONB row
type PostgresStore struct {
	db     *database.DB
	logger *logging.Logger
	now    func() time.Time
}

// NewPostgresStore migrates the schema and returns a store
func NewPostgresStore(ctx context.Context, db *database.DB, logger *logging.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := db.Migrate(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, logger: logger, now: time.Now}, nil
}

// Load reads the document. Connectivity failures are returned; an
// undecodable document yields an empty state.
func (s *PostgresStore) Load(ctx context.Context) (models.State, error) {
	start := time.Now()

	var raw []byte
	err := s.db.Pool.QueryRow(ctx, `SELECT document FROM podmirror_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return emptyState(), nil
	}
	if err != nil {
		s.logger.LogStateOperation("load", 0, time.Since(start), err)
		return models.State{}, fmt.Errorf("failed to load state: %w", err)
	}

	var st models.State
	if err := json.Unmarshal(raw, &st); err != nil {
		s.logger.WarnWithErr("Corrupt state document, starting empty", err)
		return emptyState(), nil
	}
	if st.Videos == nil {
		st.Videos = []models.VideoRecord{}
	}

	s.logger.LogStateOperation("load", len(st.Videos), time.Since(start), nil)
	return st, nil
}

// Save upserts the document in a transaction
func (s *PostgresStore) Save(ctx context.Context, records []models.VideoRecord) error {
	start := time.Now()
	now := models.NewTimestamp(s.now())
	doc := newDocument(records, now)

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO podmirror_state (id, document, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE
		SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at
	`
	if _, err := tx.Exec(ctx, query, string(data), now.Time); err != nil {
		s.logger.LogStateOperation("save", len(doc.Videos), time.Since(start), err)
		return fmt.Errorf("failed to save state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.LogStateOperation("save", len(doc.Videos), time.Since(start), err)
		return fmt.Errorf("failed to commit state: %w", err)
	}

	s.logger.LogStateOperation("save", len(doc.Videos), time.Since(start), nil)
	return nil
}
