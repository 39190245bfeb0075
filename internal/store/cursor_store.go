package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentdeck/internal/database"
	"agentdeck/internal/models"
)

// CursorStore persists the last delivered offset per logical project so
// resumable-stream consumers survive process restarts. Persistence failures
// are returned to the caller rather than absorbed: silently losing a cursor
// would break resume correctness.
type CursorStore struct {
	db *database.DB
}

// NewCursorStore creates a cursor store on an initialized database.
func NewCursorStore(db *database.DB) *CursorStore {
	return &CursorStore{db: db}
}

// SaveCursor upserts the cursor for its project key. Idempotent.
func (s *CursorStore) SaveCursor(ctx context.Context, cursor models.Cursor) error {
	if cursor.ProjectKey == "" {
		return fmt.Errorf("cursor project key is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (project_key, "offset", timestamp, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_key) DO UPDATE SET
			"offset"   = excluded."offset",
			timestamp  = excluded.timestamp,
			updated_at = excluded.updated_at
	`, cursor.ProjectKey, cursor.Offset, cursor.Timestamp, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", cursor.ProjectKey, err)
	}

	return nil
}

// LoadCursor returns the saved cursor for a project key, or nil if absent.
func (s *CursorStore) LoadCursor(ctx context.Context, projectKey string) (*models.Cursor, error) {
	if projectKey == "" {
		return nil, fmt.Errorf("project key is required")
	}

	var cursor models.Cursor
	err := s.db.QueryRowContext(ctx, `
		SELECT project_key, "offset", timestamp FROM cursors WHERE project_key = ?
	`, projectKey).Scan(&cursor.ProjectKey, &cursor.Offset, &cursor.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor for %s: %w", projectKey, err)
	}

	return &cursor, nil
}
