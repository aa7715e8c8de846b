package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no saved query matches the given name.
var ErrNotFound = errors.New("saved query not found")

// SavedQuery represents a row in the saved_queries table.
type SavedQuery struct {
	ID          uuid.UUID
	Name        string
	SQL         string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SaveQuery inserts a saved query, or updates the statement and description
// when the name already exists.
func (s *Store) SaveQuery(ctx context.Context, name, sqlText, description string) (*SavedQuery, error) {
	var q SavedQuery
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO saved_queries (id, name, sql, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET sql = EXCLUDED.sql, description = EXCLUDED.description, updated_at = now()
		RETURNING id, name, sql, description, created_at, updated_at`,
		uuid.New(), name, sqlText, description,
	).Scan(&q.ID, &q.Name, &q.SQL, &q.Description, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("SaveQuery: %w", err)
	}
	return &q, nil
}

// GetQuery returns one saved query by name.
func (s *Store) GetQuery(ctx context.Context, name string) (*SavedQuery, error) {
	var q SavedQuery
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, sql, description, created_at, updated_at
		FROM saved_queries WHERE name = $1`,
		name,
	).Scan(&q.ID, &q.Name, &q.SQL, &q.Description, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetQuery: %w", err)
	}
	return &q, nil
}

// ListQueries returns all saved queries ordered by most recently updated.
func (s *Store) ListQueries(ctx context.Context) ([]*SavedQuery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, sql, description, created_at, updated_at
		FROM saved_queries ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListQueries: %w", err)
	}
	defer rows.Close()

	var queries []*SavedQuery
	for rows.Next() {
		var q SavedQuery
		if err := rows.Scan(&q.ID, &q.Name, &q.SQL, &q.Description, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListQueries: %w", err)
		}
		queries = append(queries, &q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListQueries: %w", err)
	}
	return queries, nil
}

// DeleteQuery removes a saved query by name.
func (s *Store) DeleteQuery(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM saved_queries WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("DeleteQuery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("DeleteQuery: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
