package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/conorfennell/recallguard/internal/domain"
)

const sourceColumns = `id, user_id, path, type, last_scanned`

func scanSource(row pgx.Row) (domain.Source, error) {
	var (
		src domain.Source
		typ string
	)
	if err := row.Scan(&src.ID, &src.UserID, &src.Path, &typ, &src.LastScanned); err != nil {
		return domain.Source{}, err
	}
	src.Type = domain.SourceType(typ)
	if src.LastScanned != nil {
		t := src.LastScanned.UTC()
		src.LastScanned = &t
	}
	return src, nil
}

// InsertSource registers a note source for userID and returns its ID.
func (s *Store) InsertSource(ctx context.Context, userID int64, path string, typ domain.SourceType) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO sources (user_id, path, type) VALUES ($1, $2, $3) RETURNING id`,
		userID, path, string(typ)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert source %s: %w", path, err)
	}
	return id, nil
}

// FindSourceByPath returns the user's source at path, or nil.
func (s *Store) FindSourceByPath(ctx context.Context, userID int64, path string) (*domain.Source, error) {
	src, err := scanSource(s.db.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE user_id = $1 AND path = $2`, userID, path))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find source by path %s: %w", path, err)
	}
	return &src, nil
}

// ListSources retrieves every registered source of every user.
func (s *Store) ListSources(ctx context.Context) ([]domain.Source, error) {
	sources, err := s.querySources(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return sources, nil
}

// ListSourcesByUser retrieves the sources registered by userID.
func (s *Store) ListSourcesByUser(ctx context.Context, userID int64) ([]domain.Source, error) {
	sources, err := s.querySources(ctx, `SELECT `+sourceColumns+` FROM sources WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources for user %d: %w", userID, err)
	}
	return sources, nil
}

func (s *Store) querySources(ctx context.Context, query string, args ...any) ([]domain.Source, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []domain.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// DeleteSource unregisters a source owned by userID. Notes imported from it are kept.
func (s *Store) DeleteSource(ctx context.Context, userID, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM sources WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete source %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UpdateSourceLastScanned records when a source was last synced.
func (s *Store) UpdateSourceLastScanned(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.db.Exec(ctx, `UPDATE sources SET last_scanned = $1 WHERE id = $2`, at, id); err != nil {
		return fmt.Errorf("failed to update last scanned for source %d: %w", id, err)
	}
	return nil
}
