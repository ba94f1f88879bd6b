package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/recallguard/internal/domain"
)

const sourceColumns = `id, user_id, path, type, last_scanned`

func scanSource(row rowScanner) (domain.Source, error) {
	var (
		s           domain.Source
		typ         string
		lastScanned sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.Path, &typ, &lastScanned); err != nil {
		return domain.Source{}, err
	}
	s.Type = domain.SourceType(typ)
	if lastScanned.Valid {
		t := fromMillis(lastScanned.Int64)
		s.LastScanned = &t
	}
	return s, nil
}

// InsertSource registers a note source for a user and returns its ID.
func (db *DB) InsertSource(ctx context.Context, userID int64, path string, typ domain.SourceType) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO sources (user_id, path, type)
		VALUES (?, ?, ?)
	`, userID, path, string(typ))
	if err != nil {
		return 0, fmt.Errorf("failed to insert source %s: %w", path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for source %s: %w", path, err)
	}
	return id, nil
}

// FindSourceByPath retrieves a user's source by its path. It returns nil
// when there is none.
func (db *DB) FindSourceByPath(ctx context.Context, userID int64, path string) (*domain.Source, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+sourceColumns+` FROM sources WHERE user_id = ? AND path = ?
	`, userID, path)
	s, err := scanSource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Source not found
		}
		return nil, fmt.Errorf("failed to find source by path %s: %w", path, err)
	}
	return &s, nil
}

// ListSources retrieves every registered source of every user.
func (db *DB) ListSources(ctx context.Context) ([]domain.Source, error) {
	sources, err := db.querySources(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all sources: %w", err)
	}
	return sources, nil
}

// ListSourcesByUser retrieves the sources registered by userID.
func (db *DB) ListSourcesByUser(ctx context.Context, userID int64) ([]domain.Source, error) {
	sources, err := db.querySources(ctx, `SELECT `+sourceColumns+` FROM sources WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sources for user %d: %w", userID, err)
	}
	return sources, nil
}

func (db *DB) querySources(ctx context.Context, query string, args ...any) ([]domain.Source, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []domain.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// DeleteSource removes a user's source. Notes imported from it are kept.
func (db *DB) DeleteSource(ctx context.Context, userID, id int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM sources WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete source %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("source %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UpdateSourceLastScanned records when a source was last synced.
func (db *DB) UpdateSourceLastScanned(ctx context.Context, id int64, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE sources
		SET last_scanned = ?
		WHERE id = ?
	`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to update last scanned for source ID %d: %w", id, err)
	}
	return nil
}
