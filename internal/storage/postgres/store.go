// Package postgres is the PostgreSQL repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conorfennell/recallguard/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS sources (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    path TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'local',
    last_scanned TIMESTAMPTZ,
    UNIQUE (user_id, path)
);

CREATE TABLE IF NOT EXISTS notes (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    content TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    source_id BIGINT REFERENCES sources(id) ON DELETE SET NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_notes_user_hash ON notes(user_id, content_hash);
CREATE INDEX IF NOT EXISTS idx_notes_source ON notes(source_id);

CREATE TABLE IF NOT EXISTS questions (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    note_id BIGINT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
    question_text TEXT NOT NULL,
    answer_text TEXT NOT NULL,
    interval_days INTEGER NOT NULL CHECK (interval_days >= 0),
    ease_factor DOUBLE PRECISION NOT NULL CHECK (ease_factor >= 1.3),
    repetitions INTEGER NOT NULL CHECK (repetitions >= 0),
    next_review_date TIMESTAMPTZ NOT NULL,
    version BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_questions_user_due ON questions(user_id, next_review_date, id);
`

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// New creates a Store with a pgx connection pool and applies the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: pool, now: time.Now}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// CreateNote inserts a note and one question per draft in a single transaction.
// Drafts without an explicit state start due now with the default state.
func (s *Store) CreateNote(ctx context.Context, note domain.Note, drafts []domain.QuestionDraft) (domain.Note, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Note{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = now
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO notes (user_id, content, content_hash, source_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, note.UserID, note.Content, note.ContentHash, note.SourceID, note.CreatedAt).Scan(&note.ID, &note.CreatedAt)
	if err != nil {
		return domain.Note{}, fmt.Errorf("failed to insert note for user %d: %w", note.UserID, err)
	}
	note.CreatedAt = note.CreatedAt.UTC()

	batch := &pgx.Batch{}
	for _, d := range drafts {
		st := domain.DefaultState(now)
		if d.State != nil {
			st = *d.State
		}
		batch.Queue(`
			INSERT INTO questions (user_id, note_id, question_text, answer_text, interval_days, ease_factor, repetitions, next_review_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, note.UserID, note.ID, d.QuestionText, d.AnswerText, st.Interval, st.EaseFactor, st.Repetitions, st.NextReviewDate)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return domain.Note{}, fmt.Errorf("failed to insert questions for note %d: %w", note.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Note{}, fmt.Errorf("failed to commit note %d: %w", note.ID, err)
	}
	return note, nil
}

const noteColumns = `id, user_id, content, content_hash, source_id, created_at`

func scanNote(row pgx.Row) (domain.Note, error) {
	var n domain.Note
	if err := row.Scan(&n.ID, &n.UserID, &n.Content, &n.ContentHash, &n.SourceID, &n.CreatedAt); err != nil {
		return domain.Note{}, err
	}
	n.CreatedAt = n.CreatedAt.UTC()
	return n, nil
}

func (s *Store) queryNotes(ctx context.Context, query string, args ...any) ([]domain.Note, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// ListNotes returns the notes owned by userID, oldest first.
func (s *Store) ListNotes(ctx context.Context, userID int64) ([]domain.Note, error) {
	notes, err := s.queryNotes(ctx, `SELECT `+noteColumns+` FROM notes WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes for user %d: %w", userID, err)
	}
	return notes, nil
}

// FindNoteByHash returns the user's note with the given content hash, or nil.
func (s *Store) FindNoteByHash(ctx context.Context, userID int64, hash string) (*domain.Note, error) {
	n, err := scanNote(s.db.QueryRow(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE user_id = $1 AND content_hash = $2 ORDER BY id LIMIT 1`,
		userID, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find note by hash %s: %w", hash, err)
	}
	return &n, nil
}

// ListNotesBySource returns every note imported from a source.
func (s *Store) ListNotesBySource(ctx context.Context, sourceID int64) ([]domain.Note, error) {
	notes, err := s.queryNotes(ctx, `SELECT `+noteColumns+` FROM notes WHERE source_id = $1 ORDER BY id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes for source %d: %w", sourceID, err)
	}
	return notes, nil
}

// DeleteNote removes a note owned by userID together with its questions.
func (s *Store) DeleteNote(ctx context.Context, userID, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM notes WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete note %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("note %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

const questionColumns = `id, user_id, note_id, question_text, answer_text, interval_days, ease_factor, repetitions, next_review_date, version`

func scanQuestion(row pgx.Row) (domain.Question, error) {
	var q domain.Question
	if err := row.Scan(
		&q.ID,
		&q.UserID,
		&q.NoteID,
		&q.QuestionText,
		&q.AnswerText,
		&q.Interval,
		&q.EaseFactor,
		&q.Repetitions,
		&q.NextReviewDate,
		&q.Version,
	); err != nil {
		return domain.Question{}, err
	}
	q.NextReviewDate = q.NextReviewDate.UTC()
	return q, nil
}

func (s *Store) queryQuestions(ctx context.Context, query string, args ...any) ([]domain.Question, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetQuestion returns the user's question, or nil if there is no such question.
func (s *Store) GetQuestion(ctx context.Context, userID, id int64) (*domain.Question, error) {
	q, err := scanQuestion(s.db.QueryRow(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = $1 AND user_id = $2`, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get question %d: %w", id, err)
	}
	return &q, nil
}

// UpdateQuestionReview stores a new scheduling state if the question is still
// at expectedVersion. It returns domain.ErrConflict when another review won
// and domain.ErrNotFound when the user has no such question.
func (s *Store) UpdateQuestionReview(ctx context.Context, userID, id, expectedVersion int64, st domain.SchedulingState) (domain.Question, error) {
	q, err := scanQuestion(s.db.QueryRow(ctx, `
		UPDATE questions
		SET interval_days = $1, ease_factor = $2, repetitions = $3, next_review_date = $4, version = version + 1
		WHERE id = $5 AND user_id = $6 AND version = $7
		RETURNING `+questionColumns,
		st.Interval, st.EaseFactor, st.Repetitions, st.NextReviewDate, id, userID, expectedVersion))
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Question{}, fmt.Errorf("failed to update review state for question %d: %w", id, err)
	}

	current, err := s.GetQuestion(ctx, userID, id)
	if err != nil {
		return domain.Question{}, err
	}
	if current == nil {
		return domain.Question{}, fmt.Errorf("question %d: %w", id, domain.ErrNotFound)
	}
	return domain.Question{}, fmt.Errorf("question %d at version %d: %w", id, expectedVersion, domain.ErrConflict)
}

// ListDueCandidates returns the user's questions due at now, earliest first.
func (s *Store) ListDueCandidates(ctx context.Context, userID int64, now time.Time) ([]domain.Question, error) {
	questions, err := s.queryQuestions(ctx, `
		SELECT `+questionColumns+` FROM questions
		WHERE user_id = $1 AND next_review_date <= $2
		ORDER BY next_review_date, id
	`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due questions for user %d: %w", userID, err)
	}
	return questions, nil
}

// ListQuestions returns every question owned by userID.
func (s *Store) ListQuestions(ctx context.Context, userID int64) ([]domain.Question, error) {
	questions, err := s.queryQuestions(ctx, `SELECT `+questionColumns+` FROM questions WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions for user %d: %w", userID, err)
	}
	return questions, nil
}
