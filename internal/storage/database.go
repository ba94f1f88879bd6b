package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Registers the sqlite driver

	"github.com/conorfennell/recallguard/internal/domain"
)

// DB is a Repository backed by SQLite.
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

var _ Repository = (*DB)(nil)

// Open creates a new database connection and ensures the schema is up to date.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Execute the schema to create tables if they don't exist.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{conn: db, now: time.Now}, nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// CreateNote inserts a note and one question per draft in a single transaction.
// Drafts without an explicit state start due now with the default state.
func (db *DB) CreateNote(ctx context.Context, note domain.Note, drafts []domain.QuestionDraft) (domain.Note, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return domain.Note{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := db.now()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = now
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO notes (user_id, content, content_hash, source_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, note.UserID, note.Content, note.ContentHash, note.SourceID, toMillis(note.CreatedAt))
	if err != nil {
		return domain.Note{}, fmt.Errorf("failed to insert note for user %d: %w", note.UserID, err)
	}
	if note.ID, err = res.LastInsertId(); err != nil {
		return domain.Note{}, fmt.Errorf("failed to get last insert ID for note: %w", err)
	}
	note.CreatedAt = fromMillis(toMillis(note.CreatedAt))

	items := make([]domain.NewQuestion, len(drafts))
	for i, d := range drafts {
		items[i] = domain.NewQuestion{UserID: note.UserID, NoteID: note.ID, QuestionDraft: d}
	}
	if err := insertQuestions(ctx, tx, items, now); err != nil {
		return domain.Note{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Note{}, fmt.Errorf("failed to commit note %d: %w", note.ID, err)
	}
	return note, nil
}

func insertQuestions(ctx context.Context, tx *sql.Tx, items []domain.NewQuestion, now time.Time) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO questions (user_id, note_id, question_text, answer_text, interval_days, ease_factor, repetitions, next_review_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare question insert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		st := domain.DefaultState(now)
		if item.State != nil {
			st = *item.State
		}
		if _, err := stmt.ExecContext(ctx,
			item.UserID,
			item.NoteID,
			item.QuestionText,
			item.AnswerText,
			st.Interval,
			st.EaseFactor,
			st.Repetitions,
			toMillis(st.NextReviewDate),
		); err != nil {
			return fmt.Errorf("failed to insert question for note %d: %w", item.NoteID, err)
		}
	}
	return nil
}

const noteColumns = `id, user_id, content, content_hash, source_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (domain.Note, error) {
	var (
		n         domain.Note
		sourceID  sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&n.ID, &n.UserID, &n.Content, &n.ContentHash, &sourceID, &createdAt); err != nil {
		return domain.Note{}, err
	}
	if sourceID.Valid {
		n.SourceID = &sourceID.Int64
	}
	n.CreatedAt = fromMillis(createdAt)
	return n, nil
}

func (db *DB) queryNotes(ctx context.Context, query string, args ...any) ([]domain.Note, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan note row: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// ListNotes retrieves a user's notes, oldest first.
func (db *DB) ListNotes(ctx context.Context, userID int64) ([]domain.Note, error) {
	notes, err := db.queryNotes(ctx, `
		SELECT `+noteColumns+` FROM notes WHERE user_id = ? ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes for user %d: %w", userID, err)
	}
	return notes, nil
}

// FindNoteByHash retrieves a user's note by content hash. It returns nil
// when there is none.
func (db *DB) FindNoteByHash(ctx context.Context, userID int64, hash string) (*domain.Note, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+noteColumns+` FROM notes WHERE user_id = ? AND content_hash = ? ORDER BY id LIMIT 1
	`, userID, hash)
	n, err := scanNote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Note not found
		}
		return nil, fmt.Errorf("failed to find note by hash %s: %w", hash, err)
	}
	return &n, nil
}

// ListNotesBySource retrieves every note imported from a source.
func (db *DB) ListNotesBySource(ctx context.Context, sourceID int64) ([]domain.Note, error) {
	notes, err := db.queryNotes(ctx, `
		SELECT `+noteColumns+` FROM notes WHERE source_id = ? ORDER BY id
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get notes for source ID %d: %w", sourceID, err)
	}
	return notes, nil
}

// DeleteNote removes a user's note together with its questions.
func (db *DB) DeleteNote(ctx context.Context, userID, id int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM notes WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete note %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("note %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

const questionColumns = `id, user_id, note_id, question_text, answer_text, interval_days, ease_factor, repetitions, next_review_date, version`

func scanQuestion(row rowScanner) (domain.Question, error) {
	var (
		q    domain.Question
		next int64
	)
	if err := row.Scan(
		&q.ID,
		&q.UserID,
		&q.NoteID,
		&q.QuestionText,
		&q.AnswerText,
		&q.Interval,
		&q.EaseFactor,
		&q.Repetitions,
		&next,
		&q.Version,
	); err != nil {
		return domain.Question{}, err
	}
	q.NextReviewDate = fromMillis(next)
	return q, nil
}

func (db *DB) queryQuestions(ctx context.Context, query string, args ...any) ([]domain.Question, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan question row: %w", err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetQuestion retrieves a question owned by userID. It returns nil when the
// question does not exist or belongs to someone else.
func (db *DB) GetQuestion(ctx context.Context, userID, id int64) (*domain.Question, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+questionColumns+` FROM questions WHERE id = ? AND user_id = ?
	`, id, userID)
	q, err := scanQuestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Question not found
		}
		return nil, fmt.Errorf("failed to get question %d: %w", id, err)
	}
	return &q, nil
}

// UpdateQuestionReview writes a new scheduling state if the stored version
// still equals expectedVersion.
func (db *DB) UpdateQuestionReview(ctx context.Context, userID, id, expectedVersion int64, st domain.SchedulingState) (domain.Question, error) {
	row := db.conn.QueryRowContext(ctx, `
		UPDATE questions
		SET interval_days = ?, ease_factor = ?, repetitions = ?, next_review_date = ?, version = version + 1
		WHERE id = ? AND user_id = ? AND version = ?
		RETURNING `+questionColumns,
		st.Interval,
		st.EaseFactor,
		st.Repetitions,
		toMillis(st.NextReviewDate),
		id,
		userID,
		expectedVersion,
	)
	q, err := scanQuestion(row)
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Question{}, fmt.Errorf("failed to update review state for question %d: %w", id, err)
	}

	current, err := db.GetQuestion(ctx, userID, id)
	if err != nil {
		return domain.Question{}, err
	}
	if current == nil {
		return domain.Question{}, fmt.Errorf("question %d: %w", id, domain.ErrNotFound)
	}
	return domain.Question{}, fmt.Errorf("question %d at version %d: %w", id, expectedVersion, domain.ErrConflict)
}

// ListDueCandidates retrieves a user's questions due at now, earliest first.
func (db *DB) ListDueCandidates(ctx context.Context, userID int64, now time.Time) ([]domain.Question, error) {
	questions, err := db.queryQuestions(ctx, `
		SELECT `+questionColumns+` FROM questions
		WHERE user_id = ? AND next_review_date <= ?
		ORDER BY next_review_date, id
	`, userID, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list due questions for user %d: %w", userID, err)
	}
	return questions, nil
}

// ListQuestions retrieves all of a user's questions.
func (db *DB) ListQuestions(ctx context.Context, userID int64) ([]domain.Question, error) {
	questions, err := db.queryQuestions(ctx, `
		SELECT `+questionColumns+` FROM questions WHERE user_id = ? ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions for user %d: %w", userID, err)
	}
	return questions, nil
}
