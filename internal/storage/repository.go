package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/conorfennell/recallguard/internal/domain"
	"github.com/conorfennell/recallguard/internal/storage/postgres"
)

// Repository is everything the services need from persistence. Every
// user-facing read and write filters on the owning user.
type Repository interface {
	CreateNote(ctx context.Context, note domain.Note, drafts []domain.QuestionDraft) (domain.Note, error)
	ListNotes(ctx context.Context, userID int64) ([]domain.Note, error)
	FindNoteByHash(ctx context.Context, userID int64, hash string) (*domain.Note, error)
	ListNotesBySource(ctx context.Context, sourceID int64) ([]domain.Note, error)
	DeleteNote(ctx context.Context, userID, id int64) error

	GetQuestion(ctx context.Context, userID, id int64) (*domain.Question, error)
	UpdateQuestionReview(ctx context.Context, userID, id, expectedVersion int64, state domain.SchedulingState) (domain.Question, error)
	ListDueCandidates(ctx context.Context, userID int64, now time.Time) ([]domain.Question, error)
	ListQuestions(ctx context.Context, userID int64) ([]domain.Question, error)

	InsertSource(ctx context.Context, userID int64, path string, typ domain.SourceType) (int64, error)
	FindSourceByPath(ctx context.Context, userID int64, path string) (*domain.Source, error)
	ListSources(ctx context.Context) ([]domain.Source, error)
	ListSourcesByUser(ctx context.Context, userID int64) ([]domain.Source, error)
	DeleteSource(ctx context.Context, userID, id int64) error
	UpdateSourceLastScanned(ctx context.Context, id int64, at time.Time) error

	Close() error
}

var _ Repository = (*postgres.Store)(nil)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// OpenRepository opens the repository for the configured driver.
func OpenRepository(ctx context.Context, driver, dsn string) (Repository, error) {
	switch driver {
	case DriverSQLite, "":
		db, err := Open(dsn)
		if err != nil {
			return nil, err
		}
		return db, nil
	case DriverPostgres:
		store, err := postgres.New(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
