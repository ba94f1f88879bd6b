package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/recallguard/internal/domain"
	"github.com/conorfennell/recallguard/internal/sm2"
)

// maxAttempts bounds how often Submit re-reads a question after losing a
// concurrent write.
const maxAttempts = 3

// QuestionStore is the part of the repository the review flow needs.
// Every method filters on userID.
type QuestionStore interface {
	GetQuestion(ctx context.Context, userID, id int64) (*domain.Question, error)
	UpdateQuestionReview(ctx context.Context, userID, id, expectedVersion int64, state domain.SchedulingState) (domain.Question, error)
	ListDueCandidates(ctx context.Context, userID int64, now time.Time) ([]domain.Question, error)
	ListQuestions(ctx context.Context, userID int64) ([]domain.Question, error)
}

// Service applies review outcomes and answers due/status queries for a user.
type Service struct {
	store QuestionStore
	now   func() time.Time
}

// NewService creates a Service. A nil clock means time.Now.
func NewService(store QuestionStore, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

// Daily returns the next question the user should review, or nil when
// nothing is due.
func (s *Service) Daily(ctx context.Context, userID int64) (*domain.Question, error) {
	now := s.now()
	candidates, err := s.store.ListDueCandidates(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due questions for user %d: %w", userID, err)
	}
	q, ok := SelectNext(candidates, now)
	if !ok {
		return nil, nil
	}
	return &q, nil
}

// Submit records a review of the given quality and returns the updated question.
func (s *Service) Submit(ctx context.Context, userID, questionID int64, quality int) (domain.Question, error) {
	q, err := sm2.ParseQuality(quality)
	if err != nil {
		return domain.Question{}, err
	}

	for attempt := 1; ; attempt++ {
		current, err := s.store.GetQuestion(ctx, userID, questionID)
		if err != nil {
			return domain.Question{}, fmt.Errorf("failed to load question %d: %w", questionID, err)
		}
		if current == nil {
			return domain.Question{}, fmt.Errorf("question %d: %w", questionID, domain.ErrNotFound)
		}

		next, err := sm2.NextState(current.SchedulingState, q, s.now())
		if err != nil {
			return domain.Question{}, err
		}

		updated, err := s.store.UpdateQuestionReview(ctx, userID, questionID, current.Version, next)
		if errors.Is(err, domain.ErrConflict) && attempt < maxAttempts {
			continue
		}
		if err != nil {
			return domain.Question{}, fmt.Errorf("failed to save review of question %d: %w", questionID, err)
		}
		return updated, nil
	}
}

// Status reports how many of the user's questions are safe and unstable.
func (s *Service) Status(ctx context.Context, userID int64) (domain.MemoryStatus, error) {
	questions, err := s.store.ListQuestions(ctx, userID)
	if err != nil {
		return domain.MemoryStatus{}, fmt.Errorf("failed to list questions for user %d: %w", userID, err)
	}
	return ComputeStatus(questions, s.now()), nil
}
