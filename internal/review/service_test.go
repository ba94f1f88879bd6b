package review

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/recallguard/internal/domain"
)

// fakeStore is an in-memory QuestionStore with the same ownership and
// versioning rules as the SQL stores.
type fakeStore struct {
	mu        sync.Mutex
	questions map[int64]domain.Question
	// beforeUpdate runs inside Update before the version check.
	beforeUpdate func(q *domain.Question)
	listErr      error
}

func newFakeStore(qs ...domain.Question) *fakeStore {
	s := &fakeStore{questions: make(map[int64]domain.Question)}
	for _, q := range qs {
		s.questions[q.ID] = q
	}
	return s
}

func (s *fakeStore) GetQuestion(_ context.Context, userID, id int64) (*domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok || q.UserID != userID {
		return nil, nil
	}
	return &q, nil
}

func (s *fakeStore) UpdateQuestionReview(_ context.Context, userID, id, expectedVersion int64, state domain.SchedulingState) (domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok || q.UserID != userID {
		return domain.Question{}, domain.ErrNotFound
	}
	if s.beforeUpdate != nil {
		s.beforeUpdate(&q)
		s.questions[id] = q
	}
	if q.Version != expectedVersion {
		return domain.Question{}, domain.ErrConflict
	}
	q.SchedulingState = state
	q.Version++
	s.questions[id] = q
	return q, nil
}

func (s *fakeStore) ListDueCandidates(_ context.Context, userID int64, now time.Time) ([]domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Question
	for _, q := range s.questions {
		if q.UserID == userID && q.IsDue(now) {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out, nil
}

func (s *fakeStore) ListQuestions(_ context.Context, userID int64) ([]domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Question
	for _, q := range s.questions {
		if q.UserID == userID {
			out = append(out, q)
		}
	}
	return out, nil
}

func owned(id, userID int64, next time.Time) domain.Question {
	q := question(id, next)
	q.UserID = userID
	return q
}

func fixedClock() time.Time { return now }

func TestServiceDaily(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(
		owned(1, 1, now.AddDate(0, 0, 2)),
		owned(2, 1, now.Add(-time.Hour)),
		owned(3, 2, now.AddDate(0, 0, -5)),
	)
	svc := NewService(store, fixedClock)

	q, err := svc.Daily(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, int64(2), q.ID)

	q, err = svc.Daily(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, q, "user with no questions is caught up")

	store.listErr = errors.New("db down")
	_, err = svc.Daily(ctx, 1)
	assert.Error(t, err)
}

func TestServiceSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("applies the scheduler and persists", func(t *testing.T) {
		q := owned(1, 1, now)
		q.Repetitions = 1
		store := newFakeStore(q)
		svc := NewService(store, fixedClock)

		updated, err := svc.Submit(ctx, 1, 1, 4)
		require.NoError(t, err)
		assert.Equal(t, 6, updated.Interval)
		assert.Equal(t, 2, updated.Repetitions)
		assert.Equal(t, now.AddDate(0, 0, 6), updated.NextReviewDate)
		assert.Equal(t, int64(1), updated.Version)

		stored, _ := store.GetQuestion(ctx, 1, 1)
		assert.Equal(t, updated, *stored)
	})

	t.Run("rejects out of range quality before touching the store", func(t *testing.T) {
		store := newFakeStore(owned(1, 1, now))
		svc := NewService(store, fixedClock)
		for _, quality := range []int{-1, 6, 100} {
			_, err := svc.Submit(ctx, 1, 1, quality)
			assert.ErrorIs(t, err, domain.ErrValidation)
		}
		stored, _ := store.GetQuestion(ctx, 1, 1)
		assert.Equal(t, int64(0), stored.Version)
	})

	t.Run("foreign and missing questions are not found", func(t *testing.T) {
		store := newFakeStore(owned(1, 1, now))
		svc := NewService(store, fixedClock)

		_, err := svc.Submit(ctx, 2, 1, 5)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = svc.Submit(ctx, 1, 99, 5)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		stored, _ := store.GetQuestion(ctx, 1, 1)
		assert.Equal(t, 0, stored.Repetitions)
	})

	t.Run("retries from fresh state after a lost race", func(t *testing.T) {
		store := newFakeStore(owned(1, 1, now))
		raced := false
		store.beforeUpdate = func(q *domain.Question) {
			if raced {
				return
			}
			raced = true
			// Another writer already recorded one success.
			q.Repetitions = 1
			q.Interval = 1
			q.Version++
		}
		svc := NewService(store, fixedClock)

		updated, err := svc.Submit(ctx, 1, 1, 5)
		require.NoError(t, err)
		assert.Equal(t, 2, updated.Repetitions, "the concurrent success is not lost")
		assert.Equal(t, 6, updated.Interval)
		assert.Equal(t, int64(2), updated.Version)
	})

	t.Run("gives up after repeated conflicts", func(t *testing.T) {
		store := newFakeStore(owned(1, 1, now))
		store.beforeUpdate = func(q *domain.Question) { q.Version++ }
		svc := NewService(store, fixedClock)

		_, err := svc.Submit(ctx, 1, 1, 5)
		assert.ErrorIs(t, err, domain.ErrConflict)
	})
}

func TestServiceSubmitConcurrent(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(owned(1, 1, now))
	svc := NewService(store, fixedClock)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Submit(ctx, 1, 1, 5); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrConflict)
			}
		}()
	}
	wg.Wait()

	stored, _ := store.GetQuestion(ctx, 1, 1)
	assert.Equal(t, successes, stored.Repetitions, "every accepted review is counted exactly once")
	assert.Equal(t, int64(successes), stored.Version)
}

func TestServiceStatus(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(
		owned(1, 1, now.AddDate(0, 0, 2)),
		owned(2, 1, now),
		owned(3, 1, now.Add(-time.Minute)),
		owned(4, 2, now.AddDate(0, 0, 9)),
	)
	svc := NewService(store, fixedClock)

	status, err := svc.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.MemoryStatus{Safe: 1, Unstable: 2}, status)

	status, err = svc.Status(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Total())
}
