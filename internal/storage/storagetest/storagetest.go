// Package storagetest holds the behavioural contract every repository
// implementation must satisfy.
package storagetest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/recallguard/internal/domain"
)

// Repository mirrors storage.Repository; it is redeclared here so that
// driver packages can run the suite without an import cycle.
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
}

// t0 has no sub-millisecond part so it survives every driver's precision.
var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

var userSeq atomic.Int64

func newUser() int64 { return 1000 + userSeq.Add(1) }

func stateAt(next time.Time) *domain.SchedulingState {
	return &domain.SchedulingState{
		Interval:       1,
		EaseFactor:     domain.InitialEaseFactor,
		NextReviewDate: next,
	}
}

func draft(q string, st *domain.SchedulingState) domain.QuestionDraft {
	return domain.QuestionDraft{QuestionText: q, AnswerText: "answer to " + q, State: st}
}

// Run executes the contract. open must return an empty or user-isolated repository.
func Run(t *testing.T, open func(t *testing.T) Repository) {
	t.Run("CreateNoteAppliesDefaultState", func(t *testing.T) { testCreateNoteDefaults(t, open(t)) })
	t.Run("NotesAreScopedToOwner", func(t *testing.T) { testNotesScoped(t, open(t)) })
	t.Run("QuestionsAreScopedToOwner", func(t *testing.T) { testQuestionsScoped(t, open(t)) })
	t.Run("UpdateQuestionReview", func(t *testing.T) { testUpdateReview(t, open(t)) })
	t.Run("ListDueCandidates", func(t *testing.T) { testDueCandidates(t, open(t)) })
	t.Run("DeleteNoteCascades", func(t *testing.T) { testDeleteNote(t, open(t)) })
	t.Run("Sources", func(t *testing.T) { testSources(t, open(t)) })
}

func testCreateNoteDefaults(t *testing.T, repo Repository) {
	ctx := context.Background()
	user := newUser()
	before := time.Now().Truncate(time.Millisecond)

	note, err := repo.CreateNote(ctx, domain.Note{UserID: user, Content: "cells", ContentHash: "h1"},
		[]domain.QuestionDraft{draft("What powers the cell?", nil)})
	require.NoError(t, err)
	assert.NotZero(t, note.ID)
	assert.False(t, note.CreatedAt.IsZero())

	questions, err := repo.ListQuestions(ctx, user)
	require.NoError(t, err)
	require.Len(t, questions, 1)
	q := questions[0]
	assert.Equal(t, note.ID, q.NoteID)
	assert.Equal(t, user, q.UserID)
	assert.Equal(t, domain.InitialInterval, q.Interval)
	assert.Equal(t, domain.InitialEaseFactor, q.EaseFactor)
	assert.Equal(t, 0, q.Repetitions)
	assert.Equal(t, int64(0), q.Version)
	assert.WithinRange(t, q.NextReviewDate, before, time.Now().Add(time.Millisecond))
}

func testNotesScoped(t *testing.T, repo Repository) {
	ctx := context.Background()
	alice, bob := newUser(), newUser()

	_, err := repo.CreateNote(ctx, domain.Note{UserID: alice, Content: "a1", ContentHash: "ha1"}, nil)
	require.NoError(t, err)
	_, err = repo.CreateNote(ctx, domain.Note{UserID: alice, Content: "a2", ContentHash: "ha2"}, nil)
	require.NoError(t, err)
	_, err = repo.CreateNote(ctx, domain.Note{UserID: bob, Content: "b1", ContentHash: "ha1"}, nil)
	require.NoError(t, err)

	notes, err := repo.ListNotes(ctx, alice)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	for _, n := range notes {
		assert.Equal(t, alice, n.UserID)
	}

	found, err := repo.FindNoteByHash(ctx, bob, "ha1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "b1", found.Content)

	missing, err := repo.FindNoteByHash(ctx, bob, "ha2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testQuestionsScoped(t *testing.T, repo Repository) {
	ctx := context.Background()
	owner, other := newUser(), newUser()

	_, err := repo.CreateNote(ctx, domain.Note{UserID: owner, Content: "c", ContentHash: "h"},
		[]domain.QuestionDraft{draft("q", stateAt(t0))})
	require.NoError(t, err)
	questions, err := repo.ListQuestions(ctx, owner)
	require.NoError(t, err)
	require.Len(t, questions, 1)
	id := questions[0].ID

	got, err := repo.GetQuestion(ctx, owner, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, t0.Equal(got.NextReviewDate))

	got, err = repo.GetQuestion(ctx, other, id)
	require.NoError(t, err)
	assert.Nil(t, got, "another user's question is invisible")

	others, err := repo.ListQuestions(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, others)

	due, err := repo.ListDueCandidates(ctx, other, t0.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func testUpdateReview(t *testing.T, repo Repository) {
	ctx := context.Background()
	owner, other := newUser(), newUser()

	_, err := repo.CreateNote(ctx, domain.Note{UserID: owner, Content: "c", ContentHash: "h"},
		[]domain.QuestionDraft{draft("q", stateAt(t0))})
	require.NoError(t, err)
	questions, err := repo.ListQuestions(ctx, owner)
	require.NoError(t, err)
	id := questions[0].ID

	next := domain.SchedulingState{Interval: 6, EaseFactor: 2.6, Repetitions: 2, NextReviewDate: t0.AddDate(0, 0, 6)}
	updated, err := repo.UpdateQuestionReview(ctx, owner, id, 0, next)
	require.NoError(t, err)
	assert.Equal(t, 6, updated.Interval)
	assert.Equal(t, 2.6, updated.EaseFactor)
	assert.Equal(t, 2, updated.Repetitions)
	assert.True(t, next.NextReviewDate.Equal(updated.NextReviewDate))
	assert.Equal(t, int64(1), updated.Version)
	assert.Equal(t, "q", updated.QuestionText)

	_, err = repo.UpdateQuestionReview(ctx, owner, id, 0, next)
	assert.ErrorIs(t, err, domain.ErrConflict, "stale version")

	_, err = repo.UpdateQuestionReview(ctx, other, id, 1, next)
	assert.ErrorIs(t, err, domain.ErrNotFound, "foreign question")

	_, err = repo.UpdateQuestionReview(ctx, owner, id+100000, 0, next)
	assert.ErrorIs(t, err, domain.ErrNotFound, "missing question")

	stored, err := repo.GetQuestion(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
}

func testDueCandidates(t *testing.T, repo Repository) {
	ctx := context.Background()
	user := newUser()

	_, err := repo.CreateNote(ctx, domain.Note{UserID: user, Content: "c", ContentHash: "h"}, []domain.QuestionDraft{
		draft("future", stateAt(t0.Add(time.Second))),
		draft("now", stateAt(t0)),
		draft("old", stateAt(t0.AddDate(0, 0, -3))),
		draft("older tie a", stateAt(t0.AddDate(0, 0, -5))),
		draft("older tie b", stateAt(t0.AddDate(0, 0, -5))),
	})
	require.NoError(t, err)

	due, err := repo.ListDueCandidates(ctx, user, t0)
	require.NoError(t, err)
	var names []string
	for _, q := range due {
		names = append(names, q.QuestionText)
	}
	assert.Equal(t, []string{"older tie a", "older tie b", "old", "now"}, names)
	assert.Less(t, due[0].ID, due[1].ID)
}

func testDeleteNote(t *testing.T, repo Repository) {
	ctx := context.Background()
	user := newUser()

	note, err := repo.CreateNote(ctx, domain.Note{UserID: user, Content: "c", ContentHash: "h"},
		[]domain.QuestionDraft{draft("q1", nil), draft("q2", nil)})
	require.NoError(t, err)

	assert.ErrorIs(t, repo.DeleteNote(ctx, user+1, note.ID), domain.ErrNotFound)
	require.NoError(t, repo.DeleteNote(ctx, user, note.ID))

	questions, err := repo.ListQuestions(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, questions)
	assert.ErrorIs(t, repo.DeleteNote(ctx, user, note.ID), domain.ErrNotFound)
}

func testSources(t *testing.T, repo Repository) {
	ctx := context.Background()
	user := newUser()

	id, err := repo.InsertSource(ctx, user, "/notes", domain.SourceLocal)
	require.NoError(t, err)

	src, err := repo.FindSourceByPath(ctx, user, "/notes")
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.Equal(t, id, src.ID)
	assert.Equal(t, domain.SourceLocal, src.Type)
	assert.Nil(t, src.LastScanned)

	require.NoError(t, repo.UpdateSourceLastScanned(ctx, id, t0))
	sources, err := repo.ListSources(ctx)
	require.NoError(t, err)
	var listed *domain.Source
	for i := range sources {
		if sources[i].ID == id {
			listed = &sources[i]
		}
	}
	require.NotNil(t, listed)
	require.NotNil(t, listed.LastScanned)
	assert.True(t, t0.Equal(*listed.LastScanned))

	other := newUser()
	otherID, err := repo.InsertSource(ctx, other, "/notes", domain.SourceLocal)
	require.NoError(t, err, "paths are unique per user, not globally")
	owned, err := repo.ListSourcesByUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, id, owned[0].ID)
	owned, err = repo.ListSourcesByUser(ctx, other)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, otherID, owned[0].ID)
	require.NoError(t, repo.DeleteSource(ctx, other, otherID))

	sid := id
	note, err := repo.CreateNote(ctx, domain.Note{UserID: user, Content: "imported", ContentHash: "hi", SourceID: &sid}, nil)
	require.NoError(t, err)
	bySource, err := repo.ListNotesBySource(ctx, id)
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, note.ID, bySource[0].ID)

	assert.ErrorIs(t, repo.DeleteSource(ctx, user+1, id), domain.ErrNotFound)
	require.NoError(t, repo.DeleteSource(ctx, user, id))
	gone, err := repo.FindSourceByPath(ctx, user, "/notes")
	require.NoError(t, err)
	assert.Nil(t, gone)

	notes, err := repo.ListNotes(ctx, user)
	require.NoError(t, err)
	require.Len(t, notes, 1, "notes outlive their source")
	assert.Nil(t, notes[0].SourceID)
}
