package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/recallguard/internal/domain"
	"github.com/conorfennell/recallguard/internal/knol"
)

type fakeNoteStore struct {
	notes     []domain.Note
	questions map[int64][]domain.QuestionDraft
	createErr error
}

func newFakeNoteStore() *fakeNoteStore {
	return &fakeNoteStore{questions: make(map[int64][]domain.QuestionDraft)}
}

func (s *fakeNoteStore) CreateNote(_ context.Context, note domain.Note, drafts []domain.QuestionDraft) (domain.Note, error) {
	if s.createErr != nil {
		return domain.Note{}, s.createErr
	}
	note.ID = int64(len(s.notes) + 1)
	s.notes = append(s.notes, note)
	s.questions[note.ID] = drafts
	return note, nil
}

func (s *fakeNoteStore) ListNotes(_ context.Context, userID int64) ([]domain.Note, error) {
	var out []domain.Note
	for _, n := range s.notes {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func staticGenerator(drafts []domain.QuestionDraft, err error) Generator {
	return GeneratorFunc(func(context.Context, string) ([]domain.QuestionDraft, error) {
		return drafts, err
	})
}

func TestCreateNote(t *testing.T) {
	ctx := context.Background()
	content := "The mitochondria is the powerhouse of the cell."

	t.Run("uses generated questions", func(t *testing.T) {
		store := newFakeNoteStore()
		gen := staticGenerator([]domain.QuestionDraft{
			{QuestionText: "What powers the cell?", AnswerText: "Mitochondria"},
			{QuestionText: "Where is ATP made?", AnswerText: "Mitochondria"},
		}, nil)
		svc := NewService(store, gen)

		note, err := svc.CreateNote(ctx, 7, content)
		require.NoError(t, err)
		assert.Equal(t, int64(7), note.UserID)
		assert.Equal(t, knol.Hash(content), note.ContentHash)
		assert.Len(t, store.questions[note.ID], 2)
	})

	fallbackCases := []struct {
		name string
		gen  Generator
	}{
		{"generator returns nothing", staticGenerator(nil, nil)},
		{"generator fails", staticGenerator(nil, errors.New("llm unavailable"))},
		{"no generator configured", nil},
		{"every chained generator fails", Chain{
			staticGenerator(nil, errors.New("boom")),
			MarkupGenerator{},
		}},
	}
	for _, tc := range fallbackCases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeNoteStore()
			svc := NewService(store, tc.gen)

			note, err := svc.CreateNote(ctx, 1, content)
			require.NoError(t, err, "ingestion failure must not fail note creation")

			drafts := store.questions[note.ID]
			require.Len(t, drafts, 1)
			assert.Equal(t, FallbackQuestion, drafts[0].QuestionText)
			assert.Equal(t, content, drafts[0].AnswerText)
			assert.Nil(t, drafts[0].State)
		})
	}

	t.Run("empty content is rejected", func(t *testing.T) {
		store := newFakeNoteStore()
		svc := NewService(store, nil)
		_, err := svc.CreateNote(ctx, 1, "  \n\t")
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.Empty(t, store.notes)
	})

	t.Run("store errors are returned", func(t *testing.T) {
		store := newFakeNoteStore()
		store.createErr = errors.New("disk full")
		svc := NewService(store, nil)
		_, err := svc.CreateNote(ctx, 1, content)
		assert.Error(t, err)
	})
}

func TestImportKeepsSource(t *testing.T) {
	store := newFakeNoteStore()
	svc := NewService(store, Chain{MarkupGenerator{}})
	sourceID := int64(3)

	note, err := svc.Import(context.Background(), domain.Note{
		UserID:   2,
		Content:  "Q: Capital of France?\nA: Paris",
		SourceID: &sourceID,
	})
	require.NoError(t, err)
	require.NotNil(t, note.SourceID)
	assert.Equal(t, sourceID, *note.SourceID)
	require.Len(t, store.questions[note.ID], 1)
	assert.Equal(t, "Capital of France?", store.questions[note.ID][0].QuestionText)
}

func TestChainFallsThrough(t *testing.T) {
	want := []domain.QuestionDraft{{QuestionText: "Q", AnswerText: "A"}}
	chain := Chain{
		staticGenerator(nil, errors.New("first fails")),
		staticGenerator(nil, nil),
		staticGenerator(want, nil),
		staticGenerator(nil, errors.New("never reached")),
	}
	got, err := chain.Generate(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestListNotesIsScopedToUser(t *testing.T) {
	ctx := context.Background()
	store := newFakeNoteStore()
	svc := NewService(store, nil)
	_, err := svc.CreateNote(ctx, 1, "mine")
	require.NoError(t, err)
	_, err = svc.CreateNote(ctx, 2, "theirs")
	require.NoError(t, err)

	notes, err := svc.ListNotes(ctx, 1)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "mine", notes[0].Content)
}
