// Package ingest turns note text into stored notes with at least one
// schedulable question each.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/conorfennell/recallguard/internal/domain"
	"github.com/conorfennell/recallguard/internal/knol"
)

// NoteStore is the part of the repository ingestion needs.
type NoteStore interface {
	// CreateNote stores the note and one question per draft atomically.
	// Drafts without a State start in domain.DefaultState.
	CreateNote(ctx context.Context, note domain.Note, drafts []domain.QuestionDraft) (domain.Note, error)
	ListNotes(ctx context.Context, userID int64) ([]domain.Note, error)
}

// Service creates notes and their questions.
type Service struct {
	store     NoteStore
	generator Generator
}

// NewService creates a Service. A nil generator means every note gets the
// fallback question.
func NewService(store NoteStore, generator Generator) *Service {
	if generator == nil {
		generator = Chain{}
	}
	return &Service{store: store, generator: generator}
}

// CreateNote stores a note for userID and derives its questions.
func (s *Service) CreateNote(ctx context.Context, userID int64, content string) (domain.Note, error) {
	return s.Import(ctx, domain.Note{UserID: userID, Content: content})
}

// Import is CreateNote for a caller that already built the note, such as
// source sync setting SourceID.
func (s *Service) Import(ctx context.Context, note domain.Note) (domain.Note, error) {
	if strings.TrimSpace(note.Content) == "" {
		return domain.Note{}, domain.Invalid("content", "must not be empty")
	}
	if note.ContentHash == "" {
		note.ContentHash = knol.Hash(note.Content)
	}

	drafts := s.drafts(ctx, note.Content)

	created, err := s.store.CreateNote(ctx, note, drafts)
	if err != nil {
		return domain.Note{}, fmt.Errorf("failed to create note: %w", err)
	}
	slog.Info("Note ingested", "note_id", created.ID, "user_id", created.UserID, "questions", len(drafts))
	return created, nil
}

// ListNotes returns the notes owned by userID.
func (s *Service) ListNotes(ctx context.Context, userID int64) ([]domain.Note, error) {
	notes, err := s.store.ListNotes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes for user %d: %w", userID, err)
	}
	return notes, nil
}

// drafts never returns an empty slice.
func (s *Service) drafts(ctx context.Context, content string) []domain.QuestionDraft {
	drafts, err := s.generator.Generate(ctx, content)
	if err != nil {
		slog.Warn("Question generation failed, using fallback", "error", err)
	}
	if err != nil || len(drafts) == 0 {
		return []domain.QuestionDraft{FallbackDraft(content)}
	}
	return drafts
}
