package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/conorfennell/recallguard/internal/domain"
	"github.com/conorfennell/recallguard/internal/parser"
)

// FallbackQuestion is asked when nothing better could be derived from a note.
const FallbackQuestion = "What are the key points of this note?"

// Generator derives question/answer pairs from note content. It may return
// no drafts or an error; callers fall back to FallbackDraft.
type Generator interface {
	Generate(ctx context.Context, content string) ([]domain.QuestionDraft, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, content string) ([]domain.QuestionDraft, error)

func (f GeneratorFunc) Generate(ctx context.Context, content string) ([]domain.QuestionDraft, error) {
	return f(ctx, content)
}

// MarkupGenerator extracts questions a user wrote explicitly as Q:/A: blocks.
type MarkupGenerator struct{}

func (MarkupGenerator) Generate(_ context.Context, content string) ([]domain.QuestionDraft, error) {
	drafts, err := parser.ParseString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse markup: %w", err)
	}
	return drafts, nil
}

// Chain runs generators in order and returns the first non-empty result.
// Failures are logged and the next generator is tried.
type Chain []Generator

func (c Chain) Generate(ctx context.Context, content string) ([]domain.QuestionDraft, error) {
	for i, g := range c {
		drafts, err := g.Generate(ctx, content)
		if err != nil {
			slog.Warn("Question generator failed", "generator", fmt.Sprintf("%T", g), "position", i, "error", err)
			continue
		}
		if len(drafts) > 0 {
			return drafts, nil
		}
	}
	return nil, nil
}

// FallbackDraft is the single question every note gets when generation
// yields nothing: a generic prompt answered by the note itself.
func FallbackDraft(content string) domain.QuestionDraft {
	return domain.QuestionDraft{
		QuestionText: FallbackQuestion,
		AnswerText:   content,
	}
}
