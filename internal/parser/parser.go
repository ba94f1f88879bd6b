package parser

import (
	"bufio"
	"io"
	"strings"

	"github.com/conorfennell/recallguard/internal/domain"
)

const (
	questionPrefix = "Q:"
	answerPrefix   = "A:"
	separator      = "---"
)

type state int

const (
	seeking state = iota
	readingQuestion
	readingAnswer
)

// ParseString extracts Q:/A: blocks from note text.
func ParseString(s string) ([]domain.QuestionDraft, error) {
	return Parse(strings.NewReader(s))
}

// Parse reads from an io.Reader and extracts every question that has both a
// question and an answer. Blocks may span several lines and are ended by the
// next Q:, a "---" line, or the end of input.
func Parse(r io.Reader) ([]domain.QuestionDraft, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		drafts       []domain.QuestionDraft
		current      domain.QuestionDraft
		block        []string
		currentState = seeking
	)

	flushBlock := func() {
		if len(block) == 0 {
			return
		}
		content := strings.TrimSpace(strings.Join(block, "\n"))
		switch currentState {
		case readingQuestion:
			current.QuestionText = content
		case readingAnswer:
			current.AnswerText = content
		}
		block = nil
	}

	finishDraft := func() {
		flushBlock()
		if current.QuestionText != "" && current.AnswerText != "" {
			drafts = append(drafts, current)
		}
		current = domain.QuestionDraft{}
		currentState = seeking
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		switch {
		case line == separator:
			finishDraft()
		case strings.HasPrefix(line, questionPrefix):
			if currentState != seeking {
				finishDraft()
			}
			currentState = readingQuestion
			block = append(block, trimPrefix(line, questionPrefix))
		case strings.HasPrefix(line, answerPrefix) && currentState != seeking:
			flushBlock()
			currentState = readingAnswer
			block = append(block, trimPrefix(line, answerPrefix))
		case currentState != seeking:
			block = append(block, line)
		}
	}

	finishDraft()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return drafts, nil
}

func trimPrefix(line, prefix string) string {
	return strings.TrimPrefix(line[len(prefix):], " ")
}
