package ingest

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/conorfennell/recallguard/internal/domain"
)

// ErrNoQuestions is returned when generator output holds no usable question.
var ErrNoQuestions = errors.New("no questions in generator output")

type envelope struct {
	Questions *[]struct {
		QuestionText string `json:"questionText"`
		AnswerText   string `json:"answerText"`
	} `json:"questions"`
}

// ParseDrafts decodes LLM output of the form
// {"questions":[{"questionText":"...","answerText":"..."}]}.
// If the whole string is not valid JSON, the largest embedded JSON object
// that has a "questions" array is used instead, which tolerates code fences
// and chatter around the payload. Pairs with an empty side are dropped.
func ParseDrafts(raw string) ([]domain.QuestionDraft, error) {
	env, ok := decodeEnvelope([]byte(raw))
	if !ok {
		env, ok = largestEnvelope(raw)
	}
	if !ok {
		return nil, ErrNoQuestions
	}

	var drafts []domain.QuestionDraft
	for _, q := range *env.Questions {
		qt := strings.TrimSpace(q.QuestionText)
		at := strings.TrimSpace(q.AnswerText)
		if qt == "" || at == "" {
			continue
		}
		drafts = append(drafts, domain.QuestionDraft{QuestionText: qt, AnswerText: at})
	}
	if len(drafts) == 0 {
		return nil, ErrNoQuestions
	}
	return drafts, nil
}

func decodeEnvelope(data []byte) (envelope, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Questions == nil {
		return envelope{}, false
	}
	return env, true
}

// largestEnvelope tries every '{' as the start of a JSON value and keeps the
// longest one that decodes into an envelope.
func largestEnvelope(raw string) (envelope, bool) {
	var (
		best    envelope
		bestLen int
	)
	for i := strings.IndexByte(raw, '{'); i >= 0; {
		var obj json.RawMessage
		dec := json.NewDecoder(strings.NewReader(raw[i:]))
		if err := dec.Decode(&obj); err == nil && len(obj) > bestLen {
			if env, ok := decodeEnvelope(obj); ok {
				best, bestLen = env, len(obj)
			}
		}
		next := strings.IndexByte(raw[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return best, bestLen > 0
}
