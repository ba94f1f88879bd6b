package domain

import "time"

// Initial scheduling values for a question that has never been reviewed.
const (
	InitialInterval   = 1
	InitialEaseFactor = 2.5
	MinEaseFactor     = 1.3
)

// SchedulingState is the mutable part of a Question. Only the scheduler
// produces new values of it.
type SchedulingState struct {
	Interval       int       `json:"interval"`
	EaseFactor     float64   `json:"easeFactor"`
	Repetitions    int       `json:"repetitions"`
	NextReviewDate time.Time `json:"nextReviewDate"`
}

// DefaultState returns the state a freshly ingested question starts in.
// The question is due immediately.
func DefaultState(now time.Time) SchedulingState {
	return SchedulingState{
		Interval:       InitialInterval,
		EaseFactor:     InitialEaseFactor,
		Repetitions:    0,
		NextReviewDate: now,
	}
}

// IsDue reports whether the state is due at now. The boundary is inclusive.
func (s SchedulingState) IsDue(now time.Time) bool {
	return !s.NextReviewDate.After(now)
}

// Question is the unit of scheduling. It always belongs to exactly one user
// and was derived from exactly one note.
type Question struct {
	ID           int64  `json:"id"`
	UserID       int64  `json:"userId"`
	NoteID       int64  `json:"noteId"`
	QuestionText string `json:"questionText"`
	AnswerText   string `json:"answerText"`
	SchedulingState
	// Version is bumped on every review write.
	Version int64 `json:"-"`
}

// QuestionDraft is a question/answer pair produced by ingestion, before it
// has been stored.
type QuestionDraft struct {
	QuestionText string           `json:"questionText"`
	AnswerText   string           `json:"answerText"`
	State        *SchedulingState `json:"-"`
}

// NewQuestion is the input to a repository insert.
type NewQuestion struct {
	UserID int64
	NoteID int64
	QuestionDraft
}

// MemoryStatus splits a user's questions into those not yet due (safe) and
// those due now (unstable).
type MemoryStatus struct {
	Safe     int `json:"safe"`
	Unstable int `json:"unstable"`
}

// Total returns the number of questions the status was computed over.
func (m MemoryStatus) Total() int {
	return m.Safe + m.Unstable
}
