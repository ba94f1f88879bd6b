// Package review selects due questions, aggregates memory status and applies
// review outcomes through a question store.
package review

import (
	"time"

	"github.com/conorfennell/recallguard/internal/domain"
)

// SelectNext returns the due question with the earliest NextReviewDate.
// Ties go to the lowest ID. The second result is false when nothing is due.
func SelectNext(questions []domain.Question, now time.Time) (domain.Question, bool) {
	var (
		best  domain.Question
		found bool
	)
	for _, q := range questions {
		if !q.IsDue(now) {
			continue
		}
		if !found || before(q, best) {
			best = q
			found = true
		}
	}
	return best, found
}

func before(a, b domain.Question) bool {
	if !a.NextReviewDate.Equal(b.NextReviewDate) {
		return a.NextReviewDate.Before(b.NextReviewDate)
	}
	return a.ID < b.ID
}

// ComputeStatus counts questions that are due at now as unstable and the
// rest as safe.
func ComputeStatus(questions []domain.Question, now time.Time) domain.MemoryStatus {
	var status domain.MemoryStatus
	for _, q := range questions {
		if q.IsDue(now) {
			status.Unstable++
		} else {
			status.Safe++
		}
	}
	return status
}
