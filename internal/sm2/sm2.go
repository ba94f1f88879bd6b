// Package sm2 implements the SM-2 family review scheduler.
package sm2

import (
	"fmt"
	"math"
	"time"

	"github.com/conorfennell/recallguard/internal/domain"
)

// Quality is the user's 0-5 self-report of how well they recalled an answer.
type Quality int

const (
	Blackout  Quality = 0 // No recall at all.
	Incorrect Quality = 1 // Wrong, but the answer felt familiar.
	NearMiss  Quality = 2 // Wrong, but the answer seemed easy once shown.
	Difficult Quality = 3 // Correct with serious difficulty.
	Hesitant  Quality = 4 // Correct after some hesitation.
	Perfect   Quality = 5 // Correct immediately.
)

// passingMark is the lowest quality that counts as a successful recall.
const passingMark = Difficult

var qualityNames = [...]string{
	Blackout:  "Blackout",
	Incorrect: "Incorrect",
	NearMiss:  "NearMiss",
	Difficult: "Difficult",
	Hesitant:  "Hesitant",
	Perfect:   "Perfect",
}

// ParseQuality converts untrusted input into a Quality.
func ParseQuality(n int) (Quality, error) {
	q := Quality(n)
	if !q.IsValid() {
		return 0, domain.Invalid("quality", "%d is outside [0, 5]", n)
	}
	return q, nil
}

// IsValid reports whether q is in [0, 5].
func (q Quality) IsValid() bool {
	return q >= Blackout && q <= Perfect
}

// IsSuccess reports whether q counts as a successful recall.
func (q Quality) IsSuccess() bool {
	return q >= passingMark
}

func (q Quality) String() string {
	if q.IsValid() {
		return qualityNames[q]
	}
	return fmt.Sprintf("Quality(%d)", int(q))
}

// Validate rejects states that cannot have been produced by the scheduler.
// A low ease factor is allowed; NextState clamps it.
func Validate(s domain.SchedulingState) error {
	if s.Interval < 0 {
		return domain.Invalid("interval", "must be >= 0, got %d", s.Interval)
	}
	if s.Repetitions < 0 {
		return domain.Invalid("repetitions", "must be >= 0, got %d", s.Repetitions)
	}
	if math.IsNaN(s.EaseFactor) || math.IsInf(s.EaseFactor, 0) {
		return domain.Invalid("easeFactor", "must be finite, got %v", s.EaseFactor)
	}
	return nil
}

// NextState computes the scheduling state after a review of the given
// quality submitted at now.
//
// From the third success on, the interval is round(interval * EF) using the
// ease factor held before this review, with one deviation: the result is
// floored at one day. Scheduler output never has an interval below 1, so the
// floor only affects hand-edited states such as {Interval: 0, Repetitions: 2},
// which would otherwise be passed and still due immediately.
func NextState(current domain.SchedulingState, quality Quality, now time.Time) (domain.SchedulingState, error) {
	if !quality.IsValid() {
		return domain.SchedulingState{}, domain.Invalid("quality", "%d is outside [0, 5]", int(quality))
	}
	if err := Validate(current); err != nil {
		return domain.SchedulingState{}, err
	}

	next := current
	if quality.IsSuccess() {
		switch current.Repetitions {
		case 0:
			next.Interval = 1
		case 1:
			next.Interval = 6
		default:
			next.Interval = int(math.Round(float64(current.Interval) * current.EaseFactor))
			if next.Interval < 1 {
				next.Interval = 1
			}
		}
		next.Repetitions = current.Repetitions + 1
	} else {
		next.Repetitions = 0
		next.Interval = 1
	}

	next.EaseFactor = nextEaseFactor(current.EaseFactor, quality)
	next.NextReviewDate = now.AddDate(0, 0, next.Interval)
	return next, nil
}

// nextEaseFactor applies EF' = EF + (0.1 - (5-q)*(0.08 + (5-q)*0.02)),
// bounded below by domain.MinEaseFactor. The explicit conversions keep the
// compiler from fusing multiply-adds, so every platform rounds identically.
func nextEaseFactor(ef float64, quality Quality) float64 {
	d := float64(5 - quality)
	inner := 0.08 + float64(d*0.02)
	ef = ef + (0.1 - float64(d*inner))
	if ef < domain.MinEaseFactor {
		ef = domain.MinEaseFactor
	}
	return ef
}
