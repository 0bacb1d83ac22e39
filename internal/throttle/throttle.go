// Package throttle bounds how often camera frames are handed to the
// recognizer, independent of the camera's frame rate.
package throttle

import (
	"time"

	"github.com/ent0n29/gradescanner/internal/vision"
)

const DefaultCaptureInterval = 250 * time.Millisecond

// Throttle admits at most one frame per capture interval. It is not safe
// for concurrent use.
type Throttle struct {
	interval       time.Duration
	lastAdmittedAt time.Time
	admittedOnce   bool
}

func New(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultCaptureInterval
	}
	return &Throttle{interval: interval}
}

// Admit reports whether the frame observed at now should be recognized. A
// frame is admitted when none has been admitted yet or strictly more than
// the capture interval has elapsed since the last admission. Only admission
// updates state.
func (t *Throttle) Admit(_ vision.Frame, now time.Time) bool {
	if t.admittedOnce && now.Sub(t.lastAdmittedAt) <= t.interval {
		return false
	}
	t.lastAdmittedAt = now
	t.admittedOnce = true
	return true
}

func (t *Throttle) Interval() time.Duration { return t.interval }

// LastAdmittedAt returns the last admission time, if any.
func (t *Throttle) LastAdmittedAt() (time.Time, bool) {
	return t.lastAdmittedAt, t.admittedOnce
}
