// Package workflow owns the scan session state: which step the kiosk is in,
// which user was matched, and the score being entered.
//
// State changes only through Apply. Machine serializes every event from
// recognition callbacks and user intents through one goroutine and publishes
// an immutable Snapshot after each change.
package workflow

import (
	"fmt"

	"github.com/ent0n29/gradescanner/internal/roster"
)

// Step is the workflow position.
type Step string

const (
	StepScanning Step = "scanning"
	StepFound    Step = "found"
	StepForm     Step = "form"
)

const (
	MinScore = 0
	MaxScore = 10
)

// Snapshot is an immutable copy of the session state.
type Snapshot struct {
	// Seq increases by one for every applied mutation.
	Seq uint64 `json:"seq"`
	// Generation increases on every step change. Recognition requests are
	// tagged with the generation they were issued under.
	Generation uint64      `json:"generation"`
	Step       Step        `json:"step"`
	User       roster.User `json:"user"`
	Score      int         `json:"score"`
}

// Initial is the state every session starts in.
func Initial() Snapshot {
	return Snapshot{Step: StepScanning, Score: MinScore}
}

// HasUser reports whether the step carries a matched user.
func (s Snapshot) HasUser() bool {
	return s.Step == StepFound || s.Step == StepForm
}

func (s Snapshot) StatusText() string {
	switch s.Step {
	case StepFound:
		return "MATCH DETECTED"
	case StepForm:
		return "WAITING TO SCAN"
	default:
		return "SCANNING FOR NAME"
	}
}

func (s Snapshot) ScoreLabel() string {
	return fmt.Sprintf("%d / %d", s.Score, MaxScore)
}

// Event is anything that may change the state.
type Event interface {
	eventName() string
}

// Recognized carries the ranked candidates for a frame submitted under
// Generation.
type Recognized struct {
	Generation uint64
	Candidates []string
}

type ConfirmCandidate struct{}

// SetScore sets an absolute score; out of range values are clamped.
type SetScore struct{ Value int }

// AdjustScore nudges the score by one step in the sign of Delta. The
// stepper that produced it is considered back at neutral afterwards.
type AdjustScore struct{ Delta int }

type DismissForm struct{}

func (Recognized) eventName() string       { return "recognized" }
func (ConfirmCandidate) eventName() string { return "confirm_candidate" }
func (SetScore) eventName() string         { return "set_score" }
func (AdjustScore) eventName() string      { return "adjust_score" }
func (DismissForm) eventName() string      { return "dismiss_form" }

// EventName returns the wire name of ev.
func EventName(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventName()
}

// Outcome describes what Apply did with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeMatched   Outcome = "match"
	OutcomeNoMatch   Outcome = "no_match"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnchanged Outcome = "unchanged"
)

// Changed reports whether the outcome mutated state.
func (o Outcome) Changed() bool {
	return o == OutcomeApplied || o == OutcomeMatched
}

// Apply computes the next state. It never fails: invalid input is clamped,
// stale recognition results are discarded and intents that do not fit the
// current step are ignored.
func Apply(s Snapshot, ev Event, r *roster.Roster) (Snapshot, Outcome) {
	next := s
	switch e := ev.(type) {
	case Recognized:
		if s.Step != StepScanning || e.Generation != s.Generation {
			return s, OutcomeStale
		}
		user, ok := r.Match(e.Candidates)
		if !ok {
			return s, OutcomeNoMatch
		}
		next.Step = StepFound
		next.User = user
		next.Generation++
		next.Seq++
		return next, OutcomeMatched

	case ConfirmCandidate:
		if s.Step != StepFound {
			return s, OutcomeIgnored
		}
		next.Step = StepForm
		next.Generation++

	case SetScore:
		if s.Step != StepForm {
			return s, OutcomeIgnored
		}
		next.Score = clampScore(e.Value)

	case AdjustScore:
		if s.Step != StepForm {
			return s, OutcomeIgnored
		}
		next.Score = clampScore(s.Score + sign(e.Delta))

	case DismissForm:
		if s.Step != StepForm {
			return s, OutcomeIgnored
		}
		next.Step = StepScanning
		next.User = roster.User{}
		next.Generation++

	default:
		return s, OutcomeIgnored
	}

	if next == s {
		return s, OutcomeUnchanged
	}
	next.Seq++
	return next, OutcomeApplied
}

func clampScore(v int) int {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
