package workflow

import (
	"testing"

	"github.com/ent0n29/gradescanner/internal/roster"
)

func testRoster(t *testing.T) *roster.Roster {
	t.Helper()
	r, err := roster.New([]roster.User{
		{Name: "Frodo Baggins", Avatar: "frodo"},
		{Name: "Tim Cook", Avatar: "tim"},
	})
	if err != nil {
		t.Fatalf("roster.New() error = %v", err)
	}
	return r
}

func mustApply(t *testing.T, s Snapshot, ev Event, r *roster.Roster, want Outcome) Snapshot {
	t.Helper()
	next, got := Apply(s, ev, r)
	if got != want {
		t.Fatalf("Apply(%s) outcome = %q, want %q", EventName(ev), got, want)
	}
	return next
}

func formFor(t *testing.T, r *roster.Roster, score int) Snapshot {
	t.Helper()
	s := Initial()
	s = mustApply(t, s, Recognized{Generation: s.Generation, Candidates: []string{"TIM COOK"}}, r, OutcomeMatched)
	s = mustApply(t, s, ConfirmCandidate{}, r, OutcomeApplied)
	if score != 0 {
		s = mustApply(t, s, SetScore{Value: score}, r, OutcomeApplied)
	}
	return s
}

func TestInitialState(t *testing.T) {
	s := Initial()
	if s.Step != StepScanning || s.Score != 0 || s.HasUser() {
		t.Fatalf("Initial() = %+v", s)
	}
	if s.StatusText() != "SCANNING FOR NAME" {
		t.Fatalf("StatusText() = %q", s.StatusText())
	}
}

func TestRecognizedMatchMovesToFound(t *testing.T) {
	r := testRoster(t)
	s := mustApply(t, Initial(), Recognized{Candidates: []string{"TIM COOK ENGINEERING"}}, r, OutcomeMatched)
	if s.Step != StepFound || s.User.Name != "Tim Cook" {
		t.Fatalf("state = %+v, want Found(Tim Cook)", s)
	}
	if s.Seq != 1 || s.Generation != 1 {
		t.Fatalf("Seq/Generation = %d/%d, want 1/1", s.Seq, s.Generation)
	}
	if s.StatusText() != "MATCH DETECTED" {
		t.Fatalf("StatusText() = %q", s.StatusText())
	}
}

func TestRecognizedNoMatchStaysScanning(t *testing.T) {
	r := testRoster(t)
	s, outcome := Apply(Initial(), Recognized{Candidates: []string{"EXIT", "Samwise"}}, r)
	if outcome != OutcomeNoMatch {
		t.Fatalf("outcome = %q, want %q", outcome, OutcomeNoMatch)
	}
	if s != Initial() {
		t.Fatalf("state changed on no match: %+v", s)
	}
}

func TestRecognizedDiscardedOutsideScanning(t *testing.T) {
	r := testRoster(t)
	form := formFor(t, r, 0)
	// The frame was submitted while scanning at generation 0.
	s := mustApply(t, form, Recognized{Generation: 0, Candidates: []string{"Frodo Baggins"}}, r, OutcomeStale)
	if s != form {
		t.Fatalf("stale result changed state: %+v", s)
	}
}

func TestRecognizedFromEarlierScanPhaseIsStale(t *testing.T) {
	r := testRoster(t)
	form := formFor(t, r, 0)
	back := mustApply(t, form, DismissForm{}, r, OutcomeApplied)
	if back.Step != StepScanning {
		t.Fatalf("Step = %q, want scanning", back.Step)
	}
	mustApply(t, back, Recognized{Generation: 0, Candidates: []string{"Frodo Baggins"}}, r, OutcomeStale)
	fresh := mustApply(t, back, Recognized{Generation: back.Generation, Candidates: []string{"Frodo Baggins"}}, r, OutcomeMatched)
	if fresh.User.Name != "Frodo Baggins" {
		t.Fatalf("User = %q, want Frodo Baggins", fresh.User.Name)
	}
}

func TestConfirmKeepsUser(t *testing.T) {
	r := testRoster(t)
	found := mustApply(t, Initial(), Recognized{Candidates: []string{"frodo baggins"}}, r, OutcomeMatched)
	form := mustApply(t, found, ConfirmCandidate{}, r, OutcomeApplied)
	if form.Step != StepForm || form.User != found.User {
		t.Fatalf("form = %+v, want Form(%s)", form, found.User.Name)
	}
	if form.StatusText() != "WAITING TO SCAN" {
		t.Fatalf("StatusText() = %q", form.StatusText())
	}
}

func TestIntentsIgnoredInWrongStep(t *testing.T) {
	r := testRoster(t)
	s := Initial()
	for _, ev := range []Event{ConfirmCandidate{}, SetScore{Value: 5}, AdjustScore{Delta: 1}, DismissForm{}} {
		mustApply(t, s, ev, r, OutcomeIgnored)
	}
	found := mustApply(t, s, Recognized{Candidates: []string{"Tim Cook"}}, r, OutcomeMatched)
	for _, ev := range []Event{SetScore{Value: 5}, AdjustScore{Delta: 1}, DismissForm{}} {
		mustApply(t, found, ev, r, OutcomeIgnored)
	}
	form := mustApply(t, found, ConfirmCandidate{}, r, OutcomeApplied)
	mustApply(t, form, ConfirmCandidate{}, r, OutcomeIgnored)
}

func TestSetScoreClamps(t *testing.T) {
	r := testRoster(t)
	form := formFor(t, r, 0)
	cases := []struct {
		in, want int
	}{
		{-4, 0}, {0, 0}, {3, 3}, {10, 10}, {11, 10}, {1 << 30, 10},
	}
	for _, tc := range cases {
		s, _ := Apply(form, SetScore{Value: tc.in}, r)
		if s.Score != tc.want {
			t.Fatalf("SetScore(%d) score = %d, want %d", tc.in, s.Score, tc.want)
		}
	}
}

func TestAdjustScoreStepperScenario(t *testing.T) {
	r := testRoster(t)
	s := formFor(t, r, 7)
	s = mustApply(t, s, AdjustScore{Delta: -1}, r, OutcomeApplied)
	if s.Score != 6 {
		t.Fatalf("score = %d, want 6", s.Score)
	}
	s = mustApply(t, s, AdjustScore{Delta: 1}, r, OutcomeApplied)
	s = mustApply(t, s, AdjustScore{Delta: 1}, r, OutcomeApplied)
	if s.Score != 8 {
		t.Fatalf("score = %d, want 8", s.Score)
	}
	if s.ScoreLabel() != "8 / 10" {
		t.Fatalf("ScoreLabel() = %q", s.ScoreLabel())
	}
}

func TestAdjustScoreStaysInRange(t *testing.T) {
	r := testRoster(t)
	s := formFor(t, r, 0)
	deltas := []int{-1, -1, 0, 1, 5, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, -7, 1}
	for i, d := range deltas {
		s, _ = Apply(s, AdjustScore{Delta: d}, r)
		if s.Score < MinScore || s.Score > MaxScore {
			t.Fatalf("step %d: score = %d out of range", i, s.Score)
		}
	}
	if s.Score != MaxScore {
		t.Fatalf("score = %d, want %d", s.Score, MaxScore)
	}
	mustApply(t, s, AdjustScore{Delta: 1}, r, OutcomeUnchanged)
	mustApply(t, s, AdjustScore{Delta: 0}, r, OutcomeUnchanged)
}

func TestDismissKeepsScore(t *testing.T) {
	r := testRoster(t)
	form := formFor(t, r, 4)
	s := mustApply(t, form, DismissForm{}, r, OutcomeApplied)
	if s.Step != StepScanning || s.Score != 4 || s.HasUser() {
		t.Fatalf("after dismiss = %+v, want Scanning with score 4", s)
	}
}

func TestSeqIncrementsOncePerMutation(t *testing.T) {
	r := testRoster(t)
	s := Initial()
	s = mustApply(t, s, Recognized{Candidates: []string{"Tim Cook"}}, r, OutcomeMatched)
	s = mustApply(t, s, ConfirmCandidate{}, r, OutcomeApplied)
	s = mustApply(t, s, SetScore{Value: 2}, r, OutcomeApplied)
	s = mustApply(t, s, SetScore{Value: 2}, r, OutcomeUnchanged)
	s = mustApply(t, s, DismissForm{}, r, OutcomeApplied)
	if s.Seq != 4 {
		t.Fatalf("Seq = %d, want 4", s.Seq)
	}
}
