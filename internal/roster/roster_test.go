package roster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testRoster(t *testing.T) *Roster {
	t.Helper()
	r, err := New([]User{
		{Name: "Frodo Baggins", Avatar: "frodo"},
		{Name: "Tim Cook", Avatar: "tim"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func TestMatchBadgeTextInCapitals(t *testing.T) {
	r := testRoster(t)
	u, ok := r.Match([]string{"TIM COOK ENGINEERING"})
	if !ok {
		t.Fatalf("Match() ok = false, want true")
	}
	if u.Name != "Tim Cook" {
		t.Fatalf("Match() = %q, want %q", u.Name, "Tim Cook")
	}
}

func TestMatchNoCandidateContainsName(t *testing.T) {
	r := testRoster(t)
	if u, ok := r.Match([]string{"Samwise Gamgee", "EXIT", ""}); ok {
		t.Fatalf("Match() = %+v, want no match", u)
	}
	if _, ok := r.Match(nil); ok {
		t.Fatalf("Match(nil) ok = true, want false")
	}
}

func TestMatchCandidateRankWinsOverRosterOrder(t *testing.T) {
	r := testRoster(t)
	u, ok := r.Match([]string{"hello tim cook", "frodo baggins"})
	if !ok || u.Name != "Tim Cook" {
		t.Fatalf("Match() = %+v, %v; want Tim Cook", u, ok)
	}
}

func TestMatchTieResolvesToEarlierRosterEntry(t *testing.T) {
	r := testRoster(t)
	u, ok := r.Match([]string{"Tim Cook and Frodo Baggins"})
	if !ok || u.Name != "Frodo Baggins" {
		t.Fatalf("Match() = %+v, %v; want Frodo Baggins", u, ok)
	}
}

func TestMatchIsDeterministic(t *testing.T) {
	r := testRoster(t)
	candidates := []string{"noise", "Name: Frodo Baggins / Tim Cook"}
	first, _ := r.Match(candidates)
	for i := 0; i < 50; i++ {
		got, ok := r.Match(candidates)
		if !ok || got != first {
			t.Fatalf("Match() run %d = %+v, want %+v", i, got, first)
		}
	}
}

func TestNewRejectsEmptyAndBlankNames(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrEmpty) {
		t.Fatalf("New(nil) error = %v, want ErrEmpty", err)
	}
	_, err := New([]User{{Name: "Tim Cook"}, {Name: "   "}})
	var entryErr *EntryError
	if !errors.As(err, &entryErr) {
		t.Fatalf("New() error = %v, want *EntryError", err)
	}
	if entryErr.Index != 1 {
		t.Fatalf("EntryError.Index = %d, want 1", entryErr.Index)
	}
}

func TestUsersReturnsCopy(t *testing.T) {
	r := testRoster(t)
	users := r.Users()
	users[0].Name = "mutated"
	if r.Users()[0].Name != "Frodo Baggins" {
		t.Fatalf("roster mutated through Users() copy")
	}
}

func TestParseInline(t *testing.T) {
	r, err := ParseInline(" Frodo Baggins=frodo ; Paul Atreides ;")
	if err != nil {
		t.Fatalf("ParseInline() error = %v", err)
	}
	users := r.Users()
	if len(users) != 2 {
		t.Fatalf("len(users) = %d, want 2", len(users))
	}
	if users[0].Avatar != "frodo" || users[1].Name != "Paul Atreides" || users[1].Avatar != "" {
		t.Fatalf("unexpected users: %+v", users)
	}
}

func TestParseInlineRejectsEmpty(t *testing.T) {
	if _, err := ParseInline(" ; ;"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("ParseInline() error = %v, want ErrEmpty", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.json")
	raw := `[{"name":"Tim Cook","avatar":"tim"},{"name":"Paul Atreides","avatar":"paul"}]`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	r, err := Load(context.Background(), Source{File: path, Inline: "Ignored=x"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "Tim Cook" || names[1] != "Paul Atreides" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestLoadFileRejectsMissingName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.json")
	if err := os.WriteFile(path, []byte(`[{"avatar":"x"}]`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	_, err := LoadFile(path)
	var entryErr *EntryError
	if !errors.As(err, &entryErr) {
		t.Fatalf("LoadFile() error = %v, want *EntryError", err)
	}
}

func TestLoadDefaultsToBuiltInRoster(t *testing.T) {
	r, err := Load(context.Background(), Source{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
	if r.Names()[2] != "Paul Atreides" {
		t.Fatalf("Names()[2] = %q, want %q", r.Names()[2], "Paul Atreides")
	}
}

func TestSourceKind(t *testing.T) {
	cases := []struct {
		src  Source
		want string
	}{
		{Source{}, "default"},
		{Source{Inline: "Tim Cook"}, "inline"},
		{Source{File: "r.json", Inline: "Tim Cook"}, "file"},
		{Source{DatabaseURL: "postgres://x", File: "r.json"}, "postgres"},
		{Source{DatabaseURL: "  "}, "default"},
	}
	for _, tc := range cases {
		if got := tc.src.Kind(); got != tc.want {
			t.Fatalf("Kind(%+v) = %q, want %q", tc.src, got, tc.want)
		}
	}
}
