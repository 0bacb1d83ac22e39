package roster

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

// User is a known person the scanner can recognize.
type User struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

var ErrEmpty = errors.New("roster is empty")

// Roster is a fixed, ordered list of users. It is never mutated after New
// returns and is safe to read from any goroutine.
type Roster struct {
	users  []User
	folded []string
}

// Default mirrors the kiosk's built-in roster.
func Default() *Roster {
	r, _ := New([]User{
		{Name: "Frodo Baggins", Avatar: "frodo"},
		{Name: "Tim Cook", Avatar: "tim"},
		{Name: "Paul Atreides", Avatar: "paul"},
	})
	return r
}

// New copies users into an immutable roster. Order is preserved; entries
// with a blank name are rejected.
func New(users []User) (*Roster, error) {
	if len(users) == 0 {
		return nil, ErrEmpty
	}
	out := &Roster{
		users:  make([]User, 0, len(users)),
		folded: make([]string, 0, len(users)),
	}
	for i, u := range users {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			return nil, &EntryError{Index: i, Reason: "name is required"}
		}
		u.Name = name
		u.Avatar = strings.TrimSpace(u.Avatar)
		out.users = append(out.users, u)
		out.folded = append(out.folded, fold(name))
	}
	return out, nil
}

// Users returns a copy of the roster in its fixed order.
func (r *Roster) Users() []User {
	if r == nil {
		return nil
	}
	return append([]User(nil), r.users...)
}

func (r *Roster) Len() int {
	if r == nil {
		return 0
	}
	return len(r.users)
}

// Names returns the user names in roster order.
func (r *Roster) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.users))
	for i, u := range r.users {
		names[i] = u.Name
	}
	return names
}

// Match returns the first user whose name is contained in a candidate.
// Candidates are visited in rank order and, for each candidate, users in
// roster order, so the earliest candidate and then the earliest roster entry
// win. Containment ignores letter case because badge text is frequently
// printed in capitals.
func (r *Roster) Match(candidates []string) (User, bool) {
	if r == nil {
		return User{}, false
	}
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		fc := fold(c)
		for i, name := range r.folded {
			if strings.Contains(fc, name) {
				return r.users[i], true
			}
		}
	}
	return User{}, false
}

// EntryError reports an invalid roster entry by position.
type EntryError struct {
	Index  int
	Reason string
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("roster entry %d: %s", e.Index, e.Reason)
}

func fold(s string) string {
	return cases.Fold().String(s)
}
