package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Source describes where the roster is read from at startup. The first
// non-empty field wins, in the order DatabaseURL, File, Inline; with none set
// the built-in default roster is used.
type Source struct {
	DatabaseURL string
	File        string
	Inline      string
}

type entry struct {
	Name   string `json:"name" validate:"required,max=128"`
	Avatar string `json:"avatar" validate:"max=512"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Kind names the source Load will use: postgres, file, inline or default.
func (s Source) Kind() string {
	switch {
	case strings.TrimSpace(s.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(s.File) != "":
		return "file"
	case strings.TrimSpace(s.Inline) != "":
		return "inline"
	default:
		return "default"
	}
}

// Load resolves src into an immutable roster.
func Load(ctx context.Context, src Source) (*Roster, error) {
	switch src.Kind() {
	case "postgres":
		return LoadPostgres(ctx, src.DatabaseURL)
	case "file":
		return LoadFile(src.File)
	case "inline":
		return ParseInline(src.Inline)
	default:
		return Default(), nil
	}
}

// ParseInline parses "Name=avatar;Name=avatar". The avatar part is optional.
func ParseInline(raw string) (*Roster, error) {
	var entries []entry
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, avatar, _ := strings.Cut(part, "=")
		entries = append(entries, entry{Name: strings.TrimSpace(name), Avatar: strings.TrimSpace(avatar)})
	}
	return fromEntries(entries)
}

// LoadFile reads a JSON array of {"name","avatar"} objects.
func LoadFile(path string) (*Roster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster file: %w", err)
	}
	var entries []entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode roster file: %w", err)
	}
	return fromEntries(entries)
}

func fromEntries(entries []entry) (*Roster, error) {
	if len(entries) == 0 {
		return nil, ErrEmpty
	}
	users := make([]User, 0, len(entries))
	for i, e := range entries {
		e.Name = strings.TrimSpace(e.Name)
		if err := validate.Struct(e); err != nil {
			return nil, &EntryError{Index: i, Reason: err.Error()}
		}
		users = append(users, User{Name: e.Name, Avatar: e.Avatar})
	}
	return New(users)
}
