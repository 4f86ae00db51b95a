// Package prefs persists the viewer's preferences between runs.
// Preferences are stored in ~/.config/underthetree/prefs.toml.
package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/roach88/underthetree/internal/ids"
)

// Prefs holds persisted viewer preferences.
type Prefs struct {
	// Muted is nil until the viewer toggles sound; callers pick the
	// default then.
	Muted         *bool  `toml:"muted,omitempty"`
	ReducedMotion bool   `toml:"reduced_motion"`
	AnonUserID    string `toml:"anon_user_id,omitempty"`
}

const defaultPrefsPath = "~/.config/underthetree/prefs.toml"

// DefaultPath returns the default preferences file path.
func DefaultPath() string {
	return defaultPrefsPath
}

// MutedOr returns the stored mute flag or def when none is stored.
func (p Prefs) MutedOr(def bool) bool {
	if p.Muted == nil {
		return def
	}
	return *p.Muted
}

// Load reads preferences from path. A missing or unreadable file yields
// zero preferences; a damaged file is reported but zero preferences are
// still returned so callers can carry on.
func Load(path string) (Prefs, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Prefs{}, nil
	}
	b, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Prefs{}, nil
		}
		return Prefs{}, nil // Graceful degradation
	}
	var p Prefs
	if err := toml.Unmarshal(b, &p); err != nil {
		return Prefs{}, fmt.Errorf("parse prefs: %w", err)
	}
	p.AnonUserID = strings.TrimSpace(p.AnonUserID)
	return p, nil
}

// Save writes preferences to path, creating directories as needed.
func Save(path string, p Prefs) error {
	resolved, err := resolvePath(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create prefs dir: %w", err)
	}
	b, err := toml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal prefs: %w", err)
	}
	if err := os.WriteFile(resolved, b, 0o644); err != nil {
		return fmt.Errorf("write prefs: %w", err)
	}
	return nil
}

// Update loads, mutates and saves preferences in one step.
func Update(path string, fn func(*Prefs)) (Prefs, error) {
	p, _ := Load(path)
	fn(&p)
	return p, Save(path, p)
}

// EnsureAnonUserID returns the stored anonymous user id, creating and
// saving one when missing. When saving fails the fresh id is still
// returned with the error.
func EnsureAnonUserID(path string, gen ids.Generator) (string, error) {
	p, _ := Load(path)
	if p.AnonUserID != "" {
		return p.AnonUserID, nil
	}
	if gen == nil {
		gen = ids.UUIDv7Generator{}
	}
	p.AnonUserID = "anon_" + gen.Generate()
	return p.AnonUserID, Save(path, p)
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultPrefsPath)
	}
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
