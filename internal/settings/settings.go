// Package settings is a key/value view over the settings collection.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/conorfennell/agenda/internal/domain"
	"github.com/conorfennell/agenda/internal/storage"
)

// Recognised keys.
const (
	KeyAccentColor     = "accentColor"
	KeyEnableBlur      = "enableBlur"
	KeyLastCleanupDate = "lastCleanupDate"
)

// ThemeApplier is notified with the full settings map whenever a
// theme-affecting key changes.
type ThemeApplier interface {
	ApplyTheme(ctx context.Context, all map[string]any)
}

// Records is the subset of the record facade the settings store needs.
type Records interface {
	Update(ctx context.Context, collection string, rec storage.Record) (any, error)
	ReadOne(ctx context.Context, collection string, key any) (storage.Record, error)
	ReadAll(ctx context.Context, collection string) ([]storage.Record, error)
	Delete(ctx context.Context, collection string, key any) error
}

// Store reads and writes settings. Reads never fail: a missing key and a
// storage error both come back as nil so startup can fall back to defaults.
type Store struct {
	records Records
	theme   ThemeApplier
}

// New returns a Store over records. theme may be nil.
func New(records Records, theme ThemeApplier) *Store {
	return &Store{records: records, theme: theme}
}

// SetThemeApplier replaces the theme collaborator.
func (s *Store) SetThemeApplier(theme ThemeApplier) { s.theme = theme }

// IsThemeKey reports whether changing key affects the theme.
func IsThemeKey(key string) bool {
	return key == KeyAccentColor || key == KeyEnableBlur
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	if key == "" {
		return fmt.Errorf("%w: empty settings key", storage.ErrInvalidKey)
	}
	if _, err := s.records.Update(ctx, domain.Settings, storage.Record{
		domain.FieldKey:   key,
		domain.FieldValue: value,
	}); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	if IsThemeKey(key) && s.theme != nil {
		s.theme.ApplyTheme(ctx, s.All(ctx))
	}
	return nil
}

// Delete removes key. Removing a theme key re-applies the theme so it
// falls back to the default for that key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty settings key", storage.ErrInvalidKey)
	}
	if err := s.records.Delete(ctx, domain.Settings, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if IsThemeKey(key) && s.theme != nil {
		s.theme.ApplyTheme(ctx, s.All(ctx))
	}
	return nil
}

// Get returns the value stored under key, or nil.
func (s *Store) Get(ctx context.Context, key string) any {
	v, err := s.lookup(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		slog.Debug("Setting not set", "key", key)
	case err != nil:
		slog.Warn("Failed to read setting", "key", key, "error", err)
	}
	return v
}

// GetString returns the value under key if it is a string.
func (s *Store) GetString(ctx context.Context, key string) (string, bool) {
	v, ok := s.Get(ctx, key).(string)
	return v, ok
}

func (s *Store) lookup(ctx context.Context, key string) (any, error) {
	if key == "" {
		return nil, storage.ErrNotFound
	}
	rec, err := s.records.ReadOne(ctx, domain.Settings, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, storage.ErrNotFound
	}
	return rec[domain.FieldValue], nil
}

// All folds every stored setting into one map. It returns an empty map if
// the settings cannot be read.
func (s *Store) All(ctx context.Context) map[string]any {
	recs, err := s.records.ReadAll(ctx, domain.Settings)
	if err != nil {
		slog.Warn("Failed to read settings", "error", err)
		return map[string]any{}
	}
	return fold(recs)
}

// fold maps each record's key to its value. Keys are unique in the
// collection; were they not, the later record would win.
func fold(recs []storage.Record) map[string]any {
	out := make(map[string]any, len(recs))
	for _, rec := range recs {
		key, ok := rec[domain.FieldKey].(string)
		if !ok {
			continue
		}
		out[key] = rec[domain.FieldValue]
	}
	return out
}
