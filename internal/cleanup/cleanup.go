// Package cleanup sweeps finished loose tasks and processed inbox items
// once per calendar day.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conorfennell/agenda/internal/domain"
	"github.com/conorfennell/agenda/internal/settings"
	"github.com/conorfennell/agenda/internal/storage"
)

// DayLayout is how the last cleanup day is recorded in settings.
const DayLayout = "Mon Jan 02 2006"

// Records is the subset of the record facade the sweep needs.
type Records interface {
	ReadAll(ctx context.Context, collection string) ([]storage.Record, error)
	Delete(ctx context.Context, collection string, key any) error
}

// Settings is the subset of the settings store the sweep needs.
type Settings interface {
	GetString(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key string, value any) error
}

// Run removes done tasks and processed inbox items unless a sweep already
// ran on now's calendar day. Projects are never touched. It returns the
// number of removed records.
func Run(ctx context.Context, records Records, store Settings, now time.Time) (int, error) {
	today := now.Format(DayLayout)
	if last, ok := store.GetString(ctx, settings.KeyLastCleanupDate); ok && last == today {
		return 0, nil
	}
	slog.Info("Starting daily cleanup", "day", today)

	var removed int
	n, err := sweep(ctx, records, domain.Tasks, domain.FieldDone)
	removed += n
	if err != nil {
		return removed, err
	}

	n, err = sweep(ctx, records, domain.Inbox, domain.FieldProcessed)
	removed += n
	if err != nil {
		return removed, err
	}

	if err := store.Set(ctx, settings.KeyLastCleanupDate, today); err != nil {
		return removed, fmt.Errorf("failed to record cleanup day: %w", err)
	}
	slog.Info("Daily cleanup complete", "removed", removed)
	return removed, nil
}

// sweep deletes every record of collection whose flag field is the boolean
// true. Other fields are not inspected.
func sweep(ctx context.Context, records Records, collection, flag string) (int, error) {
	recs, err := records.ReadAll(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", collection, err)
	}

	var removed int
	for _, rec := range recs {
		if done, _ := rec[flag].(bool); !done {
			continue
		}
		if err := records.Delete(ctx, collection, rec[domain.FieldID]); err != nil {
			return removed, fmt.Errorf("failed to delete %v from %s: %w", rec[domain.FieldID], collection, err)
		}
		removed++
	}
	return removed, nil
}
