package cleanup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/agenda/internal/domain"
	"github.com/conorfennell/agenda/internal/settings"
	"github.com/conorfennell/agenda/internal/storage"
)

func TestRun(t *testing.T) {
	ctx := context.Background()
	h := storage.NewHandle(storage.Options{Path: filepath.Join(t.TempDir(), "agenda.db")})
	t.Cleanup(func() { h.Close() })
	store := settings.New(h, nil)

	seed := []struct {
		collection string
		rec        storage.Record
	}{
		{domain.Tasks, storage.Record{"title": "done", "done": true}},
		{domain.Tasks, storage.Record{"title": "open", "done": false}},
		{domain.Tasks, storage.Record{"title": "odd", "done": "yes"}},
		{domain.Inbox, storage.Record{"text": "filed", "processed": true}},
		{domain.Inbox, storage.Record{"text": "new"}},
		{domain.Projects, storage.Record{"name": "p", "done": true}},
	}
	for _, s := range seed {
		_, err := h.Create(ctx, s.collection, s.rec)
		require.NoError(t, err)
	}

	day := time.Date(2024, 3, 4, 9, 0, 0, 0, time.Local)
	removed, err := Run(ctx, h, store, day)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	tasks, err := h.ReadAll(ctx, domain.Tasks)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	inbox, err := h.ReadAll(ctx, domain.Inbox)
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
	projects, err := h.ReadAll(ctx, domain.Projects)
	require.NoError(t, err)
	assert.Len(t, projects, 1, "projects are never swept")

	assert.Equal(t, "Mon Mar 04 2024", store.Get(ctx, settings.KeyLastCleanupDate))

	// A second run on the same day is a no-op.
	_, err = h.Create(ctx, domain.Tasks, storage.Record{"title": "done later", "done": true})
	require.NoError(t, err)
	removed, err = Run(ctx, h, store, day.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)

	// The next day sweeps again.
	removed, err = Run(ctx, h, store, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestRun_IgnoresUnrelatedFieldTypes(t *testing.T) {
	ctx := context.Background()
	h := storage.NewHandle(storage.Options{Path: filepath.Join(t.TempDir(), "agenda.db")})
	t.Cleanup(func() { h.Close() })
	store := settings.New(h, nil)

	for _, rec := range []storage.Record{
		{"title": 42, "done": true},
		{"title": "x", "done": true, "date": 1700000000000},
	} {
		_, err := h.Create(ctx, domain.Tasks, rec)
		require.NoError(t, err)
	}
	_, err := h.Create(ctx, domain.Inbox, storage.Record{"text": []string{"a"}, "processed": true})
	require.NoError(t, err)

	removed, err := Run(ctx, h, store, time.Date(2024, 3, 4, 9, 0, 0, 0, time.Local))
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	tasks, err := h.ReadAll(ctx, domain.Tasks)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
