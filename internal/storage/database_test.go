package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/agenda/internal/domain"
)

func openTestStore(t *testing.T, path string, schema Schema) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Path: path, Schema: schema})
	require.NoError(t, err, "Open(%s, v%d)", path, schema.Version)
	t.Cleanup(func() { s.Close() })
	return s
}

func layout(t *testing.T, s *Store) map[string][]string {
	t.Helper()
	ctx := context.Background()
	names, err := s.Collections(ctx)
	require.NoError(t, err)

	out := make(map[string][]string)
	for _, name := range names {
		idx, err := s.Indexes(ctx, name)
		require.NoError(t, err)
		out[name] = idx
	}
	return out
}

// Successive schema versions, each a superset of the one before.
var (
	schemaV1 = Schema{Version: 1, Collections: []CollectionSpec{
		{Name: "notes", KeyPath: "id", AutoIncrement: true},
		{Name: "settings", KeyPath: "key"},
	}}
	schemaV2 = Schema{Version: 2, Collections: []CollectionSpec{
		{Name: "notes", KeyPath: "id", AutoIncrement: true, Indexes: []IndexSpec{{Name: "date", KeyPath: "date"}}},
		{Name: "settings", KeyPath: "key"},
		{Name: "tasks", KeyPath: "id", AutoIncrement: true, Indexes: []IndexSpec{{Name: "date", KeyPath: "date"}}},
	}}
	schemaV3 = Schema{Version: 3, Collections: []CollectionSpec{
		{Name: "notes", KeyPath: "id", AutoIncrement: true, Indexes: []IndexSpec{
			{Name: "date", KeyPath: "date"},
			{Name: "title", KeyPath: "title"},
		}},
		{Name: "settings", KeyPath: "key"},
		{Name: "tasks", KeyPath: "id", AutoIncrement: true, Indexes: []IndexSpec{{Name: "date", KeyPath: "date"}}},
		{Name: "inbox", KeyPath: "id", AutoIncrement: true},
	}}
)

func TestOpen_CreatesDefaultSchema(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "agenda.db"), DefaultSchema)

	assert.Equal(t, SchemaVersion, s.Version())
	assert.Equal(t, 0, s.PreviousVersion())

	got := layout(t, s)
	require.Len(t, got, len(domain.Collections))
	for _, name := range domain.Collections {
		if name == domain.Settings {
			assert.Empty(t, got[name], "settings must not carry a date index")
			continue
		}
		assert.Equal(t, []string{"date"}, got[name], "indexes of %s", name)
	}
}

func TestOpen_MigrationIsOrderIndependent(t *testing.T) {
	dir := t.TempDir()
	steps := [][]Schema{
		{schemaV3},
		{schemaV1, schemaV3},
		{schemaV2, schemaV3},
		{schemaV1, schemaV2, schemaV3},
	}

	var want map[string][]string
	for i, path := range steps {
		dbPath := filepath.Join(dir, "step"+string(rune('a'+i))+".db")
		for _, schema := range path {
			s, err := Open(context.Background(), Options{Path: dbPath, Schema: schema})
			require.NoError(t, err)
			require.NoError(t, s.Close())
		}
		got := layout(t, openTestStore(t, dbPath, schemaV3))
		if want == nil {
			want = got
			continue
		}
		assert.Equal(t, want, got, "upgrade path %d", i)
	}
}

func TestOpen_UpgradeKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agenda.db")

	s1, err := Open(ctx, Options{Path: path, Schema: schemaV1})
	require.NoError(t, err)
	key, err := s1.Run(ctx, "notes", ReadWrite, func(c *Collection) *Request {
		return c.Add(Record{"title": "kept", "date": "2024-01-01"})
	})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2 := openTestStore(t, path, schemaV2)
	assert.Equal(t, 1, s2.PreviousVersion())

	rec, err := s2.Run(ctx, "notes", ReadOnly, func(c *Collection) *Request { return c.Get(key) })
	require.NoError(t, err)
	assert.Equal(t, "kept", rec.(Record)["title"])

	// The index added by v2 covers records written under v1.
	recs, err := s2.Run(ctx, "notes", ReadOnly, func(c *Collection) *Request {
		return c.GetAllByIndex("date", "2024-01-01", nil)
	})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestOpen_SameVersionIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agenda.db")
	for i := 0; i < 3; i++ {
		s, err := Open(context.Background(), Options{Path: path, Schema: schemaV2})
		require.NoError(t, err, "Open() iteration %d", i)
		require.NoError(t, s.Close())
	}
	s := openTestStore(t, path, schemaV2)
	assert.Equal(t, 2, s.PreviousVersion())
	assert.Len(t, layout(t, s), 3)
}

func TestOpen_RejectsDowngrade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agenda.db")
	openTestStore(t, path, schemaV2).Close()

	_, err := Open(context.Background(), Options{Path: path, Schema: schemaV1})
	assert.ErrorIs(t, err, ErrVersion)
}

func TestOpen_RejectsRekeying(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agenda.db")
	openTestStore(t, path, schemaV1).Close()

	rekeyed := Schema{Version: 2, Collections: []CollectionSpec{
		{Name: "notes", KeyPath: "slug"},
		{Name: "settings", KeyPath: "key"},
	}}
	_, err := Open(context.Background(), Options{Path: path, Schema: rekeyed})
	require.ErrorIs(t, err, ErrSchema)

	// The failed upgrade must not have moved the stored version.
	s := openTestStore(t, path, schemaV1)
	assert.Equal(t, 1, s.PreviousVersion())
}

func TestOpen_RejectsInvalidSchema(t *testing.T) {
	testCases := []struct {
		name   string
		schema Schema
	}{
		{"zero version", Schema{Collections: []CollectionSpec{{Name: "notes", KeyPath: "id"}}}},
		{"quoted name", Schema{Version: 1, Collections: []CollectionSpec{{Name: `no"tes`, KeyPath: "id"}}}},
		{"upper case name", Schema{Version: 1, Collections: []CollectionSpec{{Name: "Notes", KeyPath: "id"}}}},
		{"duplicate name", Schema{Version: 1, Collections: []CollectionSpec{
			{Name: "notes", KeyPath: "id"}, {Name: "notes", KeyPath: "id"},
		}}},
		{"missing key path", Schema{Version: 1, Collections: []CollectionSpec{{Name: "notes"}}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Open(context.Background(), Options{Path: filepath.Join(t.TempDir(), "x.db"), Schema: tc.schema})
			assert.ErrorIs(t, err, ErrSchema)
		})
	}
}

func TestHandle_CoalescesConcurrentOpens(t *testing.T) {
	var opens atomic.Int32
	release := make(chan struct{})

	h := NewHandle(Options{Path: filepath.Join(t.TempDir(), "agenda.db")})
	h.open = func(ctx context.Context, opts Options) (*Store, error) {
		opens.Add(1)
		<-release
		return Open(ctx, opts)
	}
	t.Cleanup(func() { h.Close() })

	const callers = 8
	var wg sync.WaitGroup
	stores := make([]*Store, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stores[i], errs[i] = h.Get(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, opens.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, stores[0], stores[i])
	}
}

func TestHandle_OpenErrorIsSticky(t *testing.T) {
	var opens atomic.Int32
	boom := errors.New("disk on fire")

	h := NewHandle(Options{Path: "unused"})
	h.open = func(context.Context, Options) (*Store, error) {
		opens.Add(1)
		return nil, boom
	}

	for i := 0; i < 3; i++ {
		s, err := h.Get(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Nil(t, s)
	}
	_, err := h.ReadAll(context.Background(), domain.Notes)
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, opens.Load())
}

func TestHandle_WaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	h := NewHandle(Options{Path: filepath.Join(t.TempDir(), "agenda.db")})
	h.open = func(ctx context.Context, opts Options) (*Store, error) {
		<-release
		return Open(ctx, opts)
	}
	t.Cleanup(func() { h.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned wait did not cancel the shared open.
	close(release)
	s, err := h.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestHandle_CloseBeforeOpen(t *testing.T) {
	h := NewHandle(Options{Path: "unused"})
	require.NoError(t, h.Close())

	_, err := h.Get(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandle_CloseAfterOpen(t *testing.T) {
	ctx := context.Background()
	h := NewHandle(Options{Path: filepath.Join(t.TempDir(), "agenda.db")})
	s, err := h.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, s)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close(), "second close is a no-op")

	s, err = h.Get(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, s)

	_, err = h.ReadAll(ctx, "tasks")
	assert.ErrorIs(t, err, ErrClosed)
}
