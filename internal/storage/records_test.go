package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/agenda/internal/domain"
)

func newTestHandle(t *testing.T) *Handle {
	t.Helper()
	h := NewHandle(Options{Path: filepath.Join(t.TempDir(), "agenda.db"), Schema: DefaultSchema})
	t.Cleanup(func() { h.Close() })
	return h
}

func TestRun_ResolvesWithRequestResult(t *testing.T) {
	ctx := context.Background()
	h := newTestHandle(t)

	key, err := h.Run(ctx, domain.Notes, ReadWrite, func(c *Collection) *Request {
		return c.Add(Record{"title": "first"})
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), key)

	n, err := h.Run(ctx, domain.Notes, ReadOnly, func(c *Collection) *Request { return c.Count() })
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRun_VoidOperationResolvesTrueOnCommit(t *testing.T) {
	ctx := context.Background()
	h := newTestHandle(t)

	res, err := h.Run(ctx, domain.Notes, ReadWrite, func(c *Collection) *Request {
		c.Add(Record{"title": "a"})
		c.Add(Record{"title": "b"})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, true, res)

	all, err := h.ReadAll(ctx, domain.Notes)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRun_FailedRequestRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newTestHandle(t)

	_, err := h.Run(ctx, domain.Notes, ReadWrite, func(c *Collection) *Request {
		c.Add(Record{"id": 7, "title": "a"})
		c.Add(Record{"id": 7, "title": "duplicate"})
		return nil
	})
	require.ErrorIs(t, err, ErrConstraint)

	all, err := h.ReadAll(ctx, domain.Notes)
	require.NoError(t, err)
	assert.Empty(t, all, "the first add must be rolled back with the transaction")
}

func TestRun_SettlesOnEveryPath(t *testing.T) {
	ctx := context.Background()
	h := newTestHandle(t)

	var other *Collection
	_, err := h.Run(ctx, domain.Tasks, ReadOnly, func(c *Collection) *Request {
		other = c
		return nil
	})
	require.NoError(t, err)

	testCases := []struct {
		name       string
		collection string
		mode       Mode
		op         func(*Collection) *Request
		wantErr    error
	}{
		{
			name:       "write in read-only transaction",
			collection: domain.Notes,
			mode:       ReadOnly,
			op:         func(c *Collection) *Request { return c.Put(Record{"title": "x"}) },
			wantErr:    ErrReadOnly,
		},
		{
			name:       "unknown collection",
			collection: "diary",
			mode:       ReadOnly,
			op:         func(c *Collection) *Request { return c.GetAll() },
			wantErr:    ErrUnknownCollection,
		},
		{
			name:       "bad key",
			collection: domain.Notes,
			mode:       ReadOnly,
			op:         func(c *Collection) *Request { return c.Get("not-a-number") },
			wantErr:    ErrInvalidKey,
		},
		{
			name:       "settings record without key",
			collection: domain.Settings,
			mode:       ReadWrite,
			op:         func(c *Collection) *Request { return c.Put(Record{"value": 1}) },
			wantErr:    ErrInvalidKey,
		},
		{
			name:       "unknown index",
			collection: domain.Settings,
			mode:       ReadOnly,
			op:         func(c *Collection) *Request { return c.GetAllByIndex("date", nil, nil) },
			wantErr:    ErrSchema,
		},
		{
			name:       "panic",
			collection: domain.Notes,
			mode:       ReadWrite,
			op:         func(c *Collection) *Request { panic("boom") },
		},
		{
			name:       "request from another transaction",
			collection: domain.Notes,
			mode:       ReadOnly,
			op:         func(c *Collection) *Request { return newRequest(other) },
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			done := make(chan error, 1)
			go func() {
				_, err := h.Run(ctx, tc.collection, tc.mode, tc.op)
				done <- err
			}()
			select {
			case err := <-done:
				require.Error(t, err)
				if tc.wantErr != nil {
					assert.ErrorIs(t, err, tc.wantErr)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Run never settled")
			}
		})
	}
}

func TestRun_TransactionTimeout(t *testing.T) {
	ctx := context.Background()
	h := NewHandle(Options{
		Path:      filepath.Join(t.TempDir(), "agenda.db"),
		TxTimeout: 20 * time.Millisecond,
	})
	t.Cleanup(func() { h.Close() })

	_, err := h.Run(ctx, domain.Notes, ReadWrite, func(c *Collection) *Request {
		time.Sleep(50 * time.Millisecond)
		return c.Add(Record{"title": "late"})
	})
	require.Error(t, err)

	all, err := h.ReadAll(ctx, domain.Notes)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreate_InjectsTimestamps(t *testing.T) {
	ctx := context.Background()
	h := newTestHandle(t)

	fixed := time.Date(2024, 3, 9, 8, 30, 0, 0, time.UTC)
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = time.Now })

	in := Record{"title": "dentist"}
	key, err := h.Create(ctx, domain.Events, in)
	require.NoError(t, err)
	assert.NotContains(t, in, domain.FieldDate, "caller's record must not be modified")

	got, err := h.ReadOne(ctx, domain.Events, key)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09T08:30:00.000Z", got[domain.FieldDate])
	assert.Equal(t, "2024-03-09T08:30:00.000Z", got[domain.FieldCreatedAt])
	assert.Equal(t, key, got[domain.FieldID])

	// An explicit date is kept.
	key, err = h.Create(ctx, domain.Events, Record{"title": "trip", "date": "2025-01-01"})
	require.NoError(t, err)
	got, err = h.ReadOne(ctx, domain.Events, key)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01", got[domain.FieldDate])

	// Settings records are stored as given.
	_, err = h.Create(ctx, domain.Settings, Record{"key": "accentColor", "value": "#fff"})
	require.NoError(t, err)
	got, err = h.ReadOne(ctx, domain.Settings, "accentColor")
	require.NoError(t, err)
	assert.Equal(t, Record{"key": "accentColor", "value": "#fff"}, got)
}

func TestCreate_ConcurrentCallersGetDistinctKeys(t *testing.T) {
	ctx := context.Background()
	h := newTestHandle(t)

	const n = 25
	var wg sync.WaitGroup
	keys := make(chan any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := h.Create(ctx, domain.Tasks, Record{"title": fmt.Sprintf("task %d", i)})
			assert.NoError(t, err)
			keys <- key
		}(i)
	}
	wg.Wait()
	close(keys)

	seen := make(map[any]bool)
	for k := range keys {
		assert.False(t, seen[k], "duplicate key %v", k)
		seen[k] = true
	}
	all, err := h.ReadAll(ctx, domain.Tasks)
	require.NoError(t, err)
	assert.Len(t, all, n)
}

func TestCRUD_ReadAllMatchesHistory(t *testing.T) {
	ctx := context.Background()
	h := newTestHandle(t)

	// model mirrors the expected titles by key.
	model := map[int64]string{}
	create := func(title string) int64 {
		key, err := h.Create(ctx, domain.Notes, Record{"title": title})
		require.NoError(t, err)
		model[key.(int64)] = title
		return key.(int64)
	}
	update := func(key int64, title string) {
		_, err := h.Update(ctx, domain.Notes, Record{"id": key, "title": title})
		require.NoError(t, err)
		model[key] = title
	}
	remove := func(key int64) {
		require.NoError(t, h.Delete(ctx, domain.Notes, key))
		delete(model, key)
	}

	a := create("a")
	b := create("b")
	c := create("c")
	update(b, "b2")
	remove(a)
	update(c, "c2")
	update(c, "c3")
	remove(a) // Deleting a missing key is not an error.
	d := create("d")
	update(99, "upserted")
	remove(d)

	all, err := h.ReadAll(ctx, domain.Notes)
	require.NoError(t, err)

	got := map[int64]string{}
	for _, rec := range all {
		got[rec[domain.FieldID].(int64)] = rec["title"].(string)
	}
	assert.Equal(t, model, got)
}

func TestReadOne_MissingKey(t *testing.T) {
	h := newTestHandle(t)
	rec, err := h.ReadOne(context.Background(), domain.Finance, 42)
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestReadRange_OrdersByDate(t *testing.T) {
	ctx := context.Background()
	h := newTestHandle(t)

	for _, date := range []string{"2024-05-03", "2024-05-01", "2024-06-01", "2024-05-02"} {
		_, err := h.Create(ctx, domain.Schedule, Record{"date": date})
		require.NoError(t, err)
	}

	recs, err := h.ReadRange(ctx, domain.Schedule, "2024-05-01", "2024-05-31")
	require.NoError(t, err)

	var dates []string
	for _, r := range recs {
		dates = append(dates, r[domain.FieldDate].(string))
	}
	assert.Equal(t, []string{"2024-05-01", "2024-05-02", "2024-05-03"}, dates)

	recs, err = h.ReadRange(ctx, domain.Schedule, "", "")
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

func TestReadRange_DateOnlyUpperBoundCoversTheDay(t *testing.T) {
	ctx := context.Background()
	h := newTestHandle(t)

	for _, date := range []string{"2024-01-31T10:00:00.000Z", "2024-01-31T23:59:59.999Z", "2024-02-01T00:00:00.000Z"} {
		_, err := h.Create(ctx, domain.Events, Record{"date": date})
		require.NoError(t, err)
	}

	recs, err := h.ReadRange(ctx, domain.Events, "2024-01-01", "2024-01-31")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "2024-01-31T10:00:00.000Z", recs[0][domain.FieldDate])
	assert.Equal(t, "2024-01-31T23:59:59.999Z", recs[1][domain.FieldDate])

	// Full timestamps are used as given.
	recs, err = h.ReadRange(ctx, domain.Events, "", "2024-01-31T12:00:00.000Z")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	h := newTestHandle(t)

	_, err := h.Create(ctx, domain.Inbox, Record{"text": "x"})
	require.NoError(t, err)
	require.NoError(t, h.Clear(ctx, domain.Inbox))

	all, err := h.ReadAll(ctx, domain.Inbox)
	require.NoError(t, err)
	assert.Empty(t, all)

	// Generated keys keep growing after a clear.
	key, err := h.Create(ctx, domain.Inbox, Record{"text": "y"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), key)
}

func TestRequest_SettlesOnce(t *testing.T) {
	r := newRequest(nil)
	r.settle("first", nil)
	r.settle(nil, errors.New("ignored"))

	v, err := r.Result()
	assert.NoError(t, err)
	assert.Equal(t, "first", v)
}
