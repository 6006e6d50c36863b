package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// Run executes op inside a single transaction scoped to one collection.
//
// If op returns a Request, Run yields that request's value, or its error.
// If op returns nil, Run waits for the transaction to commit and yields
// true. A failed request, a panic in op or an expired context rolls the
// transaction back. Run always returns exactly once.
func (s *Store) Run(ctx context.Context, collection string, mode Mode, op func(*Collection) *Request) (result any, err error) {
	spec, ok := s.schema.Collection(collection)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	if s.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}
	defer func() { observeTransaction(collection, mode, err) }()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin %s transaction on %s: %w", mode, collection, err)
	}
	c := &Collection{ctx: ctx, tx: tx, spec: spec, mode: mode}

	req, err := invoke(op, c)
	if err == nil && req != nil {
		result, err = c.await(req)
	}
	if err == nil && c.err != nil {
		// Another request issued by op failed, which aborts the transaction.
		err = c.err
	}
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit %s transaction on %s: %w", mode, collection, err)
	}
	if req == nil {
		return true, nil
	}
	return result, nil
}

func invoke(op func(*Collection) *Request, c *Collection) (req *Request, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction on %s panicked: %v", c.spec.Name, r)
		}
	}()
	return op(c), nil
}

// Collection is the handle on one collection within a running transaction.
// It is only valid until Run returns.
type Collection struct {
	ctx  context.Context
	tx   *sql.Tx
	spec CollectionSpec
	mode Mode
	err  error // First failed request, if any.
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.spec.Name }

func (c *Collection) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *Collection) await(req *Request) (any, error) {
	if req.owner != c {
		return nil, fmt.Errorf("request on %s was not issued by this transaction", c.spec.Name)
	}
	select {
	case <-req.Done():
		return req.result, req.err
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *Collection) writable() error {
	if c.mode != ReadWrite {
		return fmt.Errorf("%w: %s", ErrReadOnly, c.spec.Name)
	}
	return nil
}

// Add inserts rec and settles with its key. Records without a key get a
// generated one in auto-increment collections. An existing key fails with
// ErrConstraint.
func (c *Collection) Add(rec Record) *Request {
	req := newRequest(c)
	if err := c.writable(); err != nil {
		return req.settle(nil, err)
	}
	key, hasKey, err := c.spec.keyOf(rec)
	if err != nil {
		return req.settle(nil, err)
	}
	data, err := c.spec.encode(rec)
	if err != nil {
		return req.settle(nil, err)
	}

	if !hasKey {
		if !c.spec.AutoIncrement {
			return req.settle(nil, fmt.Errorf("%w: record for %s has no %q", ErrInvalidKey, c.spec.Name, c.spec.KeyPath))
		}
		res, err := c.tx.ExecContext(c.ctx, fmt.Sprintf("INSERT INTO %s (data) VALUES (?)", tableName(c.spec.Name)), data)
		if err != nil {
			return req.settle(nil, fmt.Errorf("failed to add to %s: %w", c.spec.Name, err))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return req.settle(nil, fmt.Errorf("failed to get generated key for %s: %w", c.spec.Name, err))
		}
		return req.settle(id, nil)
	}

	var exists bool
	if err := c.tx.QueryRowContext(c.ctx, fmt.Sprintf(
		"SELECT EXISTS (SELECT 1 FROM %s WHERE key = ?)", tableName(c.spec.Name)), key,
	).Scan(&exists); err != nil {
		return req.settle(nil, fmt.Errorf("failed to check key %v in %s: %w", key, c.spec.Name, err))
	}
	if exists {
		return req.settle(nil, fmt.Errorf("%w: %v in %s", ErrConstraint, key, c.spec.Name))
	}
	if _, err := c.tx.ExecContext(c.ctx, fmt.Sprintf(
		"INSERT INTO %s (key, data) VALUES (?, ?)", tableName(c.spec.Name)), key, data,
	); err != nil {
		return req.settle(nil, fmt.Errorf("failed to add %v to %s: %w", key, c.spec.Name, err))
	}
	return req.settle(key, nil)
}

// Put inserts or replaces rec by key and settles with the key.
func (c *Collection) Put(rec Record) *Request {
	req := newRequest(c)
	if err := c.writable(); err != nil {
		return req.settle(nil, err)
	}
	key, hasKey, err := c.spec.keyOf(rec)
	if err != nil {
		return req.settle(nil, err)
	}
	if !hasKey {
		// Without a key, put behaves as add: explicit-key collections reject
		// the record and auto-increment ones generate a key.
		return c.Add(rec)
	}
	data, err := c.spec.encode(rec)
	if err != nil {
		return req.settle(nil, err)
	}
	if _, err := c.tx.ExecContext(c.ctx, fmt.Sprintf(
		"INSERT INTO %s (key, data) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET data = excluded.data",
		tableName(c.spec.Name)), key, data,
	); err != nil {
		return req.settle(nil, fmt.Errorf("failed to put %v into %s: %w", key, c.spec.Name, err))
	}
	return req.settle(key, nil)
}

// Get settles with the Record stored under key, or with nil if there is none.
func (c *Collection) Get(key any) *Request {
	req := newRequest(c)
	k, err := c.spec.normalizeKey(key)
	if err != nil {
		return req.settle(nil, err)
	}
	var data string
	err = c.tx.QueryRowContext(c.ctx, fmt.Sprintf(
		"SELECT data FROM %s WHERE key = ?", tableName(c.spec.Name)), k,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return req.settle(nil, nil)
	} else if err != nil {
		return req.settle(nil, fmt.Errorf("failed to get %v from %s: %w", k, c.spec.Name, err))
	}
	rec, err := c.spec.decode(k, data)
	if err != nil {
		return req.settle(nil, err)
	}
	return req.settle(rec, nil)
}

// GetAll settles with every record in key order.
func (c *Collection) GetAll() *Request {
	req := newRequest(c)
	recs, err := c.query(fmt.Sprintf("SELECT key, data FROM %s ORDER BY key", tableName(c.spec.Name)))
	return req.settle(recs, err)
}

// GetAllByIndex settles with the records whose indexed field lies within
// [lower, upper], ordered by that field. A nil bound is open.
func (c *Collection) GetAllByIndex(index string, lower, upper any) *Request {
	req := newRequest(c)
	var idx *IndexSpec
	for i := range c.spec.Indexes {
		if c.spec.Indexes[i].Name == index {
			idx = &c.spec.Indexes[i]
		}
	}
	if idx == nil {
		return req.settle(nil, fmt.Errorf("%w: no index %q on %s", ErrSchema, index, c.spec.Name))
	}

	expr := fieldExpr(idx.KeyPath)
	var where []string
	var args []any
	if lower != nil {
		where = append(where, expr+" >= ?")
		args = append(args, lower)
	}
	if upper != nil {
		where = append(where, expr+" <= ?")
		args = append(args, upper)
	}
	query := fmt.Sprintf("SELECT key, data FROM %s", tableName(c.spec.Name))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	} else {
		query += " WHERE " + expr + " IS NOT NULL"
	}
	query += " ORDER BY " + expr + ", key"

	recs, err := c.query(query, args...)
	return req.settle(recs, err)
}

// Delete removes the record under key. A missing key is not an error.
func (c *Collection) Delete(key any) *Request {
	req := newRequest(c)
	if err := c.writable(); err != nil {
		return req.settle(nil, err)
	}
	k, err := c.spec.normalizeKey(key)
	if err != nil {
		return req.settle(nil, err)
	}
	if _, err := c.tx.ExecContext(c.ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE key = ?", tableName(c.spec.Name)), k,
	); err != nil {
		return req.settle(nil, fmt.Errorf("failed to delete %v from %s: %w", k, c.spec.Name, err))
	}
	return req.settle(nil, nil)
}

// Count settles with the number of records.
func (c *Collection) Count() *Request {
	req := newRequest(c)
	var n int64
	if err := c.tx.QueryRowContext(c.ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s", tableName(c.spec.Name)),
	).Scan(&n); err != nil {
		return req.settle(nil, fmt.Errorf("failed to count %s: %w", c.spec.Name, err))
	}
	return req.settle(n, nil)
}

// Clear removes every record. Generated keys are not reused afterwards.
func (c *Collection) Clear() *Request {
	req := newRequest(c)
	if err := c.writable(); err != nil {
		return req.settle(nil, err)
	}
	if _, err := c.tx.ExecContext(c.ctx, fmt.Sprintf("DELETE FROM %s", tableName(c.spec.Name))); err != nil {
		return req.settle(nil, fmt.Errorf("failed to clear %s: %w", c.spec.Name, err))
	}
	return req.settle(nil, nil)
}

func (c *Collection) query(query string, args ...any) ([]Record, error) {
	rows, err := c.tx.QueryContext(c.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", c.spec.Name, err)
	}
	defer rows.Close()

	recs := []Record{}
	for rows.Next() {
		var key any
		var data string
		if c.spec.AutoIncrement {
			var id int64
			err = rows.Scan(&id, &data)
			key = id
		} else {
			var s string
			err = rows.Scan(&s, &data)
			key = s
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", c.spec.Name, err)
		}
		rec, err := c.spec.decode(key, data)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", c.spec.Name, err)
	}
	return recs, nil
}

// keyOf extracts the key of rec. hasKey is false when the key field is
// absent or null.
func (c CollectionSpec) keyOf(rec Record) (key any, hasKey bool, err error) {
	v, ok := rec[c.KeyPath]
	if !ok || v == nil {
		return nil, false, nil
	}
	key, err = c.normalizeKey(v)
	return key, err == nil, err
}

// normalizeKey maps a caller-supplied key onto the collection's key type:
// int64 for auto-increment collections, non-empty string otherwise.
func (c CollectionSpec) normalizeKey(v any) (any, error) {
	if !c.AutoIncrement {
		if s, ok := v.(string); ok && s != "" {
			return s, nil
		}
		return nil, fmt.Errorf("%w: %v (%T) for %s", ErrInvalidKey, v, v, c.Name)
	}
	switch k := v.(type) {
	case int:
		return int64(k), nil
	case int32:
		return int64(k), nil
	case int64:
		return k, nil
	case float64:
		if k == math.Trunc(k) && !math.IsInf(k, 0) {
			return int64(k), nil
		}
	case json.Number:
		if i, err := k.Int64(); err == nil {
			return i, nil
		}
	case string:
		if i, err := strconv.ParseInt(k, 10, 64); err == nil {
			return i, nil
		}
	}
	return nil, fmt.Errorf("%w: %v (%T) for %s", ErrInvalidKey, v, v, c.Name)
}

func (c CollectionSpec) encode(rec Record) (string, error) {
	body := make(Record, len(rec))
	for k, v := range rec {
		if k != c.KeyPath || !c.AutoIncrement {
			body[k] = v
		}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode record for %s: %w", c.Name, err)
	}
	return string(b), nil
}

func (c CollectionSpec) decode(key any, data string) (Record, error) {
	rec := Record{}
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %v of %s: %w", key, c.Name, err)
	}
	rec[c.KeyPath] = key
	return rec, nil
}
