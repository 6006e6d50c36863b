package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// Options configures Open.
type Options struct {
	// Path is the SQLite database file. ":memory:" is accepted but is only
	// useful within a single Store's lifetime.
	Path string
	// Schema is the declared data model; DefaultSchema when zero.
	Schema Schema
	// BusyTimeout bounds waits on a locked database file.
	BusyTimeout time.Duration
	// TxTimeout, when positive, bounds every transaction run by the Store.
	TxTimeout time.Duration
}

// Store is an opened, migrated record database.
type Store struct {
	conn       *sql.DB
	schema     Schema
	txTimeout  time.Duration
	oldVersion int
}

// Open opens the database at opts.Path and upgrades it to opts.Schema.
// An upgrade runs in a single transaction, so a failure leaves the stored
// schema untouched.
func Open(ctx context.Context, opts Options) (*Store, error) {
	schema := opts.Schema
	if schema.Version == 0 && len(schema.Collections) == 0 {
		schema = DefaultSchema
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises transactions the way the engine's
	// transaction queue would, and keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := applyPragmas(ctx, db, opts.BusyTimeout); err != nil {
		db.Close()
		return nil, err
	}

	oldVersion, err := upgrade(ctx, db, schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	if oldVersion < schema.Version {
		slog.Info("Database upgraded", "path", opts.Path, "from", oldVersion, "to", schema.Version)
	}

	return &Store{
		conn:       db,
		schema:     schema,
		txTimeout:  opts.TxTimeout,
		oldVersion: oldVersion,
	}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB, busyTimeout time.Duration) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// upgrade runs migrate when the stored version is behind the declared one,
// and returns the version found before the upgrade.
func upgrade(ctx context.Context, db *sql.DB, schema Schema) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin upgrade: %w", err)
	}
	defer tx.Rollback()

	var stored int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&stored); err != nil {
		return 0, fmt.Errorf("failed to read user_version: %w", err)
	}
	switch {
	case stored > schema.Version:
		return stored, fmt.Errorf("%w: stored %d, requested %d", ErrVersion, stored, schema.Version)
	case stored == schema.Version:
		return stored, nil
	}

	if err := migrate(ctx, tx, schema); err != nil {
		return stored, fmt.Errorf("failed to migrate from version %d to %d: %w", stored, schema.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return stored, fmt.Errorf("failed to commit upgrade: %w", err)
	}
	return stored, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Version returns the schema version the Store was opened at.
func (s *Store) Version() int { return s.schema.Version }

// PreviousVersion returns the version found on disk before Open upgraded it.
// It is zero for a freshly created database.
func (s *Store) PreviousVersion() int { return s.oldVersion }

// Schema returns the declared schema.
func (s *Store) Schema() Schema { return s.schema }

// Collections lists the collections present in the database, sorted by name.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT name FROM schema_collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan collection row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Indexes lists the secondary indexes present on a collection, sorted by name.
func (s *Store) Indexes(ctx context.Context, collection string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT name FROM schema_indexes WHERE collection = ? ORDER BY name`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes for %s: %w", collection, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan index row for %s: %w", collection, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
