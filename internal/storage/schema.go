package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/conorfennell/agenda/internal/domain"
)

// IndexSpec declares a secondary index over a top-level record field.
type IndexSpec struct {
	Name    string `validate:"required,lowercase,alphanum"`
	KeyPath string `validate:"required,alphanum"`
	Unique  bool
}

// CollectionSpec declares a named collection and its keying policy.
// AutoIncrement collections get generated integer keys; the others are keyed
// by the string found at KeyPath.
type CollectionSpec struct {
	Name          string      `validate:"required,lowercase,alphanum"`
	KeyPath       string      `validate:"required,alphanum"`
	AutoIncrement bool
	Indexes       []IndexSpec `validate:"unique=Name,dive"`
}

// Schema is the versioned set of collections a Store must hold.
type Schema struct {
	Version     int              `validate:"min=1"`
	Collections []CollectionSpec `validate:"required,unique=Name,dive"`
}

// SchemaVersion is the current version of DefaultSchema.
const SchemaVersion = 23

// DefaultSchema is the agenda data model.
var DefaultSchema = buildDefaultSchema(SchemaVersion)

func buildDefaultSchema(version int) Schema {
	s := Schema{Version: version}
	for _, name := range domain.Collections {
		if name == domain.Settings {
			s.Collections = append(s.Collections, CollectionSpec{Name: name, KeyPath: domain.FieldKey})
			continue
		}
		s.Collections = append(s.Collections, CollectionSpec{
			Name:          name,
			KeyPath:       domain.FieldID,
			AutoIncrement: true,
			Indexes:       []IndexSpec{{Name: domain.FieldDate, KeyPath: domain.FieldDate}},
		})
	}
	return s
}

// Collection returns the spec of the named collection.
func (s Schema) Collection(name string) (CollectionSpec, bool) {
	for _, c := range s.Collections {
		if c.Name == name {
			return c, true
		}
	}
	return CollectionSpec{}, false
}

var validate = validator.New()

// Validate checks names and version before they reach any DDL statement.
func (s Schema) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

// Bookkeeping tables. Collection names cannot contain '_', so these never clash.
const metaSchema = `
CREATE TABLE IF NOT EXISTS schema_collections (
    name TEXT PRIMARY KEY,
    key_path TEXT NOT NULL,
    auto_increment INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_indexes (
    collection TEXT NOT NULL,
    name TEXT NOT NULL,
    key_path TEXT NOT NULL,
    is_unique INTEGER NOT NULL,
    PRIMARY KEY (collection, name)
);
`

func tableName(collection string) string { return `"` + collection + `"` }

func indexName(collection, index string) string { return `"` + collection + "__" + index + `"` }

func fieldExpr(keyPath string) string { return "json_extract(data, '$." + keyPath + "')" }

// migrate brings the database up to the declared schema. It only adds
// collections and indexes; an existing collection whose keying policy
// differs from the declaration is rejected with ErrSchema.
func migrate(ctx context.Context, tx *sql.Tx, schema Schema) error {
	if _, err := tx.ExecContext(ctx, metaSchema); err != nil {
		return fmt.Errorf("failed to create schema bookkeeping: %w", err)
	}
	for _, c := range schema.Collections {
		if err := migrateCollection(ctx, tx, c); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schema.Version)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

func migrateCollection(ctx context.Context, tx *sql.Tx, c CollectionSpec) error {
	var keyPath string
	var autoIncrement bool
	err := tx.QueryRowContext(ctx,
		`SELECT key_path, auto_increment FROM schema_collections WHERE name = ?`, c.Name,
	).Scan(&keyPath, &autoIncrement)

	switch {
	case err == sql.ErrNoRows:
		keyColumn := "key TEXT PRIMARY KEY NOT NULL"
		if c.AutoIncrement {
			keyColumn = "key INTEGER PRIMARY KEY AUTOINCREMENT"
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (%s, data TEXT NOT NULL)", tableName(c.Name), keyColumn,
		)); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", c.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_collections (name, key_path, auto_increment) VALUES (?, ?, ?)`,
			c.Name, c.KeyPath, c.AutoIncrement,
		); err != nil {
			return fmt.Errorf("failed to record collection %s: %w", c.Name, err)
		}
	case err != nil:
		return fmt.Errorf("failed to inspect collection %s: %w", c.Name, err)
	case keyPath != c.KeyPath || autoIncrement != c.AutoIncrement:
		return fmt.Errorf("%w: collection %s is keyed by %q (auto=%t), declared %q (auto=%t)",
			ErrSchema, c.Name, keyPath, autoIncrement, c.KeyPath, c.AutoIncrement)
	}

	for _, idx := range c.Indexes {
		if err := migrateIndex(ctx, tx, c.Name, idx); err != nil {
			return err
		}
	}
	return nil
}

func migrateIndex(ctx context.Context, tx *sql.Tx, collection string, idx IndexSpec) error {
	var keyPath string
	var unique bool
	err := tx.QueryRowContext(ctx,
		`SELECT key_path, is_unique FROM schema_indexes WHERE collection = ? AND name = ?`, collection, idx.Name,
	).Scan(&keyPath, &unique)

	switch {
	case err == sql.ErrNoRows:
		kind := "INDEX"
		if idx.Unique {
			kind = "UNIQUE INDEX"
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)",
			kind, indexName(collection, idx.Name), tableName(collection), fieldExpr(idx.KeyPath),
		)); err != nil {
			return fmt.Errorf("failed to create index %s on %s: %w", idx.Name, collection, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_indexes (collection, name, key_path, is_unique) VALUES (?, ?, ?, ?)`,
			collection, idx.Name, idx.KeyPath, idx.Unique,
		); err != nil {
			return fmt.Errorf("failed to record index %s on %s: %w", idx.Name, collection, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to inspect index %s on %s: %w", idx.Name, collection, err)
	case keyPath != idx.KeyPath || unique != idx.Unique:
		return fmt.Errorf("%w: index %s on %s already covers %q (unique=%t)",
			ErrSchema, idx.Name, collection, keyPath, unique)
	}
	return nil
}
