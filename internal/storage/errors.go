package storage

import "errors"

var (
	// ErrNotFound is returned when a keyed lookup has no record.
	ErrNotFound = errors.New("record not found")
	// ErrConstraint is returned when an Add collides with an existing key.
	ErrConstraint = errors.New("key already exists")
	// ErrReadOnly is returned for writes issued in a ReadOnly transaction.
	ErrReadOnly = errors.New("transaction is read-only")
	// ErrUnknownCollection is returned for a collection the schema does not declare.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrVersion is returned when the requested schema version is lower than the stored one.
	ErrVersion = errors.New("requested version is lower than the stored version")
	// ErrSchema is returned when a declared schema cannot be applied additively.
	ErrSchema = errors.New("invalid schema")
	// ErrInvalidKey is returned when a key cannot be used with a collection's keying policy.
	ErrInvalidKey = errors.New("invalid key")
)

// ErrClosed is returned by a Handle after Close.
var ErrClosed = errors.New("store is closed")
