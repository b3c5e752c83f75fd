// Package store defines the event log store adapter (C1): the narrow
// interface every persistence backend implements, plus the sentinel errors
// that carry optimistic-concurrency and not-found signals up through
// trial/attribute, trial, evc and worker.
package store

import (
	"context"
	"errors"
	"io"
)

// ErrDuplicateKey is returned by Insert and ReadAndWrite when the document
// would violate a unique index. It is the sole mechanism the rest of the
// module relies on for optimistic concurrency: no in-process or distributed
// locks coordinate trial reservation, sequence allocation, or branching.
var ErrDuplicateKey = errors.New("store: duplicate key")

// ErrNotFound is returned by ReadAndWrite when no document matches the
// query. Read and ReadFile return an empty result instead.
var ErrNotFound = errors.New("store: not found")

// Document is a single stored record. Backends marshal it to their native
// representation (a bson.M for the mongo backend, a shallow copy for the
// in-memory backend).
type Document map[string]any

// Query selects documents by exact-match and operator fields. Backends that
// speak Mongo's query language (store/mongo) pass it through as a filter
// almost unchanged; store/memory interprets the same operators directly.
//
// Supported value forms for a field:
//   - a scalar: exact match
//   - Query{"$gt": v}: greater-than
//   - Query{"$in": []any{...}}: set membership (used for status filters)
//   - Query{"$all": []any{...}}: the field, itself a slice, must contain all
//     of the given values (used for tag filters)
type Query map[string]any

// ReadOptions controls sort order, pagination and projection of a Read call.
type ReadOptions struct {
	Sort      []string // field names, prefix "-" for descending
	Limit     int      // 0 means unlimited
	Project   []string // field names to include; empty means all fields
}

// ReadOption mutates a ReadOptions.
type ReadOption func(*ReadOptions)

// WithSort orders results by the given fields, each optionally prefixed with
// "-" for descending order.
func WithSort(fields ...string) ReadOption {
	return func(o *ReadOptions) { o.Sort = fields }
}

// WithLimit caps the number of documents returned.
func WithLimit(n int) ReadOption {
	return func(o *ReadOptions) { o.Limit = n }
}

// WithProject restricts which fields are populated on returned documents.
func WithProject(fields ...string) ReadOption {
	return func(o *ReadOptions) { o.Project = fields }
}

// FileHandle exposes a stored blob for chunked reading, mirroring the
// GridFS-style file store spec.md §4.1 requires of C1.
type FileHandle interface {
	// Metadata returns the document the blob was written with.
	Metadata() Document
	// Open returns a reader positioned at the start of the blob. Callers
	// must Close it. Reads proceed in the chunk size the backend was
	// configured with; callers wanting a specific chunk size should wrap
	// the reader themselves (see trial/attribute.File.Download).
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Store is the event log store adapter C1 describes: append-only inserts
// with duplicate-key detection, point reads, atomic read-and-write, and a
// GridFS-style blob store for file attributes. Every backend (store/memory,
// store/mongo) implements this interface identically from the caller's
// point of view; the only externally visible difference is durability.
type Store interface {
	// EnsureIndex declares an index on collection over keys, unique or not.
	// Backends call this during setup (see spec.md §6's schema table); it
	// is idempotent.
	EnsureIndex(ctx context.Context, collection string, keys []string, unique bool) error

	// Insert appends doc to collection. Returns ErrDuplicateKey if doc
	// violates a unique index declared via EnsureIndex.
	Insert(ctx context.Context, collection string, doc Document) error

	// Read returns every document in collection matching query, ordered and
	// limited per opts.
	Read(ctx context.Context, collection string, query Query, opts ...ReadOption) ([]Document, error)

	// ReadAndWrite atomically finds the single document matching query and
	// applies update to it, returning ErrNotFound if no document matches.
	// update's fields are merged into the matched document (a shallow
	// overlay, not a replacement) unless update itself violates a unique
	// index, in which case ErrDuplicateKey is returned and the stored
	// document is left unchanged.
	ReadAndWrite(ctx context.Context, collection string, query Query, update Document) error

	// WriteFile stores blob's content under collection, alongside metadata,
	// and returns the backend-assigned file id.
	WriteFile(ctx context.Context, collection string, blob io.Reader, metadata Document) (string, error)

	// ReadFile returns handles for every blob in collection whose metadata
	// matches query.
	ReadFile(ctx context.Context, collection string, query Query) ([]FileHandle, error)
}
