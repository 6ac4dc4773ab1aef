package storage

import (
	"context"
	"time"

	"reelforge/internal/faults"
)

var (
	// ErrNotFound is returned by Get, Mutate and Delete for a missing document.
	ErrNotFound = faults.ErrNotFound
	// ErrConflict is returned by Create when the id is taken.
	ErrConflict = faults.ErrConflict
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": in-process maps (nothing survives a restart)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Op is a filter comparison.
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpIn Op = "in"
)

// Filter restricts Query to documents whose top-level Field compares to Value.
// For OpIn, Value must be a []string.
type Filter struct {
	Field string
	Op    Op
	Value any
}

func Eq(field string, v any) Filter        { return Filter{Field: field, Op: OpEq, Value: v} }
func Ne(field string, v any) Filter        { return Filter{Field: field, Op: OpNe, Value: v} }
func In(field string, vs ...string) Filter { return Filter{Field: field, Op: OpIn, Value: vs} }

// Record is a raw document with its id.
type Record struct {
	ID   string
	Data []byte
}

// MutateFunc receives the current document and returns its replacement.
// Returning an error aborts the write and is passed through to the caller.
type MutateFunc func(cur []byte) ([]byte, error)

// Store is the persistence API used by the domain repositories.
type Store interface {
	// Create writes a new document and fails with ErrConflict if id exists.
	Create(ctx context.Context, coll, id string, data []byte) error
	Get(ctx context.Context, coll, id string) ([]byte, error)
	// Put writes the document, replacing any previous version.
	Put(ctx context.Context, coll, id string, data []byte) error
	// Mutate is an atomic read-modify-write of one existing document.
	Mutate(ctx context.Context, coll, id string, fn MutateFunc) error
	Delete(ctx context.Context, coll, id string) error
	// Query returns matching documents in insertion order.
	Query(ctx context.Context, coll string, filters ...Filter) ([]Record, error)
	Close() error
}
