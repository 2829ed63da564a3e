// Package store defines the adapter contract shared by the relational,
// vector, files, and settings stores, plus the error taxonomy adapters
// report through. Coordinators in internal/ops only ever touch stores
// through this contract; they never understand the data itself.
package store

import (
	"context"
	"errors"
)

// Kind identifies one of the heterogeneous persistence backends. The string
// values double as payload directory names inside an archive.
type Kind string

const (
	KindRelational Kind = "relational"
	KindVector     Kind = "vectors"
	KindFiles      Kind = "files"
	KindSettings   Kind = "config"
)

// AllKinds lists every store kind in the fixed apply order used by restore:
// files first, then relational, then vectors, then settings, minimizing the
// window where relational rows reference files or vectors that do not exist.
func AllKinds() []Kind {
	return []Kind{KindFiles, KindRelational, KindVector, KindSettings}
}

// ParseKind maps a user-supplied name to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindRelational, KindVector, KindFiles, KindSettings:
		return Kind(s), true
	}
	return "", false
}

// Sentinel errors reported by adapters. Coordinators match with errors.Is.
var (
	// ErrStoreUnavailable means the store cannot be reached (including
	// timeouts). Retryable with backoff during capture, never during apply.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSchemaMismatch means the live relational schema does not agree with
	// the declared entity list or dependency order. Fail fast, never retry.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrConstraintViolation means an apply or purge violated a referential
	// constraint, i.e. the dependency order is wrong. Surfaced prominently,
	// never retried.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrCollectionCorrupt means a vector collection's point count after
	// load does not match the snapshot's declared count.
	ErrCollectionCorrupt = errors.New("vector collection corrupt")
)

// Snapshot describes one captured store payload. The payload bytes live
// under a staging directory; the Snapshot only carries shape.
type Snapshot struct {
	Kind Kind `json:"kind"`
	// Records counts logical records: relational rows, vector points,
	// files, or settings keys.
	Records int64 `json:"records"`
	// Groups counts containers: tables, collections, trees, or documents.
	Groups int64 `json:"groups"`
	// Detail holds per-container record counts (table name -> rows,
	// collection name -> points, ...).
	Detail map[string]int64 `json:"detail,omitempty"`
}

// PlannedAction is one row of a dry-run report: what an apply or purge
// would do to one container, without doing it.
type PlannedAction struct {
	Kind      Kind   `json:"kind"`
	Container string `json:"container"` // table, collection, or tree
	Action    string `json:"action"`    // e.g. "purge", "replace"
	Records   int64  `json:"records"`
}

// Health is the result of a single adapter verification probe.
type Health struct {
	Kind      Kind   `json:"kind"`
	Reachable bool   `json:"reachable"`
	Records   int64  `json:"records"`
	Groups    int64  `json:"groups"`
	Err       string `json:"error,omitempty"`
}

// Adapter is the per-store capture/apply contract.
//
// Capture writes the store's payload under stageDir and is read-only with
// respect to the live store. Apply destructively replaces live state from a
// payload directory; it assumes the caller validated the archive first.
// Purge empties the store. Plan reports what Apply or Purge would touch.
// Verify probes health and counts; it never mutates anything.
type Adapter interface {
	Kind() Kind
	Capture(ctx context.Context, stageDir string) (*Snapshot, error)
	Apply(ctx context.Context, payloadDir string, snap *Snapshot) error
	Purge(ctx context.Context) error
	Plan(ctx context.Context) ([]PlannedAction, error)
	Verify(ctx context.Context) Health
}
