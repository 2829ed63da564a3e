// Package ops holds the coordinators behind the backup, restore, reset,
// and verify commands. A coordinator sequences store adapters through the
// store.Adapter contract and produces a Report; it never interprets the
// payload data itself.
package ops

import (
	"context"
	"errors"
	"time"

	"github.com/veridoc/veridoc-ops/internal/store"
)

var (
	// ErrNotConfirmed means a destructive operation ran without its
	// confirmation gate satisfied. Nothing was touched.
	ErrNotConfirmed = errors.New("operation not confirmed")

	// ErrLocked means another veridoc-ops operation holds the exclusive
	// lock. Nothing was touched.
	ErrLocked = errors.New("another operation is in progress")

	// ErrPreservationLost means rows that a reset promised to preserve are
	// missing or altered afterwards. This is fatal and reported with the
	// affected keys; the operator must intervene.
	ErrPreservationLost = errors.New("preserved rows lost or altered")

	// ErrVerificationFailed means the post-operation check found live state
	// that does not match what the operation promised. The wrapped message
	// names the store and the divergence.
	ErrVerificationFailed = errors.New("post-operation verification failed")
)

// Counter is implemented by adapters that can report live per-container
// record counts, letting verification compare at finer grain than the
// Health totals.
type Counter interface {
	Counts(ctx context.Context) (map[string]int64, error)
}

// StoreResult records what happened to one store during an operation.
type StoreResult struct {
	Kind    store.Kind    `json:"kind"`
	Action  string        `json:"action"` // captured, applied, purged, skipped, failed
	Records int64         `json:"records"`
	Elapsed time.Duration `json:"elapsed"`
	Err     string        `json:"error,omitempty"`
}

// Report is the outcome of one coordinator run, rendered by the CLI as a
// table or JSON.
type Report struct {
	Operation   string                `json:"operation"`
	ArchivePath string                `json:"archive_path,omitempty"`
	ArchiveID   string                `json:"archive_id,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  time.Time             `json:"finished_at"`
	DryRun      bool                  `json:"dry_run,omitempty"`
	Stores      []StoreResult         `json:"stores"`
	Planned     []store.PlannedAction `json:"planned,omitempty"`
	Health      []store.Health        `json:"health,omitempty"`
}

// Ok reports whether every store finished without a failure.
func (r *Report) Ok() bool {
	for _, s := range r.Stores {
		if s.Action == "failed" {
			return false
		}
	}
	return true
}

// Set indexes adapters by kind and hands them out in the fixed apply order.
type Set map[store.Kind]store.Adapter

// NewSet builds a Set from adapters, last one wins per kind.
func NewSet(adapters ...store.Adapter) Set {
	s := Set{}
	for _, a := range adapters {
		if a != nil {
			s[a.Kind()] = a
		}
	}
	return s
}

// Ordered returns the adapters present, in apply order.
func (s Set) Ordered() []store.Adapter {
	var out []store.Adapter
	for _, k := range store.AllKinds() {
		if a, ok := s[k]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Kinds returns the kinds present, in apply order.
func (s Set) Kinds() []store.Kind {
	var out []store.Kind
	for _, k := range store.AllKinds() {
		if _, ok := s[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
