package relational

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/veridoc/veridoc-ops/internal/dao/dbutil"
)

// PreserveSpec names a small set of identity-critical rows that must
// survive a reset unchanged. The Where clause is a fixed, hand-maintained
// predicate, never user input.
type PreserveSpec struct {
	Name      string // spec name used on the CLI, e.g. "admins"
	Table     string
	KeyColumn string // unique identity column, e.g. "email"
	Where     string // boolean SQL predicate over the table's columns
}

// PreservedRow is one captured row: its identity key plus the full record
// as canonical JSON, byte-comparable after the purge.
type PreservedRow struct {
	Key    string
	Record json.RawMessage
}

// KnownPreserveSpecs maps CLI spec names to their definitions.
func KnownPreserveSpecs() map[string]PreserveSpec {
	return map[string]PreserveSpec{
		"admins": {Name: "admins", Table: "users", KeyColumn: "email", Where: "is_admin"},
	}
}

// CapturePreserved snapshots the rows matching the spec before any
// destructive step begins.
func (a *Adapter) CapturePreserved(ctx context.Context, spec PreserveSpec) ([]PreservedRow, error) {
	key := pgx.Identifier{spec.KeyColumn}.Sanitize()
	q := fmt.Sprintf("SELECT t.%s::text, to_jsonb(t) FROM %s AS t WHERE %s ORDER BY t.%s",
		key, pgx.Identifier{"public", spec.Table}.Sanitize(), spec.Where, key)
	rows, err := a.db.Query(ctx, q)
	if err != nil {
		return nil, a.mapErr("relational.preserve.capture", err, dbutil.ParamSummary("table", spec.Table))
	}
	defer rows.Close()
	var out []PreservedRow
	for rows.Next() {
		var r PreservedRow
		var rec []byte
		if err := rows.Scan(&r.Key, &rec); err != nil {
			return nil, a.mapErr("relational.preserve.capture.scan", err, dbutil.ParamSummary("table", spec.Table))
		}
		canon, err := canonicalJSON(rec)
		if err != nil {
			return nil, err
		}
		r.Record = canon
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReapplyPreserved inserts the captured rows into the now-empty table,
// content identical to what was captured.
func (a *Adapter) ReapplyPreserved(ctx context.Context, spec PreserveSpec, preserved []PreservedRow) error {
	cols, err := a.fetchTableColumns(ctx, spec.Table)
	if err != nil {
		return err
	}
	for _, r := range preserved {
		var rec map[string]any
		if err := json.Unmarshal(r.Record, &rec); err != nil {
			return dbutil.ErrWrap("relational.preserve.decode", err, dbutil.ParamSummary("key", r.Key))
		}
		if err := a.insertRow(ctx, spec.Table, cols, rec); err != nil {
			return err
		}
	}
	return nil
}

// VerifyPreserved re-reads the rows matching the spec and compares them
// byte-for-byte (canonical JSON) against the captured set. Returns the
// keys that are missing or altered; an empty slice means the preservation
// invariant held.
func (a *Adapter) VerifyPreserved(ctx context.Context, spec PreserveSpec, preserved []PreservedRow) ([]string, error) {
	current, err := a.CapturePreserved(ctx, spec)
	if err != nil {
		return nil, err
	}
	got := make(map[string]json.RawMessage, len(current))
	for _, r := range current {
		got[r.Key] = r.Record
	}
	var bad []string
	for _, want := range preserved {
		cur, ok := got[want.Key]
		if !ok || string(cur) != string(want.Record) {
			bad = append(bad, want.Key)
		}
	}
	return bad, nil
}

// canonicalJSON re-encodes a JSON document with sorted object keys so two
// dumps of the same row compare equal byte-for-byte.
func canonicalJSON(b []byte) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}
