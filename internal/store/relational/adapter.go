// Package relational implements the store adapter for the Postgres store:
// PK-ordered JSONL dumps per table, destructive reloads that purge in
// reverse dependency order, identity-sequence resets, and the
// preserved-row capture that lets a reset keep administrator accounts.
package relational

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veridoc/veridoc-ops/internal/dao/dbutil"
	"github.com/veridoc/veridoc-ops/internal/store"
)

type Adapter struct {
	db       *pgxpool.Pool
	entities []Entity
	excluded map[string]bool
}

func New(db *pgxpool.Pool) *Adapter {
	return &Adapter{db: db, entities: LoadOrder(), excluded: ExcludedTables()}
}

func (a *Adapter) Kind() store.Kind { return store.KindRelational }

// mapErr translates pgx failures into the store error taxonomy.
func (a *Adapter) mapErr(op string, err error, parts ...string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23503": // foreign_key_violation
			err = fmt.Errorf("%w: %s", store.ErrConstraintViolation, pgErr.Message)
		case pgErr.Code == "42P01": // undefined_table
			err = fmt.Errorf("%w: %s", store.ErrSchemaMismatch, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception
			err = fmt.Errorf("%w: %s", store.ErrStoreUnavailable, pgErr.Message)
		}
	} else if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	return dbutil.ErrWrap(op, err, parts...)
}

// Capture dumps every table as a PK-ordered JSONL file under stageDir.
// Read-only with respect to the live store; deterministic row order keeps
// back-to-back captures byte-identical when nothing changed.
func (a *Adapter) Capture(ctx context.Context, stageDir string) (*store.Snapshot, error) {
	if err := a.ValidateAgainstSchema(ctx); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, err
	}
	snap := &store.Snapshot{Kind: store.KindRelational, Detail: map[string]int64{}}
	for _, e := range a.entities {
		n, err := a.dumpTable(ctx, e, filepath.Join(stageDir, e.Table+".jsonl"))
		if err != nil {
			return nil, err
		}
		snap.Detail[e.Table] = n
		snap.Records += n
		snap.Groups++
	}
	return snap, nil
}

func (a *Adapter) dumpTable(ctx context.Context, e Entity, path string) (int64, error) {
	order := make([]string, 0, len(e.PKColumns))
	for _, k := range e.PKColumns {
		order = append(order, "t."+pgx.Identifier{k}.Sanitize())
	}
	q := fmt.Sprintf("SELECT to_jsonb(t) FROM %s AS t ORDER BY %s",
		pgx.Identifier{"public", e.Table}.Sanitize(), strings.Join(order, ", "))
	rows, err := a.db.Query(ctx, q)
	if err != nil {
		return 0, a.mapErr("relational.dump", err, dbutil.ParamSummary("table", e.Table))
	}
	defer rows.Close()

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	var n int64
	for rows.Next() {
		var rec []byte
		if err := rows.Scan(&rec); err != nil {
			return 0, a.mapErr("relational.dump.scan", err, dbutil.ParamSummary("table", e.Table))
		}
		if _, err := w.Write(rec); err != nil {
			return 0, err
		}
		if err := w.WriteByte('\n'); err != nil {
			return 0, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, a.mapErr("relational.dump", err, dbutil.ParamSummary("table", e.Table))
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	return n, f.Sync()
}

// Apply destructively replaces live relational state from a payload
// directory: purge in reverse dependency order, reload forward, then reset
// identity sequences to one past the maximum restored key.
func (a *Adapter) Apply(ctx context.Context, payloadDir string, snap *store.Snapshot) error {
	if err := a.ValidateAgainstSchema(ctx); err != nil {
		return err
	}
	if err := a.Purge(ctx); err != nil {
		return err
	}
	for _, e := range a.entities {
		if err := a.loadTable(ctx, e, filepath.Join(payloadDir, e.Table+".jsonl")); err != nil {
			return err
		}
	}
	return a.resetSequences(ctx)
}

func (a *Adapter) loadTable(ctx context.Context, e Entity, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Table absent from the snapshot: nothing to load.
			return nil
		}
		return err
	}
	defer f.Close()

	cols, err := a.fetchTableColumns(ctx, e.Table)
	if err != nil {
		return err
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			return dbutil.ErrWrap("relational.load.decode", err,
				dbutil.ParamSummary("table", e.Table), dbutil.ParamSummary("line", line))
		}
		if err := a.insertRow(ctx, e.Table, cols, rec); err != nil {
			return err
		}
	}
	return sc.Err()
}

// insertRow binds only the columns present in both the record and the live
// table, with explicit jsonb casts where needed.
func (a *Adapter) insertRow(ctx context.Context, table string, cols []column, rec map[string]any) error {
	var names, placeholders []string
	var args []any
	argn := 1
	for _, c := range cols {
		v, ok := rec[c.Name]
		if !ok {
			continue
		}
		names = append(names, pgx.Identifier{c.Name}.Sanitize())
		ph := fmt.Sprintf("$%d", argn)
		if strings.EqualFold(c.DataType, "jsonb") || strings.EqualFold(c.DataType, "json") {
			ph += "::" + strings.ToLower(c.DataType)
			switch v.(type) {
			case map[string]any, []any:
				b, _ := json.Marshal(v)
				v = string(b)
			}
		}
		placeholders = append(placeholders, ph)
		args = append(args, v)
		argn++
	}
	if len(names) == 0 {
		return nil
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{"public", table}.Sanitize(),
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "))
	if _, err := a.db.Exec(ctx, q, args...); err != nil {
		return a.mapErr("relational.load.insert", err, dbutil.ParamSummary("table", table))
	}
	return nil
}

type column struct {
	Name     string
	DataType string
}

func (a *Adapter) fetchTableColumns(ctx context.Context, table string) ([]column, error) {
	q := `SELECT column_name, data_type FROM information_schema.columns
          WHERE table_schema='public' AND table_name=$1
          ORDER BY ordinal_position`
	rows, err := a.db.Query(ctx, q, table)
	if err != nil {
		return nil, a.mapErr("relational.fetch_columns", err, dbutil.ParamSummary("table", table))
	}
	defer rows.Close()
	var out []column
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.Name, &c.DataType); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, dbutil.ErrWrap("relational.fetch_columns",
			fmt.Errorf("%w: table public.%s not found", store.ErrSchemaMismatch, table))
	}
	return out, nil
}

// Purge deletes all rows in reverse dependency order. Plain per-table
// DELETE, not TRUNCATE CASCADE: a foreign-key violation here means the
// dependency order is wrong and must surface as ErrConstraintViolation
// instead of being masked.
func (a *Adapter) Purge(ctx context.Context) error {
	for _, e := range PurgeOrder() {
		q := "DELETE FROM " + pgx.Identifier{"public", e.Table}.Sanitize()
		if _, err := a.db.Exec(ctx, q); err != nil {
			return a.mapErr("relational.purge", err, dbutil.ParamSummary("table", e.Table))
		}
	}
	return nil
}

// resetSequences moves each serial identity sequence to one past the
// maximum existing key, or to the initial value for an empty table.
func (a *Adapter) resetSequences(ctx context.Context) error {
	for _, e := range a.entities {
		if !e.SerialPK {
			continue
		}
		idf := pgx.Identifier{"public", e.Table}.Sanitize()
		pk := pgx.Identifier{e.PKColumns[0]}.Sanitize()
		q := fmt.Sprintf(
			"SELECT setval(pg_get_serial_sequence('public.%s', '%s'), COALESCE(MAX(%s), 0) + 1, false) FROM %s",
			e.Table, e.PKColumns[0], pk, idf)
		if _, err := a.db.Exec(ctx, q); err != nil {
			return a.mapErr("relational.reset_sequence", err, dbutil.ParamSummary("table", e.Table))
		}
	}
	return nil
}

// Plan reports, without executing, what a purge would delete per table.
func (a *Adapter) Plan(ctx context.Context) ([]store.PlannedAction, error) {
	var out []store.PlannedAction
	for _, e := range PurgeOrder() {
		n, err := a.countTable(ctx, e.Table)
		if err != nil {
			return nil, err
		}
		out = append(out, store.PlannedAction{
			Kind: store.KindRelational, Container: e.Table, Action: "purge", Records: n,
		})
	}
	return out, nil
}

func (a *Adapter) countTable(ctx context.Context, table string) (int64, error) {
	var n int64
	q := "SELECT COUNT(*) FROM " + pgx.Identifier{"public", table}.Sanitize()
	if err := a.db.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, a.mapErr("relational.count", err, dbutil.ParamSummary("table", table))
	}
	return n, nil
}

// Verify probes reachability and per-table row counts. Never mutates.
func (a *Adapter) Verify(ctx context.Context) store.Health {
	h := store.Health{Kind: store.KindRelational}
	if err := a.db.Ping(ctx); err != nil {
		h.Err = err.Error()
		return h
	}
	h.Reachable = true
	for _, e := range a.entities {
		n, err := a.countTable(ctx, e.Table)
		if err != nil {
			h.Err = err.Error()
			return h
		}
		h.Records += n
		h.Groups++
	}
	return h
}

// Counts returns current per-table row counts, used by the verifier to
// check purge completeness and restore fidelity.
func (a *Adapter) Counts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(a.entities))
	for _, e := range a.entities {
		n, err := a.countTable(ctx, e.Table)
		if err != nil {
			return nil, err
		}
		out[e.Table] = n
	}
	return out, nil
}
