package relational

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veridoc/veridoc-ops/internal/dao/dbutil"
	"github.com/veridoc/veridoc-ops/internal/store"
)

// fkEdge records that table From references table To through a foreign key.
type fkEdge struct {
	From string
	To   string
}

func fetchLiveTables(ctx context.Context, db *pgxpool.Pool) ([]string, error) {
	rows, err := db.Query(ctx, `SELECT table_name FROM information_schema.tables
        WHERE table_schema='public' AND table_type='BASE TABLE'
        ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func fetchForeignKeys(ctx context.Context, db *pgxpool.Pool) ([]fkEdge, error) {
	q := `SELECT DISTINCT tc.table_name, ccu.table_name
          FROM information_schema.table_constraints tc
          JOIN information_schema.constraint_column_usage ccu
            ON tc.constraint_name = ccu.constraint_name
           AND tc.table_schema = ccu.table_schema
          WHERE tc.constraint_type = 'FOREIGN KEY'
            AND tc.table_schema = 'public'`
	rows, err := db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fkEdge
	for rows.Next() {
		var e fkEdge
		if err := rows.Scan(&e.From, &e.To); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// validateOrder checks the declared load order against the live table set
// and FK graph. Every live non-excluded table must be declared, every
// declared table must exist, and for every foreign key the referenced table
// must come before the referencing one in load order.
func validateOrder(declared []Entity, live []string, edges []fkEdge, excluded map[string]bool) error {
	pos := make(map[string]int, len(declared))
	for i, e := range declared {
		pos[e.Table] = i
	}
	liveSet := make(map[string]bool, len(live))
	for _, t := range live {
		liveSet[t] = true
	}

	var unlisted []string
	for _, t := range live {
		if excluded[t] {
			continue
		}
		if _, ok := pos[t]; !ok {
			unlisted = append(unlisted, t)
		}
	}
	if len(unlisted) > 0 {
		sort.Strings(unlisted)
		return dbutil.ErrWrap("relational.validate_order",
			fmt.Errorf("%w: live tables not in dependency order: %v", store.ErrSchemaMismatch, unlisted))
	}
	for _, e := range declared {
		if !liveSet[e.Table] {
			return dbutil.ErrWrap("relational.validate_order",
				fmt.Errorf("%w: declared table %q absent from live schema", store.ErrSchemaMismatch, e.Table))
		}
	}
	for _, edge := range edges {
		if edge.From == edge.To {
			continue // self-reference, any order works
		}
		fi, fok := pos[edge.From]
		ti, tok := pos[edge.To]
		if !fok || !tok {
			continue // excluded tables carry no ordering obligation
		}
		if ti > fi {
			return dbutil.ErrWrap("relational.validate_order",
				fmt.Errorf("%w: %s references %s but is ordered before it", store.ErrSchemaMismatch, edge.From, edge.To))
		}
	}
	return nil
}

// ValidateAgainstSchema re-derives the FK graph from the live store and
// fails fast with ErrSchemaMismatch when the hand-maintained order no
// longer matches it. Called before any destructive relational operation.
func (a *Adapter) ValidateAgainstSchema(ctx context.Context) error {
	live, err := fetchLiveTables(ctx, a.db)
	if err != nil {
		return a.mapErr("relational.fetch_tables", err)
	}
	edges, err := fetchForeignKeys(ctx, a.db)
	if err != nil {
		return a.mapErr("relational.fetch_fks", err)
	}
	return validateOrder(a.entities, live, edges, a.excluded)
}
