package vector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/veridoc/veridoc-ops/internal/dao/dbutil"
	"github.com/veridoc/veridoc-ops/internal/store"
)

const (
	scrollPageSize  = 256
	upsertBatchSize = 128
)

type Adapter struct {
	client *Client
}

func NewAdapter(client *Client) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Kind() store.Kind { return store.KindVector }

// Capture exports every collection: schema.json with the vector params and
// points.jsonl with all points, scrolled in stable order.
func (a *Adapter) Capture(ctx context.Context, stageDir string) (*store.Snapshot, error) {
	names, err := a.client.ListCollections(ctx)
	if err != nil {
		return nil, dbutil.ErrWrap("vector.capture.list", err)
	}
	sort.Strings(names)
	snap := &store.Snapshot{Kind: store.KindVector, Detail: map[string]int64{}}
	for _, name := range names {
		n, err := a.captureCollection(ctx, name, filepath.Join(stageDir, name))
		if err != nil {
			return nil, err
		}
		snap.Detail[name] = n
		snap.Records += n
		snap.Groups++
	}
	return snap, nil
}

func (a *Adapter) captureCollection(ctx context.Context, name, dir string) (int64, error) {
	params, _, err := a.client.CollectionInfo(ctx, name)
	if err != nil {
		return 0, dbutil.ErrWrap("vector.capture.info", err, dbutil.ParamSummary("collection", name))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(filepath.Join(dir, "schema.json"), params, 0o644); err != nil {
		return 0, err
	}
	f, err := os.Create(filepath.Join(dir, "points.jsonl"))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	var n int64
	var offset any
	for {
		points, next, err := a.client.Scroll(ctx, name, offset, scrollPageSize)
		if err != nil {
			return 0, dbutil.ErrWrap("vector.capture.scroll", err, dbutil.ParamSummary("collection", name))
		}
		for _, p := range points {
			b, err := json.Marshal(p)
			if err != nil {
				return 0, err
			}
			if _, err := w.Write(b); err != nil {
				return 0, err
			}
			if err := w.WriteByte('\n'); err != nil {
				return 0, err
			}
			n++
		}
		if next == nil || len(points) == 0 {
			break
		}
		offset = next
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	return n, f.Sync()
}

// Apply makes the store match the payload exactly: live collections absent
// from the payload are deleted, every payload collection is recreated and
// loaded, and the resulting point count is checked against the snapshot's
// declared count. A missing payload directory means the snapshot captured
// an empty store, so everything live is removed.
func (a *Adapter) Apply(ctx context.Context, payloadDir string, snap *store.Snapshot) error {
	entries, err := os.ReadDir(payloadDir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	inPayload := map[string]bool{}
	for _, e := range entries {
		if e.IsDir() {
			inPayload[e.Name()] = true
		}
	}

	live, err := a.client.ListCollections(ctx)
	if err != nil {
		return dbutil.ErrWrap("vector.apply.list", err)
	}
	for _, name := range live {
		if inPayload[name] {
			continue
		}
		if err := a.client.DeleteCollection(ctx, name); err != nil {
			return dbutil.ErrWrap("vector.apply.drop", err, dbutil.ParamSummary("collection", name))
		}
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		want := int64(-1)
		if snap != nil {
			if v, ok := snap.Detail[name]; ok {
				want = v
			}
		}
		if err := a.applyCollection(ctx, name, filepath.Join(payloadDir, name), want); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) applyCollection(ctx context.Context, name, dir string, want int64) error {
	params, err := os.ReadFile(filepath.Join(dir, "schema.json"))
	if err != nil {
		return err
	}
	if err := a.client.DeleteCollection(ctx, name); err != nil {
		return dbutil.ErrWrap("vector.apply.delete", err, dbutil.ParamSummary("collection", name))
	}
	if err := a.client.CreateCollection(ctx, name, params); err != nil {
		return dbutil.ErrWrap("vector.apply.create", err, dbutil.ParamSummary("collection", name))
	}

	f, err := os.Open(filepath.Join(dir, "points.jsonl"))
	if err != nil {
		return err
	}
	defer f.Close()

	var batch []Point
	var loaded int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var p Point
		if err := json.Unmarshal(raw, &p); err != nil {
			return dbutil.ErrWrap("vector.apply.decode", err, dbutil.ParamSummary("collection", name))
		}
		batch = append(batch, p)
		loaded++
		if len(batch) >= upsertBatchSize {
			if err := a.client.Upsert(ctx, name, batch); err != nil {
				return dbutil.ErrWrap("vector.apply.upsert", err, dbutil.ParamSummary("collection", name))
			}
			batch = batch[:0]
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		if err := a.client.Upsert(ctx, name, batch); err != nil {
			return dbutil.ErrWrap("vector.apply.upsert", err, dbutil.ParamSummary("collection", name))
		}
	}

	got, err := a.client.Count(ctx, name)
	if err != nil {
		return dbutil.ErrWrap("vector.apply.count", err, dbutil.ParamSummary("collection", name))
	}
	expected := want
	if expected < 0 {
		expected = loaded
	}
	if got != expected {
		return dbutil.ErrWrap("vector.apply",
			fmt.Errorf("%w: collection %s has %d points after load, snapshot declares %d",
				store.ErrCollectionCorrupt, name, got, expected))
	}
	return nil
}

// Purge deletes every collection.
func (a *Adapter) Purge(ctx context.Context) error {
	names, err := a.client.ListCollections(ctx)
	if err != nil {
		return dbutil.ErrWrap("vector.purge.list", err)
	}
	for _, name := range names {
		if err := a.client.DeleteCollection(ctx, name); err != nil {
			return dbutil.ErrWrap("vector.purge.delete", err, dbutil.ParamSummary("collection", name))
		}
	}
	return nil
}

// Plan reports what a purge would delete per collection.
func (a *Adapter) Plan(ctx context.Context) ([]store.PlannedAction, error) {
	names, err := a.client.ListCollections(ctx)
	if err != nil {
		return nil, dbutil.ErrWrap("vector.plan", err)
	}
	sort.Strings(names)
	var out []store.PlannedAction
	for _, name := range names {
		n, err := a.client.Count(ctx, name)
		if err != nil {
			return nil, dbutil.ErrWrap("vector.plan.count", err, dbutil.ParamSummary("collection", name))
		}
		out = append(out, store.PlannedAction{
			Kind: store.KindVector, Container: name, Action: "purge", Records: n,
		})
	}
	return out, nil
}

// Verify probes reachability and collection/point counts.
func (a *Adapter) Verify(ctx context.Context) store.Health {
	h := store.Health{Kind: store.KindVector}
	names, err := a.client.ListCollections(ctx)
	if err != nil {
		h.Err = err.Error()
		return h
	}
	h.Reachable = true
	for _, name := range names {
		n, err := a.client.Count(ctx, name)
		if err != nil {
			h.Err = err.Error()
			return h
		}
		h.Records += n
		h.Groups++
	}
	return h
}

// Counts returns current per-collection point counts for the verifier.
func (a *Adapter) Counts(ctx context.Context) (map[string]int64, error) {
	names, err := a.client.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(names))
	for _, name := range names {
		n, err := a.client.Count(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, nil
}
