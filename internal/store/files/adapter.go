// Package files implements the store adapter for the filesystem trees the
// application owns: uploaded artifacts and generated files. Applies are
// staged fully next to the live tree and made visible with a single atomic
// rename, so a half-written tree is never observable.
package files

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/veridoc/veridoc-ops/internal/dao/dbutil"
	"github.com/veridoc/veridoc-ops/internal/store"
)

// Tree is one managed filesystem tree.
type Tree struct {
	Name string // payload subdirectory name, e.g. "uploads"
	Path string // live directory
}

type Adapter struct {
	trees []Tree
}

// NewAdapter manages the given trees. Trees with an empty path are skipped
// (e.g. a deployment without a generated-artifacts directory).
func NewAdapter(trees ...Tree) *Adapter {
	var kept []Tree
	for _, tr := range trees {
		if tr.Path != "" {
			kept = append(kept, tr)
		}
	}
	return &Adapter{trees: kept}
}

func (a *Adapter) Kind() store.Kind { return store.KindFiles }

// Capture copies each live tree verbatim under stageDir/<name>.
func (a *Adapter) Capture(ctx context.Context, stageDir string) (*store.Snapshot, error) {
	snap := &store.Snapshot{Kind: store.KindFiles, Detail: map[string]int64{}}
	for _, tr := range a.trees {
		n, err := copyTree(ctx, tr.Path, filepath.Join(stageDir, tr.Name))
		if err != nil {
			return nil, dbutil.ErrWrap("files.capture", err, dbutil.ParamSummary("tree", tr.Name))
		}
		snap.Detail[tr.Name] = n
		snap.Records += n
		snap.Groups++
	}
	return snap, nil
}

// Apply replaces each live tree with the payload copy. The new tree is
// fully staged as a sibling first, then swapped in with os.Rename; the old
// tree is kept until the swap succeeded, then removed.
func (a *Adapter) Apply(ctx context.Context, payloadDir string, snap *store.Snapshot) error {
	for _, tr := range a.trees {
		src := filepath.Join(payloadDir, tr.Name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue // tree absent from the snapshot
		}
		staged := tr.Path + ".staging"
		if err := os.RemoveAll(staged); err != nil {
			return dbutil.ErrWrap("files.apply.clean_staging", err, dbutil.ParamSummary("tree", tr.Name))
		}
		if _, err := copyTree(ctx, src, staged); err != nil {
			_ = os.RemoveAll(staged)
			return dbutil.ErrWrap("files.apply.stage", err, dbutil.ParamSummary("tree", tr.Name))
		}
		if err := swapTree(staged, tr.Path); err != nil {
			_ = os.RemoveAll(staged)
			return dbutil.ErrWrap("files.apply.swap", err, dbutil.ParamSummary("tree", tr.Name))
		}
	}
	return nil
}

// Purge swaps each live tree for an empty one through the same atomic
// rename path as Apply.
func (a *Adapter) Purge(ctx context.Context) error {
	for _, tr := range a.trees {
		staged := tr.Path + ".staging"
		if err := os.RemoveAll(staged); err != nil {
			return dbutil.ErrWrap("files.purge.clean_staging", err, dbutil.ParamSummary("tree", tr.Name))
		}
		if err := os.MkdirAll(staged, 0o755); err != nil {
			return dbutil.ErrWrap("files.purge.stage", err, dbutil.ParamSummary("tree", tr.Name))
		}
		if err := swapTree(staged, tr.Path); err != nil {
			_ = os.RemoveAll(staged)
			return dbutil.ErrWrap("files.purge.swap", err, dbutil.ParamSummary("tree", tr.Name))
		}
	}
	return nil
}

// swapTree atomically replaces live with staged. The previous live tree is
// parked as live+".old" for the duration of the rename, then removed.
func swapTree(staged, live string) error {
	old := live + ".old"
	if err := os.RemoveAll(old); err != nil {
		return err
	}
	if _, err := os.Stat(live); err == nil {
		if err := os.Rename(live, old); err != nil {
			return err
		}
	}
	if err := os.Rename(staged, live); err != nil {
		// roll the old tree back so the live path is never missing
		if _, statErr := os.Stat(old); statErr == nil {
			_ = os.Rename(old, live)
		}
		return err
	}
	return os.RemoveAll(old)
}

// Plan reports what a purge would remove per tree.
func (a *Adapter) Plan(ctx context.Context) ([]store.PlannedAction, error) {
	var out []store.PlannedAction
	for _, tr := range a.trees {
		n, err := countTree(tr.Path)
		if err != nil {
			return nil, dbutil.ErrWrap("files.plan", err, dbutil.ParamSummary("tree", tr.Name))
		}
		out = append(out, store.PlannedAction{
			Kind: store.KindFiles, Container: tr.Name, Action: "purge", Records: n,
		})
	}
	return out, nil
}

// Verify checks that every managed tree exists and counts its files.
func (a *Adapter) Verify(ctx context.Context) store.Health {
	h := store.Health{Kind: store.KindFiles, Reachable: true}
	for _, tr := range a.trees {
		info, err := os.Stat(tr.Path)
		if err != nil || !info.IsDir() {
			h.Reachable = false
			h.Err = fmt.Sprintf("tree %s missing at %s", tr.Name, tr.Path)
			return h
		}
		n, err := countTree(tr.Path)
		if err != nil {
			h.Err = err.Error()
			return h
		}
		h.Records += n
		h.Groups++
	}
	return h
}

// Counts returns per-tree file counts for the verifier.
func (a *Adapter) Counts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(a.trees))
	for _, tr := range a.trees {
		n, err := countTree(tr.Path)
		if err != nil {
			return nil, err
		}
		out[tr.Name] = n
	}
	return out, nil
}

// copyTree copies src into dst (created fresh) and returns the number of
// regular files copied. A missing src counts as an empty tree. Walk order
// is sorted, keeping captures deterministic.
func copyTree(ctx context.Context, src, dst string) (int64, error) {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return 0, err
	}
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return 0, nil
	}
	var n int64
	err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil // sockets, symlinks etc. are not application data
		}
		if err := copyFile(path, target); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// countTree counts regular files under root; missing root counts zero.
func countTree(root string) (int64, error) {
	var n int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipAll
			}
			return err
		}
		if d.Type().IsRegular() {
			n++
		}
		return nil
	})
	return n, err
}

// TreeNames lists the managed tree names in stable order.
func (a *Adapter) TreeNames() []string {
	var out []string
	for _, tr := range a.trees {
		out = append(out, tr.Name)
	}
	sort.Strings(out)
	return out
}
