package ops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/veridoc/veridoc-ops/internal/archive"
	"github.com/veridoc/veridoc-ops/internal/logging"
	"github.com/veridoc/veridoc-ops/internal/store"
)

// RestoreOptions tune one restore run.
type RestoreOptions struct {
	ArchivePath string
	// Only limits the restore to a subset of store kinds. Every named kind
	// must be present in the archive's manifest.
	Only []store.Kind
	// DryRun reports what each adapter would purge and replace, touching
	// nothing and taking no lock.
	DryRun bool
	// Confirmed must be set by the caller after the interactive prompt or
	// an explicit automation flag. Unset aborts with ErrNotConfirmed.
	Confirmed bool
	// SkipQuiesce proceeds even when the application cannot be paused,
	// for deployments where the app is already stopped. Without it a
	// failed pause aborts before anything destructive runs.
	SkipQuiesce bool
}

// Restore replaces live store state from a validated archive. Stores are
// applied strictly in order (files, relational, vectors, settings); a
// failed store is recorded and the remaining stores still run, so a
// partial restore is visible per store rather than silently abandoned.
type Restore struct {
	stores       Set
	lockDir      string
	quiescer     Quiescer
	storeTimeout time.Duration
	now          func() time.Time
}

func NewRestore(stores Set, lockDir string, quiescer Quiescer, storeTimeout time.Duration) *Restore {
	return &Restore{
		stores:       stores,
		lockDir:      lockDir,
		quiescer:     quiescer,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

func (r *Restore) Run(ctx context.Context, opts RestoreOptions) (*Report, error) {
	rep := &Report{Operation: "restore", ArchivePath: opts.ArchivePath, StartedAt: r.now().UTC(), DryRun: opts.DryRun}
	defer func() { rep.FinishedAt = r.now().UTC() }()

	// unpack and fully validate before anything destructive can start
	bundle, err := os.MkdirTemp("", "veridoc-restore-*")
	if err != nil {
		return rep, err
	}
	defer os.RemoveAll(bundle)
	manifest, err := archive.Unpack(opts.ArchivePath, bundle)
	if err != nil {
		return rep, err
	}
	if err := archive.Validate(bundle, manifest); err != nil {
		return rep, err
	}
	rep.ArchiveID = manifest.ID

	kinds, err := r.selectKinds(manifest, opts.Only)
	if err != nil {
		return rep, err
	}

	if opts.DryRun {
		return r.plan(ctx, rep, kinds)
	}
	if !opts.Confirmed {
		return rep, ErrNotConfirmed
	}

	lock, err := AcquireLock(r.lockDir)
	if err != nil {
		return rep, err
	}
	defer lock.Release()

	if err := r.quiescer.Pause(ctx); err != nil {
		if !opts.SkipQuiesce {
			return rep, fmt.Errorf("quiesce application: %w", err)
		}
		logging.Warn().Err(err).Msg("application not quiesced, proceeding on operator override")
	}
	defer func() {
		if err := r.quiescer.Resume(context.WithoutCancel(ctx)); err != nil {
			logging.Warn().Err(err).Msg("could not resume application")
		}
	}()

	var failures []error
	for _, kind := range kinds {
		adapter := r.stores[kind]
		snap := manifest.Snapshot(kind)
		started := r.now()
		cctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
		err := adapter.Apply(cctx, bundlePayload(bundle, kind), snap)
		cancel()
		res := StoreResult{Kind: kind, Action: "applied", Records: snap.Records, Elapsed: r.now().Sub(started)}
		if err != nil {
			res.Action = "failed"
			res.Err = err.Error()
			failures = append(failures, fmt.Errorf("%s: %w", kind, err))
			logging.Error().Str("store", string(kind)).Err(err).Msg("restore failed for store")
		} else {
			logging.Info().Str("store", string(kind)).Int64("records", snap.Records).Msg("store restored")
		}
		rep.Stores = append(rep.Stores, res)
	}

	// a restore only succeeds once every applied store passes verification
	// against the manifest
	for i, kind := range kinds {
		h := r.stores[kind].Verify(ctx)
		rep.Health = append(rep.Health, h)
		if rep.Stores[i].Action == "failed" {
			continue
		}
		if err := r.checkRestored(ctx, kind, h, manifest.Snapshot(kind)); err != nil {
			rep.Stores[i].Action = "failed"
			rep.Stores[i].Err = err.Error()
			failures = append(failures, err)
			logging.Error().Str("store", string(kind)).Err(err).Msg("restored store failed verification")
		}
	}
	if len(failures) > 0 {
		return rep, errors.Join(failures...)
	}
	return rep, nil
}

// checkRestored compares one store's live state against what the archive
// declares. The total record count is always checked; per-container counts
// too when the adapter can report them.
func (r *Restore) checkRestored(ctx context.Context, kind store.Kind, h store.Health, snap *store.Snapshot) error {
	if !h.Reachable {
		return fmt.Errorf("%w: store %s unreachable: %s", ErrVerificationFailed, kind, h.Err)
	}
	if h.Records != snap.Records {
		return fmt.Errorf("%w: store %s holds %d records, archive declares %d",
			ErrVerificationFailed, kind, h.Records, snap.Records)
	}
	c, ok := r.stores[kind].(Counter)
	if !ok {
		return nil
	}
	counts, err := c.Counts(ctx)
	if err != nil {
		return fmt.Errorf("%w: store %s: %v", ErrVerificationFailed, kind, err)
	}
	for container, want := range snap.Detail {
		if got := counts[container]; got != want {
			return fmt.Errorf("%w: store %s container %s holds %d records, archive declares %d",
				ErrVerificationFailed, kind, container, got, want)
		}
	}
	return nil
}

// selectKinds resolves the Only subset against the manifest and the
// configured adapters, in apply order.
func (r *Restore) selectKinds(m *archive.Manifest, only []store.Kind) ([]store.Kind, error) {
	inArchive := map[store.Kind]bool{}
	for _, k := range m.Kinds() {
		inArchive[k] = true
	}
	wanted := map[store.Kind]bool{}
	for _, k := range only {
		if !inArchive[k] {
			return nil, fmt.Errorf("%w: store %s not present in archive", archive.ErrIncompleteSnapshot, k)
		}
		wanted[k] = true
	}
	var out []store.Kind
	for _, k := range store.AllKinds() {
		if !inArchive[k] {
			continue
		}
		if len(only) > 0 && !wanted[k] {
			continue
		}
		if _, ok := r.stores[k]; !ok {
			return nil, fmt.Errorf("no adapter configured for store %s", k)
		}
		out = append(out, k)
	}
	return out, nil
}

func (r *Restore) plan(ctx context.Context, rep *Report, kinds []store.Kind) (*Report, error) {
	for _, kind := range kinds {
		actions, err := r.stores[kind].Plan(ctx)
		if err != nil {
			return rep, err
		}
		rep.Planned = append(rep.Planned, actions...)
		rep.Stores = append(rep.Stores, StoreResult{Kind: kind, Action: "skipped"})
	}
	return rep, nil
}

func bundlePayload(bundle string, kind store.Kind) string {
	return filepath.Join(bundle, string(kind))
}
