package ops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/veridoc/veridoc-ops/internal/logging"
	"github.com/veridoc/veridoc-ops/internal/store"
	"github.com/veridoc/veridoc-ops/internal/store/relational"
)

// Preserver captures, reapplies, and verifies identity-critical rows
// around a reset. The relational adapter implements it.
type Preserver interface {
	CapturePreserved(ctx context.Context, spec relational.PreserveSpec) ([]relational.PreservedRow, error)
	ReapplyPreserved(ctx context.Context, spec relational.PreserveSpec, preserved []relational.PreservedRow) error
	VerifyPreserved(ctx context.Context, spec relational.PreserveSpec, preserved []relational.PreservedRow) ([]string, error)
}

// ResetOptions tune one reset run.
type ResetOptions struct {
	// Preserve names the row sets that must survive, e.g. "admins". Unknown
	// names abort before anything is touched.
	Preserve []string
	// DryRun reports what each store would purge, touching nothing.
	DryRun bool
	// Confirmed gates the destructive path, same as restore.
	Confirmed bool
	// SkipQuiesce proceeds even when the application cannot be paused,
	// same as restore.
	SkipQuiesce bool
}

// Reset purges the data stores back to a fresh install while keeping the
// preserved rows byte-identical. Settings are never touched by a reset.
// Purge order is the reverse of the restore apply order, so referential
// constraints cannot trip.
type Reset struct {
	stores       Set
	preserver    Preserver
	lockDir      string
	quiescer     Quiescer
	storeTimeout time.Duration
	now          func() time.Time
}

func NewReset(stores Set, preserver Preserver, lockDir string, quiescer Quiescer, storeTimeout time.Duration) *Reset {
	return &Reset{
		stores:       stores,
		preserver:    preserver,
		lockDir:      lockDir,
		quiescer:     quiescer,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// purgeKinds are the stores a reset empties, in purge order.
func (r *Reset) purgeKinds() []store.Kind {
	all := store.AllKinds()
	var out []store.Kind
	for i := len(all) - 1; i >= 0; i-- {
		k := all[i]
		if k == store.KindSettings {
			continue
		}
		if _, ok := r.stores[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (r *Reset) Run(ctx context.Context, opts ResetOptions) (*Report, error) {
	rep := &Report{Operation: "reset", StartedAt: r.now().UTC(), DryRun: opts.DryRun}
	defer func() { rep.FinishedAt = r.now().UTC() }()

	specs, err := resolvePreserveSpecs(opts.Preserve)
	if err != nil {
		return rep, err
	}

	if opts.DryRun {
		for _, kind := range r.purgeKinds() {
			actions, err := r.stores[kind].Plan(ctx)
			if err != nil {
				return rep, err
			}
			rep.Planned = append(rep.Planned, actions...)
			rep.Stores = append(rep.Stores, StoreResult{Kind: kind, Action: "skipped"})
		}
		return rep, nil
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

	// capture preserved rows before the first destructive step
	captured := map[string][]relational.PreservedRow{}
	for _, spec := range specs {
		rows, err := r.preserver.CapturePreserved(ctx, spec)
		if err != nil {
			return rep, err
		}
		captured[spec.Name] = rows
		logging.Info().Str("preserve", spec.Name).Int("rows", len(rows)).Msg("captured preserved rows")
	}

	relationalPurged := false
	for _, kind := range r.purgeKinds() {
		started := r.now()
		cctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
		err := r.stores[kind].Purge(cctx)
		cancel()
		res := StoreResult{Kind: kind, Action: "purged", Elapsed: r.now().Sub(started)}
		if err != nil {
			res.Action = "failed"
			res.Err = err.Error()
			rep.Stores = append(rep.Stores, res)
			// stop at the first purge failure; preserved rows only need
			// reapplying once their table was actually emptied
			if relationalPurged {
				if rerr := r.reapplyAndVerify(ctx, specs, captured); rerr != nil {
					return rep, rerr
				}
			}
			return rep, fmt.Errorf("purge %s: %w", kind, err)
		}
		if kind == store.KindRelational {
			relationalPurged = true
		}
		rep.Stores = append(rep.Stores, res)
	}

	if err := r.reapplyAndVerify(ctx, specs, captured); err != nil {
		return rep, err
	}

	// purge completeness is part of the contract: a purged store must be
	// empty, except the preserved rows back in their relational table
	preservedByTable := map[string]int64{}
	var preservedTotal int64
	for _, spec := range specs {
		n := int64(len(captured[spec.Name]))
		preservedByTable[spec.Table] += n
		preservedTotal += n
	}
	for i, kind := range r.purgeKinds() {
		h := r.stores[kind].Verify(ctx)
		rep.Health = append(rep.Health, h)
		if err := r.checkPurged(ctx, kind, h, preservedByTable, preservedTotal); err != nil {
			rep.Stores[i].Action = "failed"
			rep.Stores[i].Err = err.Error()
			return rep, err
		}
	}
	return rep, nil
}

// checkPurged confirms a purged store is actually empty, at container
// grain when the adapter can count per container.
func (r *Reset) checkPurged(ctx context.Context, kind store.Kind, h store.Health, preservedByTable map[string]int64, preservedTotal int64) error {
	if !h.Reachable {
		return fmt.Errorf("%w: store %s unreachable after purge: %s", ErrVerificationFailed, kind, h.Err)
	}
	if c, ok := r.stores[kind].(Counter); ok {
		counts, err := c.Counts(ctx)
		if err != nil {
			return fmt.Errorf("%w: store %s: %v", ErrVerificationFailed, kind, err)
		}
		for container, got := range counts {
			want := int64(0)
			if kind == store.KindRelational {
				want = preservedByTable[container]
			}
			if got != want {
				return fmt.Errorf("%w: store %s container %s holds %d records after purge, expected %d",
					ErrVerificationFailed, kind, container, got, want)
			}
		}
		return nil
	}
	want := int64(0)
	if kind == store.KindRelational {
		want = preservedTotal
	}
	if h.Records != want {
		return fmt.Errorf("%w: store %s holds %d records after purge, expected %d",
			ErrVerificationFailed, kind, h.Records, want)
	}
	return nil
}

func (r *Reset) reapplyAndVerify(ctx context.Context, specs []relational.PreserveSpec, captured map[string][]relational.PreservedRow) error {
	for _, spec := range specs {
		if err := r.preserver.ReapplyPreserved(ctx, spec, captured[spec.Name]); err != nil {
			return fmt.Errorf("reapply %s: %w", spec.Name, err)
		}
	}
	for _, spec := range specs {
		bad, err := r.preserver.VerifyPreserved(ctx, spec, captured[spec.Name])
		if err != nil {
			return fmt.Errorf("verify %s: %w", spec.Name, err)
		}
		if len(bad) > 0 {
			return fmt.Errorf("%w: %s: %s", ErrPreservationLost, spec.Name, strings.Join(bad, ", "))
		}
	}
	return nil
}

func resolvePreserveSpecs(names []string) ([]relational.PreserveSpec, error) {
	known := relational.KnownPreserveSpecs()
	var out []relational.PreserveSpec
	for _, n := range names {
		spec, ok := known[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown preserve set %q", n)
		}
		out = append(out, spec)
	}
	return out, nil
}
