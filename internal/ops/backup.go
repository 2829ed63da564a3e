package ops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/veridoc/veridoc-ops/internal/archive"
	"github.com/veridoc/veridoc-ops/internal/logging"
	"github.com/veridoc/veridoc-ops/internal/store"
)

// BackupOptions tune one backup run.
type BackupOptions struct {
	// Retention is the keep-count applied to the archive directory after a
	// successful backup. Zero disables pruning for this run.
	Retention int
	// Upload sends the finished archive to the configured offsite target.
	Upload bool
}

// Backup captures every store into a single validated archive. Captures
// run concurrently; they are read-only with respect to the live stores, so
// no lock or quiesce is needed.
type Backup struct {
	stores       Set
	archiveDir   string
	uploader     *archive.Uploader
	storeTimeout time.Duration
	now          func() time.Time
}

func NewBackup(stores Set, archiveDir string, uploader *archive.Uploader, storeTimeout time.Duration) *Backup {
	return &Backup{
		stores:       stores,
		archiveDir:   archiveDir,
		uploader:     uploader,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

func (b *Backup) Run(ctx context.Context, opts BackupOptions) (*Report, error) {
	created := b.now().UTC()
	rep := &Report{Operation: "backup", StartedAt: created}
	defer func() { rep.FinishedAt = b.now().UTC() }()

	id := archive.NewID(created)
	stage, err := os.MkdirTemp("", "veridoc-backup-*")
	if err != nil {
		return rep, err
	}
	defer os.RemoveAll(stage)

	snaps := map[store.Kind]*store.Snapshot{}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range b.stores.Ordered() {
		a := a
		g.Go(func() error {
			started := b.now()
			snap, err := b.captureWithRetry(gctx, a, filepath.Join(stage, string(a.Kind())))
			mu.Lock()
			defer mu.Unlock()
			res := StoreResult{Kind: a.Kind(), Action: "captured", Elapsed: b.now().Sub(started)}
			if err != nil {
				res.Action = "failed"
				res.Err = err.Error()
				rep.Stores = append(rep.Stores, res)
				return err
			}
			res.Records = snap.Records
			rep.Stores = append(rep.Stores, res)
			snaps[a.Kind()] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}

	manifest, err := archive.BuildManifest(stage, id, created, snaps, b.stores.Kinds())
	if err != nil {
		return rep, err
	}
	if err := archive.WriteManifest(stage, manifest); err != nil {
		return rep, err
	}

	name := archive.Name(created, id)
	archivePath, err := archive.Pack(stage, b.archiveDir, name)
	if err != nil {
		return rep, err
	}
	rep.ArchivePath = archivePath
	rep.ArchiveID = id

	// read the archive back and re-checksum, so a bad write is caught now
	// rather than at restore time
	if err := b.selfCheck(archivePath); err != nil {
		_ = os.Remove(archivePath)
		rep.ArchivePath = ""
		return rep, err
	}

	if opts.Retention > 0 {
		removed, err := archive.Prune(b.archiveDir, opts.Retention)
		if err != nil {
			logging.Warn().Err(err).Msg("retention prune failed")
		}
		for _, p := range removed {
			logging.Info().Str("archive", filepath.Base(p)).Msg("pruned old archive")
		}
	}

	if opts.Upload && b.uploader != nil {
		key, err := b.uploader.Upload(ctx, archivePath, name)
		if err != nil {
			return rep, err
		}
		logging.Info().Str("key", key).Msg("archive uploaded offsite")
	}
	return rep, nil
}

// captureWithRetry retries a capture with exponential backoff, but only on
// ErrStoreUnavailable. Any other failure is immediately permanent.
func (b *Backup) captureWithRetry(ctx context.Context, a store.Adapter, stageDir string) (*store.Snapshot, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	var snap *store.Snapshot
	err := backoff.Retry(func() error {
		cctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
		defer cancel()
		s, err := a.Capture(cctx, stageDir)
		if err != nil {
			if errors.Is(err, store.ErrStoreUnavailable) {
				logging.Warn().Str("store", string(a.Kind())).Err(err).Msg("capture failed, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		snap = s
		return nil
	}, policy)
	return snap, err
}

func (b *Backup) selfCheck(archivePath string) error {
	dir, err := os.MkdirTemp("", "veridoc-selfcheck-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	m, err := archive.Unpack(archivePath, dir)
	if err != nil {
		return err
	}
	return archive.Validate(dir, m)
}
