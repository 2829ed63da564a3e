package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc-ops/internal/archive"
	"github.com/veridoc/veridoc-ops/internal/store"
	"github.com/veridoc/veridoc-ops/internal/store/relational"
)

// fakeAdapter keeps its "live" records in memory and round-trips them
// through a single payload file, which is enough to drive every
// coordinator path.
type fakeAdapter struct {
	kind store.Kind
	live []string

	captureFailures int // leading Capture calls fail with ErrStoreUnavailable
	applyErr        error
	purgeErr        error
	applyDrops      int      // Apply silently loses this many trailing records
	purgeLeftover   []string // Purge reports success but leaves these behind
	verifyDown      bool     // Verify reports the store unreachable

	captures int
	applies  int
	purges   int
}

func newFake(kind store.Kind, records ...string) *fakeAdapter {
	return &fakeAdapter{kind: kind, live: records}
}

func (f *fakeAdapter) Kind() store.Kind { return f.kind }

func (f *fakeAdapter) Capture(ctx context.Context, stageDir string) (*store.Snapshot, error) {
	f.captures++
	if f.captures <= f.captureFailures {
		return nil, fmt.Errorf("%w: connection refused", store.ErrStoreUnavailable)
	}
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, err
	}
	b, err := json.Marshal(f.live)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(stageDir, "records.json"), b, 0o644); err != nil {
		return nil, err
	}
	return &store.Snapshot{Kind: f.kind, Records: int64(len(f.live)), Groups: 1}, nil
}

func (f *fakeAdapter) Apply(ctx context.Context, payloadDir string, snap *store.Snapshot) error {
	f.applies++
	if f.applyErr != nil {
		return f.applyErr
	}
	b, err := os.ReadFile(filepath.Join(payloadDir, "records.json"))
	if err != nil {
		return err
	}
	var records []string
	if err := json.Unmarshal(b, &records); err != nil {
		return err
	}
	if f.applyDrops > 0 && f.applyDrops <= len(records) {
		records = records[:len(records)-f.applyDrops]
	}
	f.live = records
	return nil
}

func (f *fakeAdapter) Purge(ctx context.Context) error {
	f.purges++
	if f.purgeErr != nil {
		return f.purgeErr
	}
	f.live = f.purgeLeftover
	return nil
}

func (f *fakeAdapter) Plan(ctx context.Context) ([]store.PlannedAction, error) {
	return []store.PlannedAction{
		{Kind: f.kind, Container: "main", Action: "purge", Records: int64(len(f.live))},
	}, nil
}

func (f *fakeAdapter) Verify(ctx context.Context) store.Health {
	if f.verifyDown {
		return store.Health{Kind: f.kind, Err: "connection refused"}
	}
	return store.Health{Kind: f.kind, Reachable: true, Records: int64(len(f.live)), Groups: 1}
}

// fakePreserver holds admin rows in memory and can be told to lose one
// between reapply and verify. When wired to the relational fake, reapplied
// rows reappear in its live set the way real preserved rows would.
type fakePreserver struct {
	rel      *fakeAdapter
	rows     []relational.PreservedRow
	loseOnce bool
}

func (p *fakePreserver) CapturePreserved(ctx context.Context, spec relational.PreserveSpec) ([]relational.PreservedRow, error) {
	out := make([]relational.PreservedRow, len(p.rows))
	copy(out, p.rows)
	return out, nil
}

func (p *fakePreserver) ReapplyPreserved(ctx context.Context, spec relational.PreserveSpec, preserved []relational.PreservedRow) error {
	p.rows = preserved
	if p.loseOnce && len(p.rows) > 0 {
		p.rows = p.rows[1:]
		p.loseOnce = false
	}
	if p.rel != nil {
		for _, row := range p.rows {
			p.rel.live = append(p.rel.live, "user:"+row.Key)
		}
	}
	return nil
}

func (p *fakePreserver) VerifyPreserved(ctx context.Context, spec relational.PreserveSpec, preserved []relational.PreservedRow) ([]string, error) {
	current := map[string]string{}
	for _, r := range p.rows {
		current[r.Key] = string(r.Record)
	}
	var bad []string
	for _, want := range preserved {
		if current[want.Key] != string(want.Record) {
			bad = append(bad, want.Key)
		}
	}
	return bad, nil
}

func fullSet() (Set, map[store.Kind]*fakeAdapter) {
	fakes := map[store.Kind]*fakeAdapter{
		store.KindFiles:      newFake(store.KindFiles, "a.pdf", "b.png"),
		store.KindRelational: newFake(store.KindRelational, "user:1", "doc:7", "audit:3"),
		store.KindVector:     newFake(store.KindVector, "point:1"),
		store.KindSettings:   newFake(store.KindSettings, "site_name"),
	}
	s := Set{}
	for k, f := range fakes {
		s[k] = f
	}
	return s, fakes
}

func runBackup(t *testing.T, s Set, dir string) *Report {
	t.Helper()
	b := NewBackup(s, dir, nil, time.Minute)
	rep, err := b.Run(context.Background(), BackupOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, rep.ArchivePath)
	return rep
}

func TestBackupProducesValidatedArchive(t *testing.T) {
	s, _ := fullSet()
	dir := t.TempDir()

	rep := runBackup(t, s, dir)
	assert.True(t, rep.Ok())
	assert.Len(t, rep.Stores, 4)
	assert.FileExists(t, rep.ArchivePath)

	unpacked := t.TempDir()
	m, err := archive.Unpack(rep.ArchivePath, unpacked)
	require.NoError(t, err)
	require.NoError(t, archive.Validate(unpacked, m))
	assert.Equal(t, rep.ArchiveID, m.ID)
	assert.Equal(t, int64(3), m.Stores[store.KindRelational].Records)
}

func TestBackupRetriesUnavailableStore(t *testing.T) {
	s, fakes := fullSet()
	fakes[store.KindVector].captureFailures = 2

	rep := runBackup(t, s, t.TempDir())
	assert.True(t, rep.Ok())
	assert.Equal(t, 3, fakes[store.KindVector].captures)
}

func TestBackupDoesNotRetrySchemaMismatch(t *testing.T) {
	s, _ := fullSet()
	broken := &failingCaptureAdapter{fakeAdapter: *newFake(store.KindRelational)}
	s[store.KindRelational] = broken

	b := NewBackup(s, t.TempDir(), nil, time.Minute)
	_, err := b.Run(context.Background(), BackupOptions{})
	require.ErrorIs(t, err, store.ErrSchemaMismatch)
	assert.Equal(t, 1, broken.captures)
}

type failingCaptureAdapter struct{ fakeAdapter }

func (f *failingCaptureAdapter) Capture(ctx context.Context, stageDir string) (*store.Snapshot, error) {
	f.captures++
	return nil, fmt.Errorf("%w: table users missing", store.ErrSchemaMismatch)
}

func TestBackupAppliesRetention(t *testing.T) {
	s, _ := fullSet()
	dir := t.TempDir()
	b := NewBackup(s, dir, nil, time.Minute)
	// distinct creation times so retention ordering is deterministic
	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		b.now = func() time.Time { return at }
		_, err := b.Run(context.Background(), BackupOptions{Retention: 2})
		require.NoError(t, err)
	}
	infos, err := archive.List(dir)
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestBackupIsRepeatableOnUnchangedStores(t *testing.T) {
	s, _ := fullSet()
	dir := t.TempDir()
	first := runBackup(t, s, dir)
	second := runBackup(t, s, dir)
	require.NotEqual(t, first.ArchivePath, second.ArchivePath)

	m1, err := archive.Unpack(first.ArchivePath, t.TempDir())
	require.NoError(t, err)
	m2, err := archive.Unpack(second.ArchivePath, t.TempDir())
	require.NoError(t, err)

	// same stores, same counts, same payload bytes; only identity differs
	require.Equal(t, len(m1.Stores), len(m2.Stores))
	for kind, sm := range m1.Stores {
		other := m2.Stores[kind]
		require.NotNil(t, other, string(kind))
		assert.Equal(t, sm.Records, other.Records, string(kind))
		assert.Equal(t, sm.Groups, other.Groups, string(kind))
		assert.Equal(t, sm.Detail, other.Detail, string(kind))
		assert.Equal(t, sm.Checksum, other.Checksum, string(kind))
	}
	assert.NotEqual(t, m1.ID, m2.ID)
}

func TestRestoreRoundTrip(t *testing.T) {
	s, fakes := fullSet()
	rep := runBackup(t, s, t.TempDir())

	// simulate data loss
	fakes[store.KindRelational].live = nil
	fakes[store.KindFiles].live = []string{"stray.tmp"}

	r := NewRestore(s, t.TempDir(), NewQuiescer(""), time.Minute)
	res, err := r.Run(context.Background(), RestoreOptions{ArchivePath: rep.ArchivePath, Confirmed: true})
	require.NoError(t, err)
	assert.True(t, res.Ok())
	assert.Equal(t, []string{"user:1", "doc:7", "audit:3"}, fakes[store.KindRelational].live)
	assert.Equal(t, []string{"a.pdf", "b.png"}, fakes[store.KindFiles].live)
	assert.Len(t, res.Health, 4)
}

func TestRestoreRefusesWithoutConfirmation(t *testing.T) {
	s, fakes := fullSet()
	rep := runBackup(t, s, t.TempDir())

	r := NewRestore(s, t.TempDir(), NewQuiescer(""), time.Minute)
	_, err := r.Run(context.Background(), RestoreOptions{ArchivePath: rep.ArchivePath})
	require.ErrorIs(t, err, ErrNotConfirmed)
	assert.Zero(t, fakes[store.KindRelational].applies)
}

func TestRestoreRejectsTamperedArchiveBeforeTouchingStores(t *testing.T) {
	s, fakes := fullSet()
	rep := runBackup(t, s, t.TempDir())

	// flip bytes near the end of the archive
	b, err := os.ReadFile(rep.ArchivePath)
	require.NoError(t, err)
	b[len(b)-20] ^= 0xff
	require.NoError(t, os.WriteFile(rep.ArchivePath, b, 0o644))

	r := NewRestore(s, t.TempDir(), NewQuiescer(""), time.Minute)
	_, err = r.Run(context.Background(), RestoreOptions{ArchivePath: rep.ArchivePath, Confirmed: true})
	require.ErrorIs(t, err, archive.ErrArchiveCorrupt)
	assert.Zero(t, fakes[store.KindRelational].applies)
	assert.Zero(t, fakes[store.KindFiles].applies)
}

func TestRestoreOnlySubset(t *testing.T) {
	s, fakes := fullSet()
	rep := runBackup(t, s, t.TempDir())
	fakes[store.KindRelational].live = nil
	fakes[store.KindVector].live = nil

	r := NewRestore(s, t.TempDir(), NewQuiescer(""), time.Minute)
	res, err := r.Run(context.Background(), RestoreOptions{
		ArchivePath: rep.ArchivePath,
		Only:        []store.Kind{store.KindRelational},
		Confirmed:   true,
	})
	require.NoError(t, err)
	require.Len(t, res.Stores, 1)
	assert.Equal(t, store.KindRelational, res.Stores[0].Kind)
	assert.Len(t, fakes[store.KindRelational].live, 3)
	assert.Empty(t, fakes[store.KindVector].live) // untouched
}

func TestRestoreUnknownOnlyKind(t *testing.T) {
	// an archive without the vectors payload cannot satisfy --only vectors
	s, _ := fullSet()
	delete(s, store.KindVector)
	partial := runBackup(t, s, t.TempDir())

	r := NewRestore(s, t.TempDir(), NewQuiescer(""), time.Minute)
	_, err := r.Run(context.Background(), RestoreOptions{
		ArchivePath: partial.ArchivePath,
		Only:        []store.Kind{store.KindVector},
		Confirmed:   true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vectors")
}

func TestRestoreContinuesPastFailedStore(t *testing.T) {
	s, fakes := fullSet()
	rep := runBackup(t, s, t.TempDir())
	fakes[store.KindRelational].applyErr = fmt.Errorf("%w: fk order", store.ErrConstraintViolation)
	fakes[store.KindVector].live = nil

	r := NewRestore(s, t.TempDir(), NewQuiescer(""), time.Minute)
	res, err := r.Run(context.Background(), RestoreOptions{ArchivePath: rep.ArchivePath, Confirmed: true})
	require.ErrorIs(t, err, store.ErrConstraintViolation)
	assert.False(t, res.Ok())

	// later stores in the order still ran
	assert.Equal(t, []string{"point:1"}, fakes[store.KindVector].live)
	byKind := map[store.Kind]StoreResult{}
	for _, sr := range res.Stores {
		byKind[sr.Kind] = sr
	}
	assert.Equal(t, "failed", byKind[store.KindRelational].Action)
	assert.Equal(t, "applied", byKind[store.KindVector].Action)
}

func TestRestoreFailsWhenStoreUnreachableAfterApply(t *testing.T) {
	s, fakes := fullSet()
	rep := runBackup(t, s, t.TempDir())
	fakes[store.KindVector].verifyDown = true

	r := NewRestore(s, t.TempDir(), NewQuiescer(""), time.Minute)
	res, err := r.Run(context.Background(), RestoreOptions{ArchivePath: rep.ArchivePath, Confirmed: true})
	require.ErrorIs(t, err, ErrVerificationFailed)
	assert.False(t, res.Ok())
	assert.Contains(t, err.Error(), "vectors")
}

func TestRestoreFailsWhenRestoredCountsDiverge(t *testing.T) {
	s, fakes := fullSet()
	rep := runBackup(t, s, t.TempDir())
	// the apply reports success but one record never lands
	fakes[store.KindRelational].applyDrops = 1

	r := NewRestore(s, t.TempDir(), NewQuiescer(""), time.Minute)
	res, err := r.Run(context.Background(), RestoreOptions{ArchivePath: rep.ArchivePath, Confirmed: true})
	require.ErrorIs(t, err, ErrVerificationFailed)
	assert.False(t, res.Ok())
	assert.Contains(t, err.Error(), "relational")
	assert.Contains(t, err.Error(), "archive declares 3")
}

// failingQuiescer stands in for an admin API that rejects the maintenance
// toggle.
type failingQuiescer struct{ pauses int }

func (q *failingQuiescer) Pause(context.Context) error {
	q.pauses++
	return errors.New("admin api unreachable")
}
func (q *failingQuiescer) Resume(context.Context) error { return nil }

func TestRestoreAbortsWhenQuiesceFails(t *testing.T) {
	s, fakes := fullSet()
	rep := runBackup(t, s, t.TempDir())

	r := NewRestore(s, t.TempDir(), &failingQuiescer{}, time.Minute)
	_, err := r.Run(context.Background(), RestoreOptions{ArchivePath: rep.ArchivePath, Confirmed: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quiesce")
	assert.Zero(t, fakes[store.KindRelational].applies)
}

func TestRestoreSkipQuiesceOverridesPauseFailure(t *testing.T) {
	s, fakes := fullSet()
	rep := runBackup(t, s, t.TempDir())
	fakes[store.KindRelational].live = nil

	r := NewRestore(s, t.TempDir(), &failingQuiescer{}, time.Minute)
	res, err := r.Run(context.Background(), RestoreOptions{
		ArchivePath: rep.ArchivePath, Confirmed: true, SkipQuiesce: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Ok())
	assert.Len(t, fakes[store.KindRelational].live, 3)
}

func TestRestoreDryRunTouchesNothing(t *testing.T) {
	s, fakes := fullSet()
	rep := runBackup(t, s, t.TempDir())

	r := NewRestore(s, t.TempDir(), NewQuiescer(""), time.Minute)
	res, err := r.Run(context.Background(), RestoreOptions{ArchivePath: rep.ArchivePath, DryRun: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Planned)
	for _, f := range fakes {
		assert.Zero(t, f.applies)
		assert.Zero(t, f.purges)
	}
}

func TestRestoreHonorsLock(t *testing.T) {
	s, _ := fullSet()
	rep := runBackup(t, s, t.TempDir())
	lockDir := t.TempDir()

	held, err := AcquireLock(lockDir)
	require.NoError(t, err)
	defer held.Release()

	r := NewRestore(s, lockDir, NewQuiescer(""), time.Minute)
	_, err = r.Run(context.Background(), RestoreOptions{ArchivePath: rep.ArchivePath, Confirmed: true})
	require.ErrorIs(t, err, ErrLocked)
}

func TestResetPreservesAdmins(t *testing.T) {
	s, fakes := fullSet()
	p := &fakePreserver{
		rel: fakes[store.KindRelational],
		rows: []relational.PreservedRow{
			{Key: "root@veridoc.example", Record: json.RawMessage(`{"email":"root@veridoc.example","is_admin":true}`)},
		},
	}

	r := NewReset(s, p, t.TempDir(), NewQuiescer(""), time.Minute)
	rep, err := r.Run(context.Background(), ResetOptions{Preserve: []string{"admins"}, Confirmed: true})
	require.NoError(t, err)
	assert.True(t, rep.Ok())

	// data stores emptied except the preserved admin, settings untouched
	assert.Equal(t, []string{"user:root@veridoc.example"}, fakes[store.KindRelational].live)
	assert.Empty(t, fakes[store.KindVector].live)
	assert.Empty(t, fakes[store.KindFiles].live)
	assert.Zero(t, fakes[store.KindSettings].purges)
	require.Len(t, p.rows, 1)
	assert.Equal(t, "root@veridoc.example", p.rows[0].Key)
}

func TestResetReportsPreservationLost(t *testing.T) {
	s, _ := fullSet()
	p := &fakePreserver{
		rows: []relational.PreservedRow{
			{Key: "root@veridoc.example", Record: json.RawMessage(`{"email":"root@veridoc.example"}`)},
		},
		loseOnce: true,
	}

	r := NewReset(s, p, t.TempDir(), NewQuiescer(""), time.Minute)
	_, err := r.Run(context.Background(), ResetOptions{Preserve: []string{"admins"}, Confirmed: true})
	require.ErrorIs(t, err, ErrPreservationLost)
	assert.Contains(t, err.Error(), "root@veridoc.example")
}

func TestResetRejectsUnknownPreserveSet(t *testing.T) {
	s, fakes := fullSet()
	r := NewReset(s, &fakePreserver{}, t.TempDir(), NewQuiescer(""), time.Minute)
	_, err := r.Run(context.Background(), ResetOptions{Preserve: []string{"everything"}, Confirmed: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "everything")
	assert.Zero(t, fakes[store.KindRelational].purges)
}

func TestResetRefusesWithoutConfirmation(t *testing.T) {
	s, fakes := fullSet()
	r := NewReset(s, &fakePreserver{}, t.TempDir(), NewQuiescer(""), time.Minute)
	_, err := r.Run(context.Background(), ResetOptions{})
	require.ErrorIs(t, err, ErrNotConfirmed)
	assert.Zero(t, fakes[store.KindFiles].purges)
}

func TestResetStopsAtPurgeFailure(t *testing.T) {
	s, fakes := fullSet()
	fakes[store.KindRelational].purgeErr = errors.New("deadlock")
	p := &fakePreserver{rows: []relational.PreservedRow{{Key: "root", Record: json.RawMessage(`{}`)}}}

	r := NewReset(s, p, t.TempDir(), NewQuiescer(""), time.Minute)
	rep, err := r.Run(context.Background(), ResetOptions{Preserve: []string{"admins"}, Confirmed: true})
	require.Error(t, err)
	assert.False(t, rep.Ok())
	// purge order is vectors, relational, files; files never ran
	assert.Equal(t, 1, fakes[store.KindVector].purges)
	assert.Zero(t, fakes[store.KindFiles].purges)
}

func TestResetFailsWhenPurgeLeavesRecords(t *testing.T) {
	s, fakes := fullSet()
	// the purge reports success but rows survive it
	fakes[store.KindVector].purgeLeftover = []string{"point:1", "point:2"}

	r := NewReset(s, &fakePreserver{}, t.TempDir(), NewQuiescer(""), time.Minute)
	rep, err := r.Run(context.Background(), ResetOptions{Confirmed: true})
	require.ErrorIs(t, err, ErrVerificationFailed)
	assert.False(t, rep.Ok())
	assert.Contains(t, err.Error(), "vectors")
	assert.Contains(t, err.Error(), "after purge")
}

func TestResetAbortsWhenQuiesceFails(t *testing.T) {
	s, fakes := fullSet()
	r := NewReset(s, &fakePreserver{}, t.TempDir(), &failingQuiescer{}, time.Minute)
	_, err := r.Run(context.Background(), ResetOptions{Confirmed: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quiesce")
	assert.Zero(t, fakes[store.KindVector].purges)
}

func TestVerifierReportsEveryStore(t *testing.T) {
	s, _ := fullSet()
	v := NewVerifier(s, time.Minute)
	rep := v.Run(context.Background())
	require.Len(t, rep.Health, 4)
	for _, h := range rep.Health {
		assert.True(t, h.Reachable, string(h.Kind))
	}
	// apply order
	assert.Equal(t, store.KindFiles, rep.Health[0].Kind)
	assert.Equal(t, store.KindSettings, rep.Health[3].Kind)
}

func TestLockIsExclusiveAndReleasable(t *testing.T) {
	dir := t.TempDir()
	l1, err := AcquireLock(dir)
	require.NoError(t, err)

	_, err = AcquireLock(dir)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l1.Release())
	l2, err := AcquireLock(dir)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}
