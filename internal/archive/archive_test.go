package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc-ops/internal/store"
)

func stageBundle(t *testing.T) (string, map[store.Kind]*store.Snapshot) {
	t.Helper()
	dir := t.TempDir()
	payloads := map[store.Kind]map[string]string{
		store.KindRelational: {"users.jsonl": `{"id":1}` + "\n", "documents.jsonl": `{"id":7}` + "\n"},
		store.KindVector:     {"documents/points.jsonl": `{"id":"p1"}` + "\n"},
		store.KindFiles:      {"uploads/a.pdf": "pdf-bytes"},
		store.KindSettings:   {"settings.yaml": "site_name: Veridoc QA\n"},
	}
	snaps := map[store.Kind]*store.Snapshot{}
	for kind, files := range payloads {
		for rel, content := range files {
			p := filepath.Join(dir, string(kind), rel)
			require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
			require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		}
		snaps[kind] = &store.Snapshot{Kind: kind, Records: int64(len(files)), Groups: 1}
	}
	return dir, snaps
}

func TestBuildManifestRequiresEveryExpectedStore(t *testing.T) {
	dir, snaps := stageBundle(t)
	delete(snaps, store.KindVector)

	_, err := BuildManifest(dir, NewID(time.Now()), time.Now(), snaps, store.AllKinds())
	require.ErrorIs(t, err, ErrIncompleteSnapshot)
	assert.Contains(t, err.Error(), "vectors")
}

func TestBuildAndValidate(t *testing.T) {
	dir, snaps := stageBundle(t)
	m, err := BuildManifest(dir, NewID(time.Now()), time.Now(), snaps, store.AllKinds())
	require.NoError(t, err)
	require.NoError(t, WriteManifest(dir, m))

	require.NoError(t, Validate(dir, m))

	// any payload byte flip must fail validation
	tampered := filepath.Join(dir, string(store.KindRelational), "users.jsonl")
	require.NoError(t, os.WriteFile(tampered, []byte(`{"id":2}`+"\n"), 0o644))
	err = Validate(dir, m)
	require.ErrorIs(t, err, ErrArchiveCorrupt)
}

func TestValidateRejectsFutureFormat(t *testing.T) {
	dir, snaps := stageBundle(t)
	m, err := BuildManifest(dir, NewID(time.Now()), time.Now(), snaps, store.AllKinds())
	require.NoError(t, err)
	m.FormatVersion = FormatVersion + 1
	require.ErrorIs(t, Validate(dir, m), ErrArchiveIncompatible)
}

func TestPackUnpackRoundTrip(t *testing.T) {
	bundle, snaps := stageBundle(t)
	created := time.Date(2026, 8, 23, 10, 30, 0, 0, time.UTC)
	id := NewID(created)
	m, err := BuildManifest(bundle, id, created, snaps, store.AllKinds())
	require.NoError(t, err)
	require.NoError(t, WriteManifest(bundle, m))

	destDir := t.TempDir()
	archivePath, err := Pack(bundle, destDir, Name(created, id))
	require.NoError(t, err)
	assert.FileExists(t, archivePath)

	// no staging leftovers
	entries, err := os.ReadDir(destDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	unpacked := t.TempDir()
	got, err := Unpack(archivePath, unpacked)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	require.NoError(t, Validate(unpacked, got))

	b, err := os.ReadFile(filepath.Join(unpacked, string(store.KindFiles), "uploads", "a.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "pdf-bytes", string(b))
}

func TestUnpackRejectsTruncatedArchive(t *testing.T) {
	bundle, snaps := stageBundle(t)
	created := time.Now().UTC()
	id := NewID(created)
	m, err := BuildManifest(bundle, id, created, snaps, store.AllKinds())
	require.NoError(t, err)
	require.NoError(t, WriteManifest(bundle, m))

	archivePath, err := Pack(bundle, t.TempDir(), Name(created, id))
	require.NoError(t, err)

	b, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(archivePath, b[:len(b)/2], 0o644))

	_, err = Unpack(archivePath, t.TempDir())
	require.ErrorIs(t, err, ErrArchiveCorrupt)
}

func TestUnpackRejectsEscapingEntries(t *testing.T) {
	_, err := secureJoin(t.TempDir(), "../outside.txt")
	require.ErrorIs(t, err, ErrArchiveCorrupt)
	_, err = secureJoin(t.TempDir(), "/etc/passwd")
	require.ErrorIs(t, err, ErrArchiveCorrupt)
}

func TestListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	times := []time.Time{
		time.Date(2026, 8, 20, 1, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 22, 1, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 21, 1, 0, 0, 0, time.UTC),
	}
	for _, ts := range times {
		name := Name(ts, NewID(ts))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	// strangers in the directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	infos, err := List(dir)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, times[1], infos[0].CreatedAt)
	assert.Equal(t, times[2], infos[1].CreatedAt)
	assert.Equal(t, times[0], infos[2].CreatedAt)
}

func TestListMissingDirIsEmpty(t *testing.T) {
	infos, err := List(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestPruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	var names []string
	for day := 1; day <= 5; day++ {
		ts := time.Date(2026, 8, day, 0, 0, 0, 0, time.UTC)
		name := Name(ts, NewID(ts))
		names = append(names, name)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	removed, err := Prune(dir, 2)
	require.NoError(t, err)
	assert.Len(t, removed, 3)

	infos, err := List(dir)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, names[4], infos[0].Name)
	assert.Equal(t, names[3], infos[1].Name)
}

func TestPruneDisabled(t *testing.T) {
	dir := t.TempDir()
	ts := time.Now().UTC()
	require.NoError(t, os.WriteFile(filepath.Join(dir, Name(ts, NewID(ts))), []byte("x"), 0o644))

	removed, err := Prune(dir, 0)
	require.NoError(t, err)
	assert.Empty(t, removed)
	infos, err := List(dir)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestParseName(t *testing.T) {
	ts := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	id := NewID(ts)
	got, gotID, ok := parseName(Name(ts, id))
	require.True(t, ok)
	assert.Equal(t, ts, got)
	assert.Equal(t, id, gotID)

	for _, bad := range []string{"snapshot-.tar.gz", "backup-20260823T120000Z-x.tar.gz", "snapshot-garbage-x.tar.gz"} {
		_, _, ok := parseName(bad)
		assert.False(t, ok, bad)
	}
}
