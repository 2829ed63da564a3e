package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/veridoc/veridoc-ops/internal/store"
)

const (
	// ManifestFile is the structured metadata entry at the root of every
	// archive bundle.
	ManifestFile = "manifest.json"

	// FormatVersion changes when the bundle layout changes incompatibly.
	FormatVersion = 1

	// ToolVersion is recorded in every manifest for forensics.
	ToolVersion = "0.3.0"
)

// Manifest validation failures. Both abort before any live store is
// touched; neither is retryable.
var (
	ErrArchiveCorrupt      = errors.New("archive corrupt")
	ErrArchiveIncompatible = errors.New("archive incompatible")

	// ErrIncompleteSnapshot means an expected store captured nothing at
	// manifest-build time.
	ErrIncompleteSnapshot = errors.New("incomplete snapshot")
)

// StoreManifest describes one store's payload inside an archive.
type StoreManifest struct {
	Records  int64            `json:"records"`
	Groups   int64            `json:"groups"`
	Checksum string           `json:"checksum"`
	Detail   map[string]int64 `json:"detail,omitempty"`
}

// Manifest describes an archive: what was captured, by which tool version,
// and the per-store checksums that gate every restore.
type Manifest struct {
	FormatVersion int                           `json:"format_version"`
	ToolVersion   string                        `json:"tool_version"`
	ID            string                        `json:"id"`
	CreatedAt     time.Time                     `json:"created_at"`
	Stores        map[store.Kind]*StoreManifest `json:"stores"`
}

// Snapshot returns the store.Snapshot view of one store's manifest entry,
// which adapters consume during apply.
func (m *Manifest) Snapshot(kind store.Kind) *store.Snapshot {
	sm, ok := m.Stores[kind]
	if !ok {
		return nil
	}
	return &store.Snapshot{Kind: kind, Records: sm.Records, Groups: sm.Groups, Detail: sm.Detail}
}

// Kinds lists the store kinds present, in the fixed apply order.
func (m *Manifest) Kinds() []store.Kind {
	var out []store.Kind
	for _, k := range store.AllKinds() {
		if _, ok := m.Stores[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// BuildManifest checksums each captured payload directory under stageDir
// and aggregates counts. Every expected kind must have produced a
// snapshot, otherwise ErrIncompleteSnapshot.
func BuildManifest(stageDir, id string, createdAt time.Time, snaps map[store.Kind]*store.Snapshot, expected []store.Kind) (*Manifest, error) {
	m := &Manifest{
		FormatVersion: FormatVersion,
		ToolVersion:   ToolVersion,
		ID:            id,
		CreatedAt:     createdAt.UTC(),
		Stores:        map[store.Kind]*StoreManifest{},
	}
	for _, kind := range expected {
		snap, ok := snaps[kind]
		if !ok || snap == nil {
			return nil, fmt.Errorf("%w: store %s captured nothing", ErrIncompleteSnapshot, kind)
		}
		sum, err := hashDir(filepath.Join(stageDir, string(kind)))
		if err != nil {
			return nil, fmt.Errorf("checksum %s: %w", kind, err)
		}
		m.Stores[kind] = &StoreManifest{
			Records:  snap.Records,
			Groups:   snap.Groups,
			Checksum: sum,
			Detail:   snap.Detail,
		}
	}
	return m, nil
}

// WriteManifest writes the manifest into an unpacked bundle directory.
func WriteManifest(dir string, m *Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), b, 0o644)
}

// ReadManifest parses the manifest of an unpacked bundle directory.
func ReadManifest(dir string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: manifest missing", ErrArchiveCorrupt)
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest unreadable: %v", ErrArchiveCorrupt, err)
	}
	return &m, nil
}

// Validate verifies an unpacked bundle against its manifest: format
// compatibility, payload presence, and checksums. Must pass before any
// destructive operation is permitted.
func Validate(dir string, m *Manifest) error {
	if m.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: bundle format v%d, tool expects v%d",
			ErrArchiveIncompatible, m.FormatVersion, FormatVersion)
	}
	for kind, sm := range m.Stores {
		// a missing payload directory hashes to the empty digest, which only
		// matches a store that captured nothing
		sum, err := hashDir(filepath.Join(dir, string(kind)))
		if err != nil {
			return fmt.Errorf("checksum %s: %w", kind, err)
		}
		if sum != sm.Checksum {
			return fmt.Errorf("%w: store %s checksum mismatch (manifest %s, payload %s)",
				ErrArchiveCorrupt, kind, short(sm.Checksum), short(sum))
		}
	}
	return nil
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

// hashDir computes a deterministic SHA-256 over a directory: sorted
// relative paths, each mixed in with its content. A missing or empty
// directory hashes to the empty digest.
func hashDir(dir string) (string, error) {
	h := sha256.New()
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipAll
			}
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", err
		}
		h.Write([]byte(filepath.ToSlash(rel)))
		h.Write([]byte{0})
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", err
		}
		f.Close()
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
