// Package archive handles snapshot bundles: tar.gz files containing a
// manifest plus one payload directory per store kind. Bundles are written
// to a staging path and moved into place with a single rename, so a
// partially written archive is never visible at the target location.
package archive

import (
	"archive/tar"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/oklog/ulid/v2"
)

const (
	namePrefix = "snapshot-"
	nameSuffix = ".tar.gz"
	timeLayout = "20060102T150405Z"
)

// NewID returns a fresh archive ID, sortable by creation time.
func NewID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at.UTC()), rand.Reader).String()
}

// Name assembles the archive file name for a creation time and ID.
func Name(at time.Time, id string) string {
	return namePrefix + at.UTC().Format(timeLayout) + "-" + id + nameSuffix
}

// Info describes one archive at rest.
type Info struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// parseName extracts the timestamp and ID from an archive file name.
func parseName(name string) (time.Time, string, bool) {
	if !strings.HasPrefix(name, namePrefix) || !strings.HasSuffix(name, nameSuffix) {
		return time.Time{}, "", false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, namePrefix), nameSuffix)
	parts := strings.SplitN(core, "-", 2)
	if len(parts) != 2 {
		return time.Time{}, "", false
	}
	ts, err := time.Parse(timeLayout, parts[0])
	if err != nil {
		return time.Time{}, "", false
	}
	return ts, parts[1], true
}

// Pack writes the bundle directory (manifest plus payloads) as a tar.gz
// into destDir under the given name. The write goes to a dot-prefixed
// staging file first and is renamed into place only once complete, then
// fsynced via the file handle before the rename.
func Pack(bundleDir, destDir, name string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	staging := filepath.Join(destDir, "."+name+".partial")
	final := filepath.Join(destDir, name)

	if err := writeTarGz(bundleDir, staging); err != nil {
		_ = os.Remove(staging)
		return "", err
	}
	if err := os.Rename(staging, final); err != nil {
		_ = os.Remove(staging)
		return "", err
	}
	return final, nil
}

func writeTarGz(srcDir, dest string) error {
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	fail := func(e error) error {
		tw.Close()
		gz.Close()
		f.Close()
		return e
	}

	var files []string
	walkErr := filepath.WalkDir(srcDir, func(path string, d os.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if walkErr != nil {
		return fail(walkErr)
	}
	sort.Strings(files)

	for _, path := range files {
		rel, rerr := filepath.Rel(srcDir, path)
		if rerr != nil {
			return fail(rerr)
		}
		if aerr := addFile(tw, path, filepath.ToSlash(rel)); aerr != nil {
			return fail(aerr)
		}
	}

	// close writers in reverse order, then fsync before the rename
	if err := tw.Close(); err != nil {
		gz.Close()
		f.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func addFile(tw *tar.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Unpack extracts an archive into destDir and returns its manifest after
// structural validation. Entry names are confined to destDir.
func Unpack(archivePath, destDir string) (*Manifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: not a gzip bundle: %v", ErrArchiveCorrupt, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: tar damaged: %v", ErrArchiveCorrupt, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target, err := secureJoin(destDir, hdr.Name)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(out, tr); err != nil { //nolint:gosec // bounded by archive size
			out.Close()
			return nil, fmt.Errorf("%w: entry %s truncated: %v", ErrArchiveCorrupt, hdr.Name, err)
		}
		if err := out.Close(); err != nil {
			return nil, err
		}
	}
	return ReadManifest(destDir)
}

func secureJoin(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: entry escapes bundle: %s", ErrArchiveCorrupt, name)
	}
	return filepath.Join(root, clean), nil
}

// List returns archives in dir, newest first.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ts, id, ok := parseName(e.Name())
		if !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Path:      filepath.Join(dir, e.Name()),
			Name:      e.Name(),
			ID:        id,
			CreatedAt: ts,
			Size:      fi.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}
