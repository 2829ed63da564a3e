package ops

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const lockFileName = "ops.lock"

// Lock is an exclusive cross-process lock held for the duration of any
// mutating operation. It is a plain lock file created with O_EXCL, which
// is atomic on every filesystem the ops home can live on.
type Lock struct {
	path string
}

// AcquireLock takes the exclusive lock under dir, or returns ErrLocked
// with the holder's details when the lock is already taken.
func AcquireLock(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			holder, _ := os.ReadFile(path)
			return nil, fmt.Errorf("%w (held by %s)", ErrLocked, strings.TrimSpace(string(holder)))
		}
		return nil, err
	}
	fmt.Fprintf(f, "pid %d since %s", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call once.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	path := l.path
	l.path = ""
	return os.Remove(path)
}
