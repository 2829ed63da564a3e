package archive

import "os"

// Prune removes archives beyond the keep-count, oldest first, and returns
// the removed paths. keep <= 0 disables pruning. The newest archives are
// decided by the timestamp and ULID encoded in the file name, not by
// filesystem mtimes, which restores and copies do not preserve.
func Prune(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	infos, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(infos) <= keep {
		return nil, nil
	}
	var removed []string
	for _, info := range infos[keep:] {
		if err := os.Remove(info.Path); err != nil {
			return removed, err
		}
		removed = append(removed, info.Path)
	}
	return removed, nil
}
