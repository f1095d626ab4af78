package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
)

// List returns the snapshot paths in dir, newest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	type snap struct {
		path  string
		stamp int64
	}
	var snaps []snap
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, FileExt) {
			continue
		}
		stamp, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), FileExt), 10, 64)
		if err != nil {
			continue
		}
		snaps = append(snaps, snap{path: filepath.Join(dir, name), stamp: stamp})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].stamp > snaps[j].stamp })
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.path
	}
	return out, nil
}

// Latest returns the newest snapshot in dir or ErrNotFound.
func Latest(dir string) (string, error) {
	snaps, err := List(dir)
	if err != nil {
		return "", err
	}
	if len(snaps) == 0 {
		return "", fmt.Errorf("no snapshot in %s: %w", dir, apperrors.ErrNotFound)
	}
	return snaps[0], nil
}

// Prune removes all but the newest keep snapshots, plus leftover .tmp files,
// and returns how many files it deleted.
func Prune(dir string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	snaps, err := List(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	if len(snaps) > keep {
		for _, p := range snaps[keep:] {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("removing %s: %w", p, err)
			}
			removed++
		}
	}
	tmps, _ := filepath.Glob(filepath.Join(dir, filePrefix+"*"+FileExt+".tmp"))
	for _, p := range tmps {
		if os.Remove(p) == nil {
			removed++
		}
	}
	return removed, nil
}
