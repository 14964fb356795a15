package silver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

const (
	buildsDir   = "builds"
	currentLink = "current"
)

// ErrNoCurrentBuild means nothing has been published yet.
var ErrNoCurrentBuild = errors.New("no published silver build")

// BuildDir is where build id lives under root, published or not.
func BuildDir(root, id string) string {
	return filepath.Join(root, buildsDir, id)
}

// publish points root/current at the build with a symlink swapped in by rename.
func publish(root, id string) error {
	tmp := filepath.Join(root, ".current-"+id)
	_ = os.Remove(tmp)
	if err := os.Symlink(filepath.Join(buildsDir, id), tmp); err != nil {
		return fmt.Errorf("create link: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(root, currentLink)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("swap current: %w", err)
	}
	return nil
}

// CurrentBuildID returns the id of the published build.
func CurrentBuildID(root string) (string, error) {
	target, err := os.Readlink(filepath.Join(root, currentLink))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNoCurrentBuild
	}
	if err != nil {
		return "", fmt.Errorf("read current link: %w", err)
	}
	return filepath.Base(target), nil
}

// CurrentDir resolves the directory of the published build.
func CurrentDir(root string) (string, error) {
	id, err := CurrentBuildID(root)
	if err != nil {
		return "", err
	}
	return BuildDir(root, id), nil
}

// cleanupBuilds removes the oldest builds beyond keep. Build ids sort chronologically.
func cleanupBuilds(root string, keep int, current string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, buildsDir))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	if keep < 1 {
		keep = 1
	}
	if len(ids) <= keep {
		return nil, nil
	}

	var removed []string
	var errs []error
	for _, id := range ids[:len(ids)-keep] {
		if id == current {
			continue
		}
		if err := os.RemoveAll(BuildDir(root, id)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, id)
	}
	return removed, errors.Join(errs...)
}
