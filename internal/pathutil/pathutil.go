// Package pathutil provides filesystem helpers shared by the mirror engine:
// listing a directory's immediate children for reconciliation against a
// manifest, and mapping between local paths and remote-relative paths.
package pathutil

import (
	"os"
	"path/filepath"
)

// reservedNames are local files the engine itself manages and that must
// never be mistaken for mirrored content when reconciling a directory.
var reservedNames = map[string]bool{
	".dirindex": true,
	".hashes":   true,
}

// Child describes one immediate entry of a local directory.
type Child struct {
	Name  string
	IsDir bool
}

// ListChildren returns the immediate children of dir, excluding the
// engine's own bookkeeping files. Returns an empty, nil-error result if dir
// does not exist yet - a directory that hasn't been created locally simply
// has no children to reconcile.
func ListChildren(dir string) ([]Child, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	children := make([]Child, 0, len(entries))
	for _, e := range entries {
		if reservedNames[e.Name()] {
			continue
		}
		children = append(children, Child{Name: e.Name(), IsDir: e.IsDir()})
	}
	return children, nil
}

// RelativePath returns the relative path from baseDir to target, with no
// leading separator (for example "sub/file.txt"),
// mirroring the remote tree's own addressing of a node by its path from
// the root.
func RelativePath(baseDir, target string) (string, error) {
	return filepath.Rel(baseDir, target)
}

// EnsureDir creates dir (and any missing parents) if it does not already
// exist, using the permissions a freshly-created mirror directory should
// have.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}
