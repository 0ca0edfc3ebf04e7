package mirror

import (
	"os"
	"path/filepath"

	"github.com/oakdepot/depotsyncd/internal/hashcache"
	"github.com/oakdepot/depotsyncd/internal/manifest"
	"github.com/oakdepot/depotsyncd/internal/pathutil"
)

// plan is the result of comparing a directory's local children against its
// parsed manifest.
type plan struct {
	// orphanFiles/orphanDirs are local children absent from the manifest.
	orphanFiles []string
	orphanDirs  []string
	// updates are manifest entries that are new or whose hash no longer
	// matches the local copy; they must be (re)fetched.
	updates []manifest.Entry
	// recurseDirs are local directories whose hash already matches the
	// manifest - no fetch needed, but their own children still need
	// reconciling against their own locally-parsed manifest.
	recurseDirs []string
}

// localManifest parses the .dirindex file already on disk at dirPath. A
// missing file or a parse error yields an empty manifest - per the
// reconciliation contract, a directory can't trust corrupt local state to
// decide anything, so it's treated as if nothing is known yet.
func localManifest(dirPath string) *manifest.Manifest {
	f, err := os.Open(filepath.Join(dirPath, ".dirindex"))
	if err != nil {
		return &manifest.Manifest{}
	}
	defer func() {
		_ = f.Close()
	}()

	m, err := manifest.Parse(f)
	if err != nil {
		return &manifest.Manifest{}
	}
	return m
}

// reconcile classifies dirPath's immediate children against m, the
// manifest that should describe them.
func reconcile(cache *hashcache.Cache, dirPath string, m *manifest.Manifest) (*plan, error) {
	children, err := pathutil.ListChildren(dirPath)
	if err != nil {
		return nil, err
	}

	p := &plan{}
	seen := make(map[string]bool, len(children))

	for _, child := range children {
		seen[child.Name] = true
		entry, ok := m.Find(child.Name)
		if !ok {
			if child.IsDir {
				p.orphanDirs = append(p.orphanDirs, child.Name)
			} else {
				p.orphanFiles = append(p.orphanFiles, child.Name)
			}
			continue
		}

		childPath := filepath.Join(dirPath, child.Name)
		localHash, err := localHashForChild(cache, childPath, child.IsDir)
		if err != nil {
			return nil, err
		}

		switch {
		case localHash != entry.Hash:
			p.updates = append(p.updates, entry)
		case entry.Kind == manifest.Directory:
			p.recurseDirs = append(p.recurseDirs, child.Name)
		default:
			// file, hash matches: no-op
		}
	}

	for _, e := range m.Entries {
		if !seen[e.Name] {
			p.updates = append(p.updates, e)
		}
	}

	return p, nil
}

// localHashForChild returns the content hash backing a local child: a
// file's own hash, or the hash of a directory's own .dirindex (the hash
// that stands in for the directory's identity in the parent manifest).
func localHashForChild(cache *hashcache.Cache, childPath string, isDir bool) (string, error) {
	if isDir {
		return cache.HashForPath(filepath.Join(childPath, ".dirindex"))
	}
	return cache.HashForPath(childPath)
}
