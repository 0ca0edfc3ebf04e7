// Package manifest implements the .dirindex codec: the line-oriented,
// colon-separated format the remote tree serves at every directory URL to
// describe that directory's children and their content hashes.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Kind distinguishes a file entry from a subdirectory entry.
type Kind int

const (
	// File is a manifest entry for a plain file; it carries a size.
	File Kind = iota
	// Directory is a manifest entry for a subdirectory; it carries no size.
	Directory
)

// Entry is one child of a manifest: a (kind, name, hash, size) tuple.
// Size is only meaningful for File entries.
type Entry struct {
	Kind Kind
	Name string
	Hash string
	Size uint64
}

// Manifest is an ordered, name-sorted list of entries parsed from a
// .dirindex file. Storage order in the source bytes is not semantically
// significant; Parse always returns entries sorted by Name.
type Manifest struct {
	Entries []Entry
}

// Find looks up an entry by name, returning ok=false if absent.
func (m *Manifest) Find(name string) (Entry, bool) {
	for _, e := range m.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Parse reads a .dirindex document and returns its sorted entry list.
//
// Header lines (version:, path:) and blank lines are ignored. Any other
// leading token is a parse error, and the whole manifest is rejected -
// callers should treat a parse error as "this directory's children are
// unknown" rather than retaining a partially-parsed list.
//
// A duplicate name keeps the first occurrence and ignores the rest.
func Parse(r io.Reader) (*Manifest, error) {
	var entries []Entry
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		fields := strings.Split(line, ":")
		kind := fields[0]

		switch kind {
		case "version", "path":
			continue
		case "f":
			if len(fields) < 3 {
				return nil, fmt.Errorf("manifest: malformed file line %q", line)
			}
			name, hash := fields[1], fields[2]
			var size uint64
			if len(fields) >= 4 && fields[3] != "" {
				parsed, err := strconv.ParseUint(fields[3], 10, 64)
				if err != nil {
					return nil, fmt.Errorf("manifest: bad size in line %q: %w", line, err)
				}
				size = parsed
			}
			if seen[name] {
				continue
			}
			seen[name] = true
			entries = append(entries, Entry{Kind: File, Name: name, Hash: hash, Size: size})
		case "d":
			if len(fields) < 3 {
				return nil, fmt.Errorf("manifest: malformed directory line %q", line)
			}
			name, hash := fields[1], fields[2]
			if seen[name] {
				continue
			}
			seen[name] = true
			entries = append(entries, Entry{Kind: Directory, Name: name, Hash: hash})
		default:
			return nil, fmt.Errorf("manifest: unknown entry kind %q in line %q", kind, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("manifest: read failed: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return &Manifest{Entries: entries}, nil
}
