// Package store owns the on-disk directory layout under the state root and
// the write-new-then-rename discipline every record in this repo follows
// (SPEC_FULL.md §4.1 "State store").
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/weftio/weft/internal/config"
)

// Store is the shared filesystem handle every component uses to read and
// write stage, session, and auxiliary records. It holds no in-memory cache:
// the filesystem is the source of truth, and every participant (daemon,
// one-shot CLI commands, agents through the .work symlink) opens the same
// files.
type Store struct {
	Root string // state root, conventionally <repo>/.work
}

// New returns a Store rooted at root. It does not touch the filesystem;
// call Init to create the directory layout.
func New(root string) *Store {
	return &Store{Root: root}
}

// Init creates every subdirectory named in SPEC_FULL.md §6's state-root
// layout. Safe to call repeatedly.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.Root, 0o750); err != nil {
		return fmt.Errorf("creating state root: %w", err)
	}
	for _, dir := range config.AllSubdirs() {
		if err := os.MkdirAll(filepath.Join(s.Root, dir), 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// writeAtomic writes data to path by writing to a sibling ".tmp" file and
// renaming over the target, so readers never observe a torn write.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating parent dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s into place: %w", tmp, err)
	}
	return nil
}

// listIDs returns the record ids (filenames minus extension) present in dir,
// sorted for deterministic iteration. A missing directory yields an empty
// list, not an error.
func listIDs(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") {
			continue
		}
		if ext != "" {
			if !strings.HasSuffix(name, ext) {
				continue
			}
			name = strings.TrimSuffix(name, ext)
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

// recordExt is the stable file extension used for every structured record
// (stage, session, config). Kept a plain text header+body format rather than
// JSON or YAML so the files stay comfortably hand-editable (§4.1).
const recordExt = ".txt"
