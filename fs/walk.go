package fs

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/karrick/godirwalk"
)

// Entry describes one committed blob discovered by Walk.
type Entry struct {
	Digest  string
	Size    int64
	ModTime time.Time
}

// WalkFunc is invoked once per committed blob found under the store
// root. Returning an error aborts the walk.
type WalkFunc func(Entry) error

// Walk scans the store's shard tree depth-first, skipping the .tmp
// staging directory, and invokes fn for every committed *.bin file it
// finds. The eviction loop uses it only in Shutdown, to delete every
// blob left on disk; its TTL and LRU sweeps work from the Metadata
// Registry's entries instead.
func (s *Store) Walk(fn WalkFunc) error {
	return godirwalk.Walk(s.root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				if filepath.Base(path) == tmpDir {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".bin") {
				return nil
			}
			digest := strings.TrimSuffix(filepath.Base(path), ".bin")
			info, err := os.Stat(path)
			if err != nil {
				return nil // blob raced out from under us, not fatal to the sweep
			}
			return fn(Entry{Digest: digest, Size: info.Size(), ModTime: info.ModTime()})
		},
		ErrorCallback: func(_ string, _ error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
}
