// Package fs implements the content-addressed blob store: every object is
// written once under its SHA-256 digest and never modified in place.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package fs

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/kraklabs/execbroker/cmn"
)

const (
	tmpDir = ".tmp"
)

// Store roots all blob content under a single directory, sharded two
// levels deep by the first bytes of the hex digest:
//
//	<root>/<d[0:2]>/<d[2:4]>/<d>.bin
//
// This mirrors the teacher's mountpath-local FQN layout (bucket/object
// hashed into a directory tree) collapsed to a single mountpath, since
// the broker has exactly one cache root rather than a set of configured
// fspaths to balance across.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, cmn.NewErr(cmn.ErrInternal, "empty cache root")
	}
	s := &Store{root: filepath.Clean(root)}
	if err := os.MkdirAll(filepath.Join(s.root, tmpDir), 0o755); err != nil {
		return nil, err
	}
	glog.Infof("fs: store rooted at %s", s.root)
	return s, nil
}

func (s *Store) Root() string { return s.root }

// shardPath returns the final resting path for a digest, without
// verifying it exists.
func (s *Store) shardPath(digest string) (string, error) {
	if len(digest) < 4 {
		return "", cmn.NewErr(cmn.ErrInternal, "malformed digest: "+digest)
	}
	return filepath.Join(s.root, digest[0:2], digest[2:4], digest+".bin"), nil
}

// Exists reports whether content for digest is already committed.
func (s *Store) Exists(digest string) bool {
	p, err := s.shardPath(digest)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Stat returns size and mtime of the committed blob for digest.
func (s *Store) Stat(digest string) (size int64, modTime time.Time, err error) {
	p, perr := s.shardPath(digest)
	if perr != nil {
		return 0, time.Time{}, perr
	}
	fi, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, time.Time{}, cmn.NewErr(cmn.ErrNotFound, "blob not found: "+digest)
		}
		return 0, time.Time{}, err
	}
	return fi.Size(), fi.ModTime(), nil
}

// Open opens the committed blob for reading and, as a side effect, bumps
// its mtime to "now". The eviction loop's LRU sweep does not look at
// this mtime; it orders entries by the Metadata Registry's
// last-accessed time.
func (s *Store) Open(digest string) (io.ReadCloser, int64, error) {
	p, err := s.shardPath(digest)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, cmn.NewErr(cmn.ErrNotFound, "blob not found: "+digest)
		}
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	now := time.Now()
	_ = os.Chtimes(p, now, now)
	return f, fi.Size(), nil
}

// Writer streams content into a temp file and computes its SHA-256
// digest as bytes flow through; the digest is only known -- and the file
// only given its final name -- once Commit is called.
type Writer struct {
	store *Store
	tmp   *os.File
	hash  interface{ Write([]byte) (int, error) }
	sum   func() string
	n     int64
}

// NewWriter opens a fresh temp file under <root>/.tmp for a streamed,
// not-yet-digested write.
func (s *Store) NewWriter() (*Writer, error) {
	f, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "ingest-*")
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	return &Writer{
		store: s,
		tmp:   f,
		hash:  h,
		sum:   func() string { return hex.EncodeToString(h.Sum(nil)) },
	}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.tmp.Write(p)
	if n > 0 {
		w.hash.Write(p[:n])
		w.n += int64(n)
	}
	return n, err
}

func (w *Writer) Size() int64 { return w.n }

// Digest returns the running digest without finalizing the write. Used
// by callers that must compare against a caller-declared digest before
// committing (upload-from-url, chunked finalize).
func (w *Writer) Digest() string { return w.sum() }

// Abort discards the temp file without committing it.
func (w *Writer) Abort() error {
	name := w.tmp.Name()
	w.tmp.Close()
	return os.Remove(name)
}

// Commit computes the final digest, renames the temp file into its
// shard path, and returns the digest. Rename is atomic within the same
// filesystem, so a reader can never observe a partially written blob at
// its final path -- the same invariant the teacher's PUT-then-rename
// object flow relies on.
func (w *Writer) Commit() (digest string, size int64, err error) {
	digest = w.sum()
	size = w.n
	if err = w.tmp.Sync(); err != nil {
		w.tmp.Close()
		return "", 0, err
	}
	if err = w.tmp.Close(); err != nil {
		return "", 0, err
	}
	dst, err := w.store.shardPath(digest)
	if err != nil {
		return "", 0, err
	}
	if err = os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, err
	}
	if err = os.Rename(w.tmp.Name(), dst); err != nil {
		return "", 0, err
	}
	return digest, size, nil
}

// Delete removes the committed blob for digest and prunes now-empty
// shard directories, mirroring the teacher's mountpath cleanup that
// removes empty bucket/object directories after the last object in them
// is gone.
func (s *Store) Delete(digest string) error {
	p, err := s.shardPath(digest)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dir := filepath.Dir(p)
	for i := 0; i < 2; i++ {
		if pruneErr := os.Remove(dir); pruneErr != nil {
			break // not empty (or already gone) -- stop climbing
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// FQN exposes the final on-disk path for a digest.
func (s *Store) FQN(digest string) string {
	p, _ := s.shardPath(digest)
	return p
}
