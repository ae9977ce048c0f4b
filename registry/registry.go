// Package registry implements the Metadata Registry: the in-memory
// digest->entry map, its alias index, and its tombstone set.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package registry

import (
	"strings"
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/kraklabs/execbroker/cmn"
	"github.com/kraklabs/execbroker/dbdriver"
)

const entriesCollection = "entries##"

// ReplicaStatus is the per-executor state of one entry's replication map.
type ReplicaStatus string

const (
	Pending ReplicaStatus = "pending"
	Synced  ReplicaStatus = "synced"
	Failed  ReplicaStatus = "failed"
)

type Replica struct {
	Status         ReplicaStatus `json:"status"`
	RemoteName     string        `json:"remote_name,omitempty"`
	RemoteURI      string        `json:"remote_uri,omitempty"`
	RemoteExpireAt *time.Time    `json:"remote_expire_at,omitempty"`
}

// Entry is a File Cache Entry (spec terminology): everything the
// registry knows about one content-addressed blob.
type Entry struct {
	Digest         string              `json:"digest"`
	Path           string              `json:"path"`
	Filename       string              `json:"filename"`
	Mime           string              `json:"mime"`
	Size           int64               `json:"size"`
	CreatedAt      time.Time           `json:"created_at"`
	LastAccessedAt time.Time           `json:"last_accessed_at"`
	RemoteExpireAt *time.Time          `json:"remote_expire_at,omitempty"`
	Replication    map[string]*Replica `json:"replication"`
	// Stub marks a zero-byte placeholder created by ensure-remote-stub:
	// Path must never be opened for reading.
	Stub bool `json:"stub,omitempty"`
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Replication = make(map[string]*Replica, len(e.Replication))
	for k, v := range e.Replication {
		r := *v
		cp.Replication[k] = &r
	}
	return &cp
}

// Registry guards the digest->entry map, the alias index, and the
// tombstone set behind one mutex, per the spec's shared-resource policy
// that composite mutations on this state must be serialized. Entries
// are stored through dbdriver (BuntDB in-memory mode) so creation,
// update and iteration share one persistence idiom with the rest of the
// broker's stateful packages; the alias index and tombstone set are
// small enough to stay as plain guarded maps.
type Registry struct {
	mu sync.Mutex
	db *dbdriver.BuntDriver

	aliases    map[string]string // alias -> digest
	tombstones map[string]bool   // digest -> true
	tombAlias  map[string]string // alias -> digest, for tombstoned entries
	tombFast   *cuckoo.Filter    // probabilistic fast-path before the exact tombstones map
}

func New() (*Registry, error) {
	db, err := dbdriver.NewBuntDB(":memory:")
	if err != nil {
		return nil, err
	}
	return &Registry{
		db:         db,
		aliases:    make(map[string]string),
		tombstones: make(map[string]bool),
		tombAlias:  make(map[string]string),
		tombFast:   cuckoo.NewFilter(1 << 16),
	}, nil
}

func (r *Registry) Close() error { return r.db.Close() }

func (r *Registry) loadLocked(digest string) (*Entry, bool) {
	var e Entry
	if err := r.db.Get(entriesCollection, digest, &e); err != nil {
		return nil, false
	}
	return &e, true
}

func (r *Registry) storeLocked(e *Entry) error {
	return r.db.Set(entriesCollection, e.Digest, e)
}

// Get returns a defensive copy of the live entry for digest, or
// ErrNotFound-wrapped if there is none (whether never created or
// tombstoned).
func (r *Registry) Get(digest string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.loadLocked(digest)
	if !ok {
		return nil, cmn.NewErr(cmn.ErrNotFound, "no entry for digest "+digest)
	}
	return e.clone(), nil
}

// Resolve implements the layered alias lookup described in spec §4.2:
// direct index hit, trailing id of "files/<id>", a bare-digest lookup,
// then a replication-map back-scan as a last resort. A hit via back-scan is
// back-filled into the index so future lookups take the fast path.
func (r *Registry) Resolve(alias string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tombFast.Lookup([]byte(alias)) {
		if d, ok := r.tombAlias[alias]; ok {
			return nil, cmn.NewErr(cmn.ErrNotFound, "tombstoned: "+d)
		}
	}

	if digest, ok := r.aliases[alias]; ok {
		e, ok := r.loadLocked(digest)
		if !ok {
			return nil, cmn.NewErr(cmn.ErrNotFound, "dangling alias: "+alias)
		}
		return e.clone(), nil
	}

	if id := trailingID(alias); id != "" && id != alias {
		if digest, ok := r.aliases[id]; ok {
			if e, ok := r.loadLocked(digest); ok {
				r.aliases[alias] = digest
				return e.clone(), nil
			}
		}
	}

	if looksLikeDigest(alias) {
		if e, ok := r.loadLocked(alias); ok {
			r.aliases[alias] = alias
			return e.clone(), nil
		}
	}

	// Replication-map back-scan: some alias (a remote name/uri) was
	// never eagerly registered. Walk every entry looking for a
	// replica whose RemoteName or RemoteURI matches.
	keys, err := r.db.List(entriesCollection, "")
	if err != nil {
		return nil, cmn.NewErr(cmn.ErrNotFound, "no entry resolves alias "+alias)
	}
	for _, k := range keys {
		digest := strings.TrimPrefix(k, entriesCollection)
		e, ok := r.loadLocked(digest)
		if !ok {
			continue
		}
		for _, rep := range e.Replication {
			if rep.RemoteName == alias || rep.RemoteURI == alias {
				r.aliases[alias] = digest
				return e.clone(), nil
			}
		}
	}
	return nil, cmn.NewErr(cmn.ErrNotFound, "no entry resolves alias "+alias)
}

func trailingID(alias string) string {
	if i := strings.LastIndex(alias, "/"); i >= 0 && i+1 < len(alias) {
		return alias[i+1:]
	}
	return alias
}

func looksLikeDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// Create registers a brand-new live entry. Callers (the Ingest
// Pipeline) are responsible for ensuring the digest is not already
// present -- Create overwrites unconditionally, matching
// finalize-after-dedup-check call sites that already did the Get.
func (r *Registry) Create(digest, path, filename, mime string, size int64) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	e := &Entry{
		Digest:         digest,
		Path:           path,
		Filename:       filename,
		Mime:           mime,
		Size:           size,
		CreatedAt:      now,
		LastAccessedAt: now,
		Replication:    make(map[string]*Replica),
	}
	r.clearTombstoneLocked(digest)
	if err := r.storeLocked(e); err != nil {
		return nil, err
	}
	r.aliases[digest] = digest
	return e.clone(), nil
}

// EnsureRemoteStub creates (or returns) an entry for a digest the
// broker never ingested itself -- metadata the cloud surfaced for a
// file it originated. The stub's path is never opened for reading; its
// only purpose is letting scheduling decisions see a registry record.
func (r *Registry) EnsureRemoteStub(digest, stubPath, filename, mime string, size int64, expireAt *time.Time) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.loadLocked(digest); ok {
		return e.clone(), nil
	}
	now := time.Now()
	e := &Entry{
		Digest:         digest,
		Path:           stubPath,
		Filename:       filename,
		Mime:           mime,
		Size:           size,
		CreatedAt:      now,
		LastAccessedAt: now,
		RemoteExpireAt: expireAt,
		Replication:    make(map[string]*Replica),
		Stub:           true,
	}
	if err := r.storeLocked(e); err != nil {
		return nil, err
	}
	r.aliases[digest] = digest
	return e.clone(), nil
}

// RegisterAliases adds additional external names for digest to the
// index. A no-op for names that already map to digest.
func (r *Registry) RegisterAliases(digest string, aliases ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.loadLocked(digest); !ok {
		return cmn.NewErr(cmn.ErrNotFound, "no entry for digest "+digest)
	}
	for _, a := range aliases {
		if a == "" {
			continue
		}
		r.aliases[a] = digest
	}
	return nil
}

// RemoveAliases drops names from the index regardless of which digest
// they point at.
func (r *Registry) RemoveAliases(aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range aliases {
		delete(r.aliases, a)
	}
}

// UpdateReplication records the outcome of one replication attempt for
// (digest, executor). On every synced update it registers remote-name/
// remote-uri aliases and, if provided, the entry's remote expiration.
func (r *Registry) UpdateReplication(digest, executor string, status ReplicaStatus, remoteName, remoteURI string, remoteExpire *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.loadLocked(digest)
	if !ok {
		return cmn.NewErr(cmn.ErrNotFound, "no entry for digest "+digest)
	}
	prev, hadPrev := e.Replication[executor]
	rep := &Replica{Status: status, RemoteName: remoteName, RemoteURI: remoteURI, RemoteExpireAt: remoteExpire}
	e.Replication[executor] = rep

	if status == Synced {
		if remoteName != "" {
			r.aliases[remoteName] = digest
		}
		if remoteURI != "" {
			r.aliases[remoteURI] = digest
		}
		if e.RemoteExpireAt == nil && remoteExpire != nil {
			e.RemoteExpireAt = remoteExpire
		}
	}

	// Removing a synced replica (status downgraded away from synced)
	// drops its remote-name alias so the index never points a stale
	// name at an entry that no longer serves it from that executor.
	if hadPrev && prev.Status == Synced && status != Synced {
		if prev.RemoteName != "" {
			delete(r.aliases, prev.RemoteName)
		}
		if prev.RemoteURI != "" {
			delete(r.aliases, prev.RemoteURI)
		}
	}
	return r.storeLocked(e)
}

// ResetReplication clears every executor's replication state for digest,
// used before a rebuild-on-expire retry.
func (r *Registry) ResetReplication(digest string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.loadLocked(digest)
	if !ok {
		return cmn.NewErr(cmn.ErrNotFound, "no entry for digest "+digest)
	}
	for _, rep := range e.Replication {
		if rep.RemoteName != "" {
			delete(r.aliases, rep.RemoteName)
		}
		if rep.RemoteURI != "" {
			delete(r.aliases, rep.RemoteURI)
		}
	}
	e.Replication = make(map[string]*Replica)
	return r.storeLocked(e)
}

// Touch bumps last-accessed-at, called by the internal download handler
// on every read.
func (r *Registry) Touch(digest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.loadLocked(digest)
	if !ok {
		return
	}
	e.LastAccessedAt = time.Now()
	_ = r.storeLocked(e)
}

// Tombstone destroys the live entry (if any) and records digest plus
// its aliases in the tombstone set, so a delayed executor response
// referencing the deleted file cannot resurrect it.
func (r *Registry) Tombstone(digest string, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.db.Delete(entriesCollection, digest)
	delete(r.aliases, digest)
	for _, a := range aliases {
		delete(r.aliases, a)
		r.tombAlias[a] = digest
	}
	r.tombAlias[digest] = digest
	r.tombstones[digest] = true
	r.tombFast.InsertUnique([]byte(digest))
	for _, a := range aliases {
		r.tombFast.InsertUnique([]byte(a))
	}
}

func (r *Registry) clearTombstoneLocked(digest string) {
	if !r.tombstones[digest] {
		return
	}
	delete(r.tombstones, digest)
	r.tombFast.Delete([]byte(digest))
	for a, d := range r.tombAlias {
		if d == digest {
			delete(r.tombAlias, a)
			r.tombFast.Delete([]byte(a))
		}
	}
}

// ClearTombstone un-marks digest, used when a digest is re-ingested
// after having previously been deleted.
func (r *Registry) ClearTombstone(digest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearTombstoneLocked(digest)
}

func (r *Registry) IsTombstoned(digest string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.tombFast.Lookup([]byte(digest)) {
		return false
	}
	return r.tombstones[digest]
}

// All returns a defensive snapshot of every live entry, used by the
// eviction loop's TTL/LRU sweeps and by the paginated file-list route.
func (r *Registry) All() ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys, err := r.db.List(entriesCollection, "")
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		digest := strings.TrimPrefix(k, entriesCollection)
		if e, ok := r.loadLocked(digest); ok {
			out = append(out, e.clone())
		}
	}
	return out, nil
}

// Destroy removes an entry and all its aliases; it does not touch the
// tombstone set (callers that want a durable delete-marker call
// Tombstone instead; the eviction loop calls Destroy directly since TTL/
// LRU evictions are not "deletions" in the tombstone sense -- the
// content may be re-ingested or re-fetched later without resurrecting
// anything).
func (r *Registry) Destroy(digest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.loadLocked(digest)
	if !ok {
		return
	}
	for alias, d := range r.aliases {
		if d == digest {
			delete(r.aliases, alias)
		}
	}
	for _, rep := range e.Replication {
		if rep.RemoteName != "" {
			delete(r.aliases, rep.RemoteName)
		}
		if rep.RemoteURI != "" {
			delete(r.aliases, rep.RemoteURI)
		}
	}
	_ = r.db.Delete(entriesCollection, digest)
}
