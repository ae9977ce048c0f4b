// Package evict implements the Eviction Loop: a TTL sweep, an LRU sweep
// against a byte quota, and an upload-session sweep, run on a configured
// interval until told to stop.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package evict

import (
	"container/heap"
	"time"

	"github.com/golang/glog"

	"github.com/kraklabs/execbroker/cmn"
	"github.com/kraklabs/execbroker/fs"
	"github.com/kraklabs/execbroker/registry"
)

// sessionSweeper is the subset of *ingest.Pipeline the loop depends on,
// narrowed to keep this package's test doubles small.
type sessionSweeper interface {
	SweepSessions(maxAge time.Duration) int
}

// Loop owns the eviction worker's configuration and state. Unlike the
// teacher's lru package -- an xaction-framework worker walking several
// mountpaths in parallel, throttling on filesystem-capacity percentage,
// and peeling off HRW-misplaced objects into a side pass -- this loop
// has a single store root, a byte quota rather than a capacity
// percentage, and no placement concept at all, so it is grounded only
// on the teacher's core idea: accumulate eviction candidates into a
// min-heap ordered by last-access time and drain it until the target is
// met (lru/lru.go's minHeap + (*lruJ).evict).
type Loop struct {
	reg      *registry.Registry
	store    *fs.Store
	sessions sessionSweeper

	quotaBytes    int64
	sessionMaxAge time.Duration
	stop          *cmn.StopCh
}

func New(reg *registry.Registry, store *fs.Store, sessions sessionSweeper, quotaBytes int64, sessionMaxAge time.Duration) *Loop {
	return &Loop{
		reg:           reg,
		store:         store,
		sessions:      sessions,
		quotaBytes:    quotaBytes,
		sessionMaxAge: sessionMaxAge,
		stop:          cmn.NewStopCh(),
	}
}

// Run blocks, sweeping every interval, until Stop is called.
func (l *Loop) Run(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.SweepOnce()
		case <-l.stop.Listen():
			return
		}
	}
}

// Stop signals Run to return after its current tick, if any, finishes.
func (l *Loop) Stop() { l.stop.Close() }

// candidate is one entry under eviction consideration, carrying just
// enough to order and apply the decision without holding the registry's
// own lock while the heap is built and drained.
type candidate struct {
	digest         string
	size           int64
	lastAccessedAt time.Time
}

// minHeap orders candidates oldest-access-time-first, the same ordering
// lru/lru.go's minHeap applies over Atime() to pick LRU eviction
// victims first.
type minHeap []*candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].lastAccessedAt.Before(h[j].lastAccessedAt) }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(*candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// SweepOnce runs the three sweeps described in spec §4.4 exactly once
// and applies their union of marked digests. It is idempotent: marking
// an already-gone digest, or re-sweeping immediately after a prior
// sweep already cleared the quota, does no harm.
func (l *Loop) SweepOnce() {
	entries, err := l.reg.All()
	if err != nil {
		glog.Errorf("evict: failed to list registry entries: %v", err)
		return
	}

	marked := make(map[string]bool)
	now := time.Now()

	// TTL sweep: any entry whose replica cache expiration has passed,
	// regardless of current byte usage.
	for _, e := range entries {
		if e.RemoteExpireAt != nil && e.RemoteExpireAt.Before(now) {
			marked[e.Digest] = true
		}
	}

	// LRU sweep: while total bytes still physically on disk exceed the
	// quota, evict the oldest-accessed entry first. A TTL-marked entry
	// still occupies disk space until apply() runs (TTL and LRU marking
	// both happen before any deletion), so it counts toward the quota
	// here even though it is no longer an LRU eviction candidate itself.
	var totalBytes int64
	h := &minHeap{}
	heap.Init(h)
	for _, e := range entries {
		if e.Stub {
			continue
		}
		totalBytes += e.Size
		if marked[e.Digest] {
			continue
		}
		heap.Push(h, &candidate{digest: e.Digest, size: e.Size, lastAccessedAt: e.LastAccessedAt})
	}
	for totalBytes > l.quotaBytes && h.Len() > 0 {
		c := heap.Pop(h).(*candidate)
		marked[c.digest] = true
		totalBytes -= c.size
	}

	if len(marked) > 0 {
		l.apply(marked)
	}

	// Session sweep: independent of the TTL/LRU marking above, drops
	// abandoned upload sessions.
	if n := l.sessions.SweepSessions(l.sessionMaxAge); n > 0 {
		glog.Infof("evict: session sweep dropped %d", n)
	}
}

func (l *Loop) apply(digests map[string]bool) {
	for digest := range digests {
		if err := l.store.Delete(digest); err != nil {
			glog.Warningf("evict: failed to delete blob %s: %v", digest, err)
			continue
		}
		l.reg.Destroy(digest)
	}
	glog.Infof("evict: applied %d eviction(s)", len(digests))
}

// Shutdown performs the delete-all pass spec §4.4 calls for on process
// shutdown: every live entry is destroyed and every blob still on disk
// (including ones the registry lost track of, e.g. across a restart
// with a fresh in-memory registry) is removed via a Store.Walk, mirroring
// the teacher's own belt-and-suspenders approach of treating the
// filesystem walk as the ground truth that in-memory bookkeeping must
// agree with.
func (l *Loop) Shutdown() {
	entries, err := l.reg.All()
	if err == nil {
		for _, e := range entries {
			l.reg.Destroy(e.Digest)
		}
	}
	walkErr := l.store.Walk(func(e fs.Entry) error {
		return l.store.Delete(e.Digest)
	})
	if walkErr != nil {
		glog.Warningf("evict: shutdown delete-all walk error: %v", walkErr)
	}
	glog.Infof("evict: shutdown delete-all pass complete")
}
