// Package cluster tracks the set of connected executors (the browser
// tabs fronting the upstream generative-content API) and the round-
// robin policy for picking one.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/kraklabs/execbroker/cmn"
)

// Executor is one connected browser-tab channel: identity, the outbound
// message sink, and the set of request ids currently being served on
// it. Mirrors the "Executor Channel" entity (spec §3): caller-supplied
// opaque id, live channel, insertion order, active-request set.
type Executor struct {
	ID          string
	ConnectedAt time.Time

	send chan<- []byte

	mu     sync.Mutex
	active map[string]struct{}
}

// Send enqueues a framed outbound message (a serialized command
// envelope) to this executor. Returns false if the executor's channel
// is already closed.
func (e *Executor) Send(b []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	e.send <- b
	return true
}

func (e *Executor) markActive(rid string) {
	e.mu.Lock()
	e.active[rid] = struct{}{}
	e.mu.Unlock()
}

func (e *Executor) markDone(rid string) {
	e.mu.Lock()
	delete(e.active, rid)
	e.mu.Unlock()
}

func (e *Executor) activeRequestIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for rid := range e.active {
		ids = append(ids, rid)
	}
	return ids
}

// Registry is the Executor Registry (spec §4.5): connect/disconnect,
// strict round-robin next(), and all(). Grounded on the teacher's
// Smap/NodeMap pattern in `cluster/map.go` -- a mutex-guarded map of
// node id to node, with an explicit ordered membership list -- trimmed
// of everything specific to a gateway/target cluster topology (no HRW
// digest, no primary-proxy election, no versioned map broadcast: this
// broker is a single process, not a cluster of peers).
type Registry struct {
	mu    sync.Mutex
	order []string
	byID  map[string]*Executor
	rr    int
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Executor)}
}

// Connect registers a newly-connected executor, replacing any prior
// entry under the same id (a reconnect). The returned channel is the
// read side of the new executor's send queue; the caller's pump
// goroutine ranges over it to write outbound frames.
func (r *Registry) Connect(id string, bufSize int) (*Executor, <-chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan []byte, bufSize)
	ex := &Executor{ID: id, ConnectedAt: time.Now(), send: ch, active: make(map[string]struct{})}

	if _, exists := r.byID[id]; !exists {
		r.order = append(r.order, id)
	}
	r.byID[id] = ex
	glog.Infof("cluster: executor %s connected (%d live)", id, len(r.byID))
	return ex, ch
}

// Disconnect removes id from the live set, closes its send channel, and
// returns the request ids that were active on it so the caller (the
// executor channel server in wsexec, which holds the Correlation Layer)
// can trigger their cancellation -- this package does not import the
// correlation layer to avoid a cycle.
func (r *Registry) Disconnect(id string) (activeRequestIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ex, ok := r.byID[id]
	if !ok {
		return nil
	}
	activeRequestIDs = ex.activeRequestIDs()
	delete(r.byID, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	close(ex.send)
	glog.Infof("cluster: executor %s disconnected (%d live, %d requests to cancel)", id, len(r.byID), len(activeRequestIDs))
	return activeRequestIDs
}

// Next returns the next live executor in strict round-robin order over
// the insertion-ordered id list.
func (r *Registry) Next() (*Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return nil, cmn.NewErr(cmn.ErrNoExecutors, "no executors connected")
	}
	r.rr = r.rr % len(r.order)
	id := r.order[r.rr]
	r.rr++
	return r.byID[id], nil
}

// All returns a snapshot of every live executor in insertion order.
func (r *Registry) All() []*Executor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Executor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Get looks up a single live executor by id.
func (r *Registry) Get(id string) (*Executor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.byID[id]
	return ex, ok
}

// MarkActive/MarkDone record a request as being served on an executor,
// so Disconnect can report it for cancellation. Exported at Registry
// level (rather than letting callers reach into *Executor directly) to
// keep all membership bookkeeping in one place.
func (r *Registry) MarkActive(executorID, requestID string) {
	if ex, ok := r.Get(executorID); ok {
		ex.markActive(requestID)
	}
}

func (r *Registry) MarkDone(executorID, requestID string) {
	if ex, ok := r.Get(executorID); ok {
		ex.markDone(requestID)
	}
}
