// Package correlate implements the Correlation Layer: matching an
// inbound executor message back to the caller request that is waiting
// on it, for both the single-result and the streamed-response shape.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package correlate

import (
	"sync"

	"github.com/kraklabs/execbroker/cmn"
)

// Result is what a non-streaming Pending Request resolves to: exactly
// one of Payload or Err is set.
type Result struct {
	Payload interface{}
	Err     *cmn.BrokerError
}

// Chunk is one element of a streaming response; End is the sentinel the
// spec calls out by name ("enqueue the sentinel and clean up").
type Chunk struct {
	Data interface{}
	Err  *cmn.BrokerError
	End  bool
}

const streamQueueCapacity = 64

type streamState struct {
	ch     chan Chunk
	closed bool
}

// Layer owns every in-flight Pending Request's correlation state:
// request-id -> result slot or stream queue, and request-id -> owning
// executor id (so a disconnect or cancel can be routed). Grounded on
// the teacher's `downloader` request/response idiom (a per-call
// response channel the dispatching goroutine writes to exactly once,
// closed after the write) generalized to also cover the streaming case,
// which aistore's downloader has no analogue for.
type Layer struct {
	mu      sync.Mutex
	pending map[string]chan Result
	streams map[string]*streamState
	owner   map[string]string
}

func NewLayer() *Layer {
	return &Layer{
		pending: make(map[string]chan Result),
		streams: make(map[string]*streamState),
		owner:   make(map[string]string),
	}
}

// RegisterNonStreaming creates a fresh one-shot result slot for rid,
// owned by executorID.
func (l *Layer) RegisterNonStreaming(rid, executorID string) <-chan Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan Result, 1)
	l.pending[rid] = ch
	l.owner[rid] = executorID
	return ch
}

// RegisterStreaming creates a bounded chunk queue for rid, owned by
// executorID.
func (l *Layer) RegisterStreaming(rid, executorID string) <-chan Chunk {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := &streamState{ch: make(chan Chunk, streamQueueCapacity)}
	l.streams[rid] = st
	l.owner[rid] = executorID
	return st.ch
}

// Owner reports which executor a request was dispatched to, used by
// the dispatcher's cancellation protocol and by disconnect handling.
func (l *Layer) Owner(rid string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.owner[rid]
	return id, ok
}

// Deliver routes one inbound executor message to its Pending Request,
// per spec §4.6:
//   - a streaming message enqueues its chunk or error (if any); the end
//     sentinel and cleanup are left to Finish;
//   - a non-streaming message resolves the result slot with either an
//     ApiError (status.error present) or the raw payload, and cleans up.
//
// Deliver is a no-op (but not an error) for an rid with no registered
// state -- the request may already have timed out, been cancelled, or
// been abandoned by a caller disconnect.
func (l *Layer) Deliver(rid string, payload interface{}, streaming bool, apiErr *cmn.BrokerError) {
	if streaming {
		l.deliverStreamChunk(rid, payload, apiErr)
		return
	}
	l.mu.Lock()
	ch, ok := l.pending[rid]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.pending, rid)
	delete(l.owner, rid)
	l.mu.Unlock()

	ch <- Result{Payload: payload, Err: apiErr}
}

// deliverStreamChunk enqueues one chunk or error; it never enqueues the
// sentinel or cleans up (Finish does both). The chunk is pulled from payload
// by the caller (the executor message handler), which already knows
// the wire shape; this layer only needs the decoded pieces.
func (l *Layer) deliverStreamChunk(rid string, chunkData interface{}, apiErr *cmn.BrokerError) {
	l.mu.Lock()
	st, ok := l.streams[rid]
	l.mu.Unlock()
	if !ok {
		return
	}
	if chunkData != nil || apiErr != nil {
		select {
		case st.ch <- Chunk{Data: chunkData, Err: apiErr}:
		default:
			// queue full: a stalled consumer is the caller's problem, not
			// ours to block the executor's inbound pump over.
		}
	}
}

// Finish marks a streaming request complete: enqueues the end sentinel
// then cleans up local state. Safe to call more than once.
func (l *Layer) Finish(rid string) {
	l.mu.Lock()
	st, ok := l.streams[rid]
	if ok {
		delete(l.streams, rid)
		delete(l.owner, rid)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case st.ch <- Chunk{End: true}:
	default:
	}
}

// Cleanup idempotently removes any correlation state for rid, resolving
// a still-waiting non-streaming slot with a generic cancellation error
// and pushing the sentinel to a still-open stream. Used by the caller-
// disconnect, explicit-cancel, and request-timeout paths (spec §5,
// "Cancellation semantics"); the executor-disconnect path uses
// CleanupWithErr directly so it can surface ExecutorGone instead (spec
// §7, scenario S3).
func (l *Layer) Cleanup(rid string) {
	l.CleanupWithErr(rid, cmn.NewErr(cmn.ErrGatewayTimeout, "request cancelled"))
}

// CleanupWithErr is Cleanup with the error a still-waiting non-streaming
// slot is resolved with left to the caller, so each cancellation trigger
// (spec §5) can surface the taxonomy entry that actually matches it
// instead of one generic cancellation error for all of them.
func (l *Layer) CleanupWithErr(rid string, err *cmn.BrokerError) {
	l.mu.Lock()
	ch, hasPending := l.pending[rid]
	st, hasStream := l.streams[rid]
	delete(l.pending, rid)
	delete(l.streams, rid)
	delete(l.owner, rid)
	l.mu.Unlock()

	if hasPending {
		select {
		case ch <- Result{Err: err}:
		default:
		}
	}
	if hasStream {
		select {
		case st.ch <- Chunk{End: true}:
		default:
		}
	}
}
