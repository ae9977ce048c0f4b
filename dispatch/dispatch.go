// Package dispatch implements the Command Dispatcher: sending a command
// envelope to an executor and waiting for (or streaming) its result.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/kraklabs/execbroker/cluster"
	"github.com/kraklabs/execbroker/cmn"
	"github.com/kraklabs/execbroker/correlate"
)

// streamPollInterval bounds how long a streaming Next() call blocks
// before re-checking the caller's context, keeping disconnect detection
// responsive without busy-looping (spec §4.7 step 5b).
const streamPollInterval = 250 * time.Millisecond

// envelope is the wire shape sent down an executor's channel, grounded
// on the teacher's downloader `request`/`response` correlation-by-id
// idiom, generalized here to a JSON envelope crossing a process
// boundary instead of an in-process channel of Go structs.
type envelope struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

const cancelType = "cancel"

// Dispatcher owns no state of its own beyond its collaborators: the
// Executor Registry for sending, and the Correlation Layer for
// registering/resolving/cleaning up Pending Requests.
type Dispatcher struct {
	registry *cluster.Registry
	corr     *correlate.Layer
	timeout  time.Duration
}

func New(registry *cluster.Registry, corr *correlate.Layer, timeout time.Duration) *Dispatcher {
	return &Dispatcher{registry: registry, corr: corr, timeout: timeout}
}

func (d *Dispatcher) send(ex *cluster.Executor, env envelope) error {
	b, err := cmn.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal command envelope")
	}
	if !ex.Send(b) {
		return cmn.NewErr(cmn.ErrExecutorGone, "executor %s channel closed", ex.ID)
	}
	return nil
}

// Dispatch sends a non-streaming command and waits for its result,
// timeout, or the caller context being cancelled. rid is the Pending
// Request's process-unique id (spec §3), generated once by the caller
// (the orchestrator) so it is stable across a rebuild-on-expire retry.
func (d *Dispatcher) Dispatch(ctx context.Context, ex *cluster.Executor, rid, cmdType string, payload interface{}) (interface{}, error) {
	resultCh := d.corr.RegisterNonStreaming(rid, ex.ID)
	d.registry.MarkActive(ex.ID, rid)
	defer d.registry.MarkDone(ex.ID, rid)

	if err := d.send(ex, envelope{ID: rid, Type: cmdType, Payload: payload}); err != nil {
		d.corr.Cleanup(rid)
		return nil, err
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Payload, nil
	case <-timer.C:
		d.cancel(ex.ID, rid, "timeout")
		return nil, cmn.NewErr(cmn.ErrGatewayTimeout, "executor %s timed out after %s", ex.ID, d.timeout)
	case <-ctx.Done():
		d.cancel(ex.ID, rid, "caller disconnected")
		return nil, cmn.NewErr(cmn.ErrGatewayTimeout, "caller disconnected before response")
	}
}

// Stream is the lazy, finite sequence of chunks a streaming Dispatch
// call returns: Next yields the next chunk, reports completion, or
// surfaces an error, performing its own context/disconnect check
// between yields.
type Stream struct {
	d   *Dispatcher
	ex  *cluster.Executor
	rid string
	ch  <-chan correlate.Chunk
}

// DispatchStreaming sends a streaming command and returns a Stream the
// caller drains with Next until it reports done.
func (d *Dispatcher) DispatchStreaming(ctx context.Context, ex *cluster.Executor, rid, cmdType string, payload interface{}) (*Stream, error) {
	ch := d.corr.RegisterStreaming(rid, ex.ID)
	d.registry.MarkActive(ex.ID, rid)

	if err := d.send(ex, envelope{ID: rid, Type: cmdType, Payload: payload}); err != nil {
		d.registry.MarkDone(ex.ID, rid)
		d.corr.Cleanup(rid)
		return nil, err
	}
	return &Stream{d: d, ex: ex, rid: rid, ch: ch}, nil
}

// Next blocks for at most streamPollInterval before re-checking ctx, so
// a caller disconnect detected mid-stream is never more than one poll
// interval late. done=true with err=nil means a clean end-of-stream.
func (s *Stream) Next(ctx context.Context) (chunk interface{}, done bool, err error) {
	for {
		select {
		case <-ctx.Done():
			s.d.cancel(s.ex.ID, s.rid, "caller disconnected mid-stream")
			s.d.registry.MarkDone(s.ex.ID, s.rid)
			return nil, true, ctx.Err()
		case c, ok := <-s.ch:
			if !ok || c.End {
				s.d.registry.MarkDone(s.ex.ID, s.rid)
				return nil, true, nil
			}
			if c.Err != nil {
				s.d.registry.MarkDone(s.ex.ID, s.rid)
				return nil, true, c.Err
			}
			return c.Data, false, nil
		case <-time.After(streamPollInterval):
			continue
		}
	}
}

// Cancel is the explicit-cancel-API entry point (spec §5 cancellation
// path ii): same best-effort envelope + idempotent cleanup as an
// internally-detected disconnect or timeout.
func (d *Dispatcher) Cancel(rid string) {
	executorID, ok := d.corr.Owner(rid)
	if !ok {
		return
	}
	d.cancel(executorID, rid, "explicit cancel")
}

// Disconnected is the executor-disconnect cancellation path (spec §5
// cancellation path iii, scenario S3): the owning executor has already
// been pulled from the Executor Registry by the time this runs, so no
// cancel envelope can be sent -- unlike the other cancellation
// triggers, a still-waiting non-streaming slot must resolve with
// ExecutorGone (spec §7 "chosen executor disconnected after
// selection"), not the generic cancelled/timeout error Cleanup uses.
func (d *Dispatcher) Disconnected(rid string) {
	d.corr.CleanupWithErr(rid, cmn.NewErr(cmn.ErrExecutorGone, "executor disconnected mid-request"))
}

// cancel implements the best-effort cancel-envelope-then-cleanup
// protocol shared by the timeout, caller-disconnect, and explicit-cancel
// paths (spec §4.7, §5).
func (d *Dispatcher) cancel(executorID, rid, reason string) {
	if ex, ok := d.registry.Get(executorID); ok {
		if err := d.send(ex, envelope{ID: rid, Type: cancelType}); err != nil {
			glog.Warningf("dispatch: best-effort cancel of %s on %s failed (%s): %v", rid, executorID, reason, err)
		}
	}
	d.corr.Cleanup(rid)
}
