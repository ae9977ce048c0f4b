// Package orchestrate implements the Request Orchestrator: the top-level
// entry point for every caller-originated command. It resolves file
// references in outbound payloads, schedules the executor that minimizes
// missing replicas, backfills what is missing, rewrites the payload to
// executor-local handles, dispatches, and recovers once from an
// upstream "file not found" condition by rebuilding and retrying.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package orchestrate

import (
	"context"
	"math/rand"
	"strings"

	"github.com/golang/glog"

	"github.com/kraklabs/execbroker/cluster"
	"github.com/kraklabs/execbroker/cmn"
	"github.com/kraklabs/execbroker/dispatch"
	"github.com/kraklabs/execbroker/ingest"
	"github.com/kraklabs/execbroker/registry"
	"github.com/kraklabs/execbroker/replicate"
)

// fileRefKeys are the two casings the upstream wire format uses for an
// inline file-reference node (spec §4.9 step 2).
var fileRefKeys = []string{"fileData", "file_data"}

const octetStream = "application/octet-stream"

// fileRef is one resolved fileData|file_data node found while walking an
// outbound payload: the node itself (mutated in place on rewrite), the
// digest it resolved to, and the Metadata Registry entry backing it.
type fileRef struct {
	node   map[string]interface{}
	digest string
	entry  *registry.Entry
}

// Orchestrator is the Request Orchestrator (spec §4.9). It depends on
// every other core component but owns no state of its own: all
// scheduling decisions read live state from the Metadata Registry and
// the Executor Registry at call time.
type Orchestrator struct {
	reg   *registry.Registry
	nodes *cluster.Registry
	repl  *replicate.Engine
	disp  *dispatch.Dispatcher
}

func New(reg *registry.Registry, nodes *cluster.Registry, repl *replicate.Engine, disp *dispatch.Dispatcher) *Orchestrator {
	return &Orchestrator{reg: reg, nodes: nodes, repl: repl, disp: disp}
}

// Handle is the non-streaming entry point (generateContent, listModels,
// getModel, get_file, delete_file, initiate-resumable-upload,
// upload-chunk). payload is the decoded JSON body the caller sent,
// mutated in place by the scheduling/rewrite steps before it is
// forwarded to the chosen executor.
func (o *Orchestrator) Handle(ctx context.Context, cmdType string, payload map[string]interface{}) (interface{}, error) {
	refs, err := o.prepare(payload)
	if err != nil {
		return nil, err
	}
	selected, err := o.schedule(ctx, refs)
	if err != nil {
		return nil, err
	}
	o.rewrite(refs, selected)

	rid := cmn.GenRequestID()
	ex, ok := o.nodes.Get(selected)
	if !ok {
		return nil, cmn.NewErr(cmn.ErrExecutorGone, "selected executor %s vanished before dispatch", selected)
	}
	result, err := o.disp.Dispatch(ctx, ex, rid, cmdType, payload)
	if err == nil {
		return result, nil
	}

	if !o.isRebuildable(err, refs) {
		return nil, err
	}
	glog.Warningf("orchestrate: %s reported file-not-found for request %s, rebuilding and retrying once", selected, rid)
	newSelected, rerr := o.rebuild(ctx, refs)
	if rerr != nil {
		return nil, cmn.NewErr(cmn.ErrRebuildFailed, "rebuild after expiry failed: %v", rerr)
	}
	o.rewrite(refs, newSelected)
	ex2, ok := o.nodes.Get(newSelected)
	if !ok {
		return nil, cmn.NewErr(cmn.ErrRebuildFailed, "rebuild executor %s vanished before retry", newSelected)
	}
	result, err = o.disp.Dispatch(ctx, ex2, cmn.GenRequestID(), cmdType, payload)
	if err != nil {
		return nil, cmn.NewErr(cmn.ErrRebuildFailed, "retry after rebuild failed: %v", err)
	}
	return result, nil
}

// HandleStreaming is the streamGenerateContent entry point. Rebuild-on-
// expire does not apply mid-stream (spec §4.9 step 6 is specified for
// the non-streaming dispatch path; a stream that stalls is covered by
// the dispatcher's own disconnect handling instead).
func (o *Orchestrator) HandleStreaming(ctx context.Context, cmdType string, payload map[string]interface{}) (*dispatch.Stream, error) {
	refs, err := o.prepare(payload)
	if err != nil {
		return nil, err
	}
	selected, err := o.schedule(ctx, refs)
	if err != nil {
		return nil, err
	}
	o.rewrite(refs, selected)

	ex, ok := o.nodes.Get(selected)
	if !ok {
		return nil, cmn.NewErr(cmn.ErrExecutorGone, "selected executor %s vanished before dispatch", selected)
	}
	return o.disp.DispatchStreaming(ctx, ex, cmn.GenRequestID(), cmdType, payload)
}

// prepare runs mime repair (step 1) and file-reference extraction
// (step 2) over payload.
func (o *Orchestrator) prepare(payload map[string]interface{}) ([]*fileRef, error) {
	o.repairMime(payload)
	return o.extractRefs(payload)
}

// repairMime walks every fileData|file_data node and, where the
// declared mime is missing/octet-stream or a text/* guess that looks
// wrong for a binary reference, substitutes a better one: the
// Metadata Registry's own stored mime for the referenced digest if the
// file is known, else an extension-derived guess (spec §4.9 step 1).
func (o *Orchestrator) repairMime(payload map[string]interface{}) {
	walkFileNodes(payload, func(node map[string]interface{}) {
		ref := nodeRef(node)
		if ref == "" {
			return
		}
		mime := nodeMime(node)
		if mime != "" && mime != octetStream && !strings.HasPrefix(mime, "text/") {
			return
		}
		inferred := ""
		if e, err := o.reg.Resolve(ref); err == nil && !e.Stub {
			inferred = e.Mime
		}
		if inferred == "" {
			inferred = ingest.ExtMime(ref)
		}
		if inferred != "" && inferred != mime {
			setNodeMime(node, inferred)
		}
	})
}

// extractRefs recursively finds every fileData|file_data node in
// payload and resolves it to a registry entry; inlineData/inline_data
// parts are never visited by walkFileNodes, so base64-inline image
// parts mixed into the same request are passed through untouched.
func (o *Orchestrator) extractRefs(payload map[string]interface{}) ([]*fileRef, error) {
	var refs []*fileRef
	var firstErr error
	walkFileNodes(payload, func(node map[string]interface{}) {
		if firstErr != nil {
			return
		}
		name := nodeRef(node)
		if name == "" {
			return
		}
		e, err := o.reg.Resolve(name)
		if err != nil {
			firstErr = cmn.NewErr(cmn.ErrNotFound, "file reference %q does not resolve", name)
			return
		}
		refs = append(refs, &fileRef{node: node, digest: e.Digest, entry: e})
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return refs, nil
}

// schedule implements spec §4.9 step 3: pick a round-robin preferred
// executor, compute each live executor's missing-replica count over
// refs, select the minimum (ties favor the round-robin choice, then
// uniform random), synchronously backfill the selection, and
// fire-and-forget heal the round-robin choice if it was passed over.
func (o *Orchestrator) schedule(ctx context.Context, refs []*fileRef) (string, error) {
	preferred, err := o.nodes.Next()
	if err != nil {
		return "", err
	}
	live := o.nodes.All()
	if len(live) == 0 {
		return "", cmn.NewErr(cmn.ErrNoExecutors, "no executors connected")
	}

	missing := make(map[string][]string, len(live))
	best := -1
	var tied []string
	for _, ex := range live {
		var need []string
		for _, r := range refs {
			rep, ok := r.entry.Replication[ex.ID]
			if !ok || rep.Status != registry.Synced {
				need = append(need, r.digest)
			}
		}
		missing[ex.ID] = need
		switch {
		case best == -1 || len(need) < best:
			best = len(need)
			tied = []string{ex.ID}
		case len(need) == best:
			tied = append(tied, ex.ID)
		}
	}

	selected := pickTieBreak(tied, preferred.ID)
	for _, d := range missing[selected] {
		if err := o.repl.Replicate(ctx, d, selected); err != nil {
			return "", err
		}
	}
	if selected != preferred.ID {
		if need := missing[preferred.ID]; len(need) > 0 {
			o.repl.ReplicateBulk(need, preferred.ID)
		}
	}
	return selected, nil
}

// pickTieBreak favors preferredID if it is among the tied minimum-
// missing executors, else a uniform-random pick among them.
func pickTieBreak(tied []string, preferredID string) string {
	for _, id := range tied {
		if id == preferredID {
			return preferredID
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return tied[rand.Intn(len(tied))]
}

// rewrite implements spec §4.9 step 4: for every reference, replace the
// reference keys with the selected executor's synced uri (falling back
// to its remote name), collapsing every alternative key form down to a
// single canonical one.
func (o *Orchestrator) rewrite(refs []*fileRef, selected string) {
	for _, r := range refs {
		e, err := o.reg.Get(r.digest)
		if err != nil {
			continue
		}
		rep, ok := e.Replication[selected]
		if !ok {
			continue
		}
		uri := rep.RemoteURI
		if uri == "" {
			uri = rep.RemoteName
		}
		delete(r.node, "fileUri")
		delete(r.node, "file_uri")
		delete(r.node, "fileName")
		delete(r.node, "file_name")
		r.node["fileUri"] = uri
	}
}

// isRebuildable reports whether err is an upstream ApiError whose
// message matches the "file expired/not found" condition the
// rebuild-on-expire retry watches for, and the payload actually
// carried at least one file reference to rebuild.
func (o *Orchestrator) isRebuildable(err error, refs []*fileRef) bool {
	if len(refs) == 0 {
		return false
	}
	be := cmn.AsBrokerError(err)
	if be.Code != cmn.ErrAPI {
		return false
	}
	return cmn.IsFileNotFoundMsg(be.Message)
}

// rebuild resets every referenced digest's replication map and
// re-uploads each to a freshly round-robin-picked executor (spec §4.9
// step 6 / §4.8), returning that executor's id so the caller can retry
// the dispatch against it. All references share the same rebuild
// executor so the retried payload only needs one dispatch target.
func (o *Orchestrator) rebuild(ctx context.Context, refs []*fileRef) (string, error) {
	ex, err := o.nodes.Next()
	if err != nil {
		return "", err
	}
	for _, r := range refs {
		if err := o.reg.ResetReplication(r.digest); err != nil {
			return "", err
		}
		if err := o.repl.Replicate(ctx, r.digest, ex.ID); err != nil {
			return "", err
		}
	}
	return ex.ID, nil
}
