/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package httpapi

import (
	"sort"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/kraklabs/execbroker/cmn"
	"github.com/kraklabs/execbroker/registry"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// handleListFiles implements spec §6.1's paginated file list: pageToken
// is an opaque start-index string, exactly as the teacher's own
// marker-based bucket listing treats its continuation token as an
// opaque cursor the caller must not try to interpret.
func (s *Server) handleListFiles(ctx *fasthttp.RequestCtx) {
	entries, err := s.reg.All()
	if err != nil {
		writeError(ctx, err)
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Digest < entries[j].Digest
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	pageSize := defaultPageSize
	if raw := string(ctx.QueryArgs().Peek("pageSize")); raw != "" {
		if n, perr := strconv.Atoi(raw); perr == nil && n >= 1 && n <= maxPageSize {
			pageSize = n
		}
	}
	start := 0
	if raw := string(ctx.QueryArgs().Peek("pageToken")); raw != "" {
		if n, perr := strconv.Atoi(raw); perr == nil && n >= 0 {
			start = n
		}
	}
	if start > len(entries) {
		start = len(entries)
	}
	end := start + pageSize
	if end > len(entries) {
		end = len(entries)
	}

	files := make([]map[string]interface{}, 0, end-start)
	for _, e := range entries[start:end] {
		desc, derr := s.fileDescriptorFor(e)
		if derr != nil {
			continue
		}
		files = append(files, desc)
	}

	resp := map[string]interface{}{"files": files}
	if end < len(entries) {
		resp["nextPageToken"] = strconv.Itoa(end)
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

// handleGetFile resolves name through the Metadata Registry's alias
// index (spec §4.2). ?verifyRemote=true forces a live get_file
// round-trip through the orchestrator before answering, rather than
// trusting local bookkeeping alone. The payload carries no fileData
// reference, so the executor is the orchestrator's round-robin pick,
// not necessarily one holding a synced replica.
func (s *Server) handleGetFile(ctx *fasthttp.RequestCtx, name string) {
	e, err := s.reg.Resolve(name)
	if err != nil {
		writeError(ctx, err)
		return
	}

	if string(ctx.QueryArgs().Peek("verifyRemote")) == "true" {
		if _, verr := s.orch.Handle(ctx, "get_file", map[string]interface{}{"name": "files/" + e.Digest}); verr != nil {
			writeError(ctx, verr)
			return
		}
	}

	desc, derr := s.fileDescriptorFor(e)
	if derr != nil {
		writeError(ctx, derr)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, desc)
}

// handleDeleteFile is idempotent (spec §7: "File delete is idempotent
// (missing file -> 200)"). It tombstones the local entry, unlinks its
// physical blob (spec §4 "File Cache Entry" lifecycle: "destroyed on
// explicit delete ... the physical file is unlinked", mirroring the
// same store.Delete the eviction loop's apply() runs), and
// fire-and-forgets a delete_file command to every executor currently
// holding a synced replica; the caller never waits on those.
func (s *Server) handleDeleteFile(ctx *fasthttp.RequestCtx, name string) {
	e, err := s.reg.Resolve(name)
	if err != nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{})
		return
	}

	var aliases []string
	for executorID, rep := range e.Replication {
		if rep.Status != registry.Synced {
			continue
		}
		if rep.RemoteName != "" {
			aliases = append(aliases, rep.RemoteName)
		}
		if rep.RemoteURI != "" {
			aliases = append(aliases, rep.RemoteURI)
		}
		s.fireDeleteFile(executorID, rep.RemoteName)
	}
	s.reg.Tombstone(e.Digest, append(aliases, "files/"+e.Digest)...)
	if !e.Stub {
		if derr := s.pipe.Store().Delete(e.Digest); derr != nil {
			logAndIgnore("unlink blob "+e.Digest+" on delete", derr)
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{})
}

func (s *Server) fireDeleteFile(executorID, remoteName string) {
	ex, ok := s.nodes.Get(executorID)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := newBackgroundTimeout()
		defer cancel()
		if _, err := s.disp.Dispatch(ctx, ex, cmn.GenRequestID(), "delete_file", map[string]interface{}{"name": remoteName}); err != nil {
			logAndIgnore("fire-and-forget delete_file on "+executorID, err)
		}
	}()
}
