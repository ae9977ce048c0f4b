// Package httpapi is the cloud-API-compatible HTTP caller surface (spec
// §6.1): request routing, payload decoding, and error-shape translation
// sit here; every operation's actual work is delegated to the
// Orchestrator, Ingest Pipeline, Metadata Registry, or Eviction Loop.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package httpapi

import (
	"strings"

	"github.com/golang/glog"
	"github.com/valyala/fasthttp"

	"github.com/kraklabs/execbroker/cluster"
	"github.com/kraklabs/execbroker/cmn"
	"github.com/kraklabs/execbroker/dispatch"
	"github.com/kraklabs/execbroker/evict"
	"github.com/kraklabs/execbroker/ingest"
	"github.com/kraklabs/execbroker/orchestrate"
	"github.com/kraklabs/execbroker/registry"
	"github.com/kraklabs/execbroker/token"
)

// Server wires every core component into fasthttp route handlers. It
// holds no state of its own beyond its collaborators, mirroring the
// teacher's own httpcommon handler-struct convention of a thin routing
// layer over stateful packages it does not own.
type Server struct {
	cfg    *cmn.Config
	reg    *registry.Registry
	nodes  *cluster.Registry
	orch   *orchestrate.Orchestrator
	pipe   *ingest.Pipeline
	disp   *dispatch.Dispatcher
	loop   *evict.Loop
	minter *token.Minter
}

func New(cfg *cmn.Config, reg *registry.Registry, nodes *cluster.Registry, orch *orchestrate.Orchestrator, pipe *ingest.Pipeline, disp *dispatch.Dispatcher, loop *evict.Loop, minter *token.Minter) *Server {
	return &Server{cfg: cfg, reg: reg, nodes: nodes, orch: orch, pipe: pipe, disp: disp, loop: loop, minter: minter}
}

// Handler returns the fasthttp entry point for the caller surface's
// listen address.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		s.applyCORS(ctx)
		if string(ctx.Method()) == fasthttp.MethodOptions {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}
		s.route(ctx)
	}
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())

	switch {
	case path == "/healthz":
		s.handleHealth(ctx)
	case path == "/debug/cache":
		s.handleDebugCache(ctx)

	case path == "/v1beta/models" && method == fasthttp.MethodGet:
		s.handleListModels(ctx)
	case strings.HasPrefix(path, "/v1beta/models/") && strings.HasSuffix(path, ":generateContent") && method == fasthttp.MethodPost:
		s.handleGenerateContent(ctx, modelName(path, ":generateContent"))
	case strings.HasPrefix(path, "/v1beta/models/") && strings.HasSuffix(path, ":streamGenerateContent") && method == fasthttp.MethodPost:
		s.handleStreamGenerateContent(ctx, modelName(path, ":streamGenerateContent"))
	case strings.HasPrefix(path, "/v1beta/models/") && method == fasthttp.MethodGet:
		s.handleGetModel(ctx, strings.TrimPrefix(path, "/v1beta/models/"))

	case path == "/upload/v1beta/files" && method == fasthttp.MethodPost:
		s.handleUploadInit(ctx)
	case strings.HasPrefix(path, "/v1beta/files/upload/") && (method == fasthttp.MethodPut || method == fasthttp.MethodPost):
		s.handleUploadChunk(ctx, strings.TrimPrefix(path, "/v1beta/files/upload/"))
	case path == "/v1beta/files:uploadFromUrl" && method == fasthttp.MethodPost:
		s.handleUploadFromURL(ctx)

	case path == "/v1beta/files" && method == fasthttp.MethodGet:
		s.handleListFiles(ctx)
	case strings.HasPrefix(path, "/v1beta/files/internal/") && strings.HasSuffix(path, ":download") && method == fasthttp.MethodGet:
		s.handleInternalDownload(ctx, strings.TrimPrefix(strings.TrimSuffix(path, ":download"), "/v1beta/files/internal/"))
	case strings.HasPrefix(path, "/v1beta/files/") && method == fasthttp.MethodGet:
		s.handleGetFile(ctx, strings.TrimPrefix(path, "/v1beta/files/"))
	case strings.HasPrefix(path, "/v1beta/files/") && method == fasthttp.MethodDelete:
		s.handleDeleteFile(ctx, strings.TrimPrefix(path, "/v1beta/files/"))

	default:
		writeError(ctx, cmn.NewErr(cmn.ErrNotFound, "no such route: %s %s", method, path))
	}
}

func modelName(path, suffix string) string {
	p := strings.TrimPrefix(path, "/v1beta/models/")
	return strings.TrimSuffix(p, suffix)
}

// applyCORS mirrors the config's CORS origins/credentials keys (spec
// §6.4) against every response, the same blanket-middleware placement
// the teacher applies its own CORS handling at in its httpcommon layer.
func (s *Server) applyCORS(ctx *fasthttp.RequestCtx) {
	cfg := s.cfg
	origin := string(ctx.Request.Header.Peek("Origin"))
	allowed := corsOrigin(cfg.CORSOrigins, origin)
	if allowed != "" {
		ctx.Response.Header.Set("Access-Control-Allow-Origin", allowed)
		if cfg.CORSCredentials {
			ctx.Response.Header.Set("Access-Control-Allow-Credentials", "true")
		}
		ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		ctx.Response.Header.Set("Access-Control-Allow-Headers", "Content-Type, X-Goog-Upload-Offset, X-Goog-Upload-Command")
	}
}

func corsOrigin(allowed []string, origin string) string {
	if len(allowed) == 0 || origin == "" {
		return ""
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return a
		}
	}
	return ""
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"status": "ok"})
}

// debugCacheSubject is the fixed claim subject the debug endpoint's
// bearer token is minted/verified against -- there is no single digest
// this route belongs to, so it stands in for one (SPEC_FULL.md
// Expansion C: "gated by the same bearer scheme as the internal
// download endpoint").
const debugCacheSubject = "debug-cache"

func (s *Server) handleDebugCache(ctx *fasthttp.RequestCtx) {
	tok := strings.TrimPrefix(string(ctx.Request.Header.Peek("Authorization")), "Bearer ")
	if err := s.minter.Verify(tok, debugCacheSubject); err != nil {
		writeError(ctx, err)
		return
	}
	entries, err := s.reg.All()
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"entries": entries})
}

func logAndIgnore(context string, err error) {
	if err != nil {
		glog.Warningf("httpapi: %s: %v", context, err)
	}
}
