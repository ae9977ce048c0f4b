/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package httpapi

import (
	"github.com/valyala/fasthttp"
)

// handleListModels and handleGetModel are proxied verbatim (spec §6.1):
// the broker has no model catalog of its own, so it hands the executor
// a payload built from the route (empty for the list, the model name
// for a single model) and returns the result unmodified.
func (s *Server) handleListModels(ctx *fasthttp.RequestCtx) {
	result, err := s.orch.Handle(ctx, "listModels", map[string]interface{}{})
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, result)
}

func (s *Server) handleGetModel(ctx *fasthttp.RequestCtx, name string) {
	result, err := s.orch.Handle(ctx, "getModel", map[string]interface{}{"name": name})
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, result)
}
