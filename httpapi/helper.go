/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package httpapi

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/kraklabs/execbroker/cmn"
)

// newBackgroundTimeout bounds a fire-and-forget executor command issued
// outside the lifetime of the caller's original request context.
func newBackgroundTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(cmn.MustMarshal(v))
}

// writeError renders err in the cloud's error envelope shape (spec
// §6.1: "error bodies mirror the cloud's shape
// {error: {code, message, details?}}").
func writeError(ctx *fasthttp.RequestCtx, err error) {
	be := cmn.AsBrokerError(err)
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    be.Status(),
			"message": be.Message,
		},
	}
	if be.Code == cmn.ErrAPI && be.APIDetail != nil {
		body["error"].(map[string]interface{})["details"] = be.APIDetail
	}
	writeJSON(ctx, be.Status(), body)
}

// decodeBody reads and parses a caller-supplied JSON object body into a
// generic map, the shape the orchestrator's payload-walking steps
// expect.
func decodeBody(ctx *fasthttp.RequestCtx) (map[string]interface{}, error) {
	payload := map[string]interface{}{}
	body := ctx.PostBody()
	if len(body) == 0 {
		return payload, nil
	}
	if err := cmn.Unmarshal(body, &payload); err != nil {
		return nil, cmn.NewErr(cmn.ErrInvalidCommand, "malformed JSON body: %v", err)
	}
	return payload, nil
}
