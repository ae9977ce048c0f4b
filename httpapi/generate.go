/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package httpapi

import (
	"bufio"

	"github.com/valyala/fasthttp"

	"github.com/kraklabs/execbroker/cmn"
)

func (s *Server) handleGenerateContent(ctx *fasthttp.RequestCtx, model string) {
	payload, err := decodeBody(ctx)
	if err != nil {
		writeError(ctx, err)
		return
	}
	payload["model"] = model

	result, err := s.orch.Handle(ctx, "generateContent", payload)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, result)
}

// handleStreamGenerateContent streams the executor's incremental chunks
// back to the caller as a JSON array written progressively -- the same
// shape the cloud API itself returns for this route -- rather than
// buffering the whole response before replying.
func (s *Server) handleStreamGenerateContent(ctx *fasthttp.RequestCtx, model string) {
	payload, err := decodeBody(ctx)
	if err != nil {
		writeError(ctx, err)
		return
	}
	payload["model"] = model

	stream, err := s.orch.HandleStreaming(ctx, "streamGenerateContent", payload)
	if err != nil {
		writeError(ctx, err)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		w.WriteString("[")
		first := true
		for {
			chunk, done, nerr := stream.Next(ctx)
			if nerr != nil {
				if !first {
					w.WriteString(",")
				}
				w.Write(cmn.MustMarshal(map[string]interface{}{"error": cmn.AsBrokerError(nerr).Message}))
				break
			}
			if done {
				break
			}
			if !first {
				w.WriteString(",")
			}
			first = false
			w.Write(cmn.MustMarshal(chunk))
			if ferr := w.Flush(); ferr != nil {
				return
			}
		}
		w.WriteString("]")
		w.Flush()
	})
}
