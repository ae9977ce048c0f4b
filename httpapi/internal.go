/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package httpapi

import (
	"bufio"
	"io"

	"github.com/valyala/fasthttp"

	"github.com/kraklabs/execbroker/cmn"
)

// handleInternalDownload serves the raw blob for digest once the JWT in
// the path has been verified against it (spec §6.1 row 9 / SPEC_FULL.md
// Expansion D.1). This route is not part of the public schema -- it
// exists only so an executor's "fileUri" ever resolves to bytes the
// broker itself served.
func (s *Server) handleInternalDownload(ctx *fasthttp.RequestCtx, rest string) {
	digest, tok, ok := splitDigestToken(rest)
	if !ok {
		writeError(ctx, cmn.NewErr(cmn.ErrNotFound, "malformed internal download path"))
		return
	}
	if err := s.minter.Verify(tok, digest); err != nil {
		writeError(ctx, err)
		return
	}

	rc, size, err := s.pipe.Store().Open(digest)
	if err != nil {
		writeError(ctx, err)
		return
	}
	defer rc.Close()
	s.reg.Touch(digest)

	ctx.SetContentType("application/octet-stream")
	ctx.Response.Header.SetContentLength(int(size))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		io.Copy(w, rc)
		w.Flush()
	})
}

func splitDigestToken(rest string) (digest, token string, ok bool) {
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], rest[:i] != "" && rest[i+1:] != ""
		}
	}
	return "", "", false
}
