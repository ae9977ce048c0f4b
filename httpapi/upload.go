/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/kraklabs/execbroker/cmn"
	"github.com/kraklabs/execbroker/registry"
)

type fileInit struct {
	File struct {
		DisplayName string `json:"displayName"`
		MimeType    string `json:"mimeType"`
		SizeBytes   int64  `json:"sizeBytes,string"`
	} `json:"file"`
}

// handleUploadInit is the resumable-upload session init (spec §6.1
// row 2): it creates an Upload Session and advertises its absolute URL
// via the X-Goog-Upload-URL header the cloud client library expects.
func (s *Server) handleUploadInit(ctx *fasthttp.RequestCtx) {
	var req fileInit
	if err := cmn.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, cmn.NewErr(cmn.ErrInvalidCommand, "malformed session-init body: %v", err))
		return
	}
	sess, err := s.pipe.NewSession(req.File.DisplayName, req.File.MimeType, req.File.SizeBytes)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.Response.Header.Set("X-Goog-Upload-URL", s.cfg.ProxyBaseURL+"/v1beta/files/upload/"+sess.ID)
	ctx.Response.Header.Set("X-Goog-Upload-Status", "active")
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// handleUploadChunk is the resumable-upload PUT/POST (spec §6.1 row 3):
// a non-final chunk returns 308 with the updated offset; the final
// chunk finalizes the session and returns the file descriptor.
func (s *Server) handleUploadChunk(ctx *fasthttp.RequestCtx, sessionID string) {
	offsetHdr := string(ctx.Request.Header.Peek("X-Goog-Upload-Offset"))
	offset, _ := strconv.ParseInt(offsetHdr, 10, 64)
	command := string(ctx.Request.Header.Peek("X-Goog-Upload-Command"))
	contentType := string(ctx.Request.Header.ContentType())

	result, err := s.pipe.WriteChunk(sessionID, offset, bytes.NewReader(ctx.PostBody()), command, contentType, "")
	if err != nil {
		writeError(ctx, err)
		return
	}
	if result == nil {
		newOffset := offset + int64(len(ctx.PostBody()))
		ctx.Response.Header.Set("X-Goog-Upload-Status", "active")
		ctx.Response.Header.Set("X-Goog-Upload-Offset", strconv.FormatInt(newOffset, 10))
		ctx.SetStatusCode(fasthttp.StatusPermanentRedirect)
		return
	}

	if err := s.reg.RegisterAliases(result.Entry.Digest, "files/"+result.Entry.Digest); err != nil {
		logAndIgnore("register aliases after finalize", err)
	}
	ctx.Response.Header.Set("X-Goog-Upload-Status", "final")
	desc, derr := s.fileDescriptorFor(result.Entry)
	if derr != nil {
		writeError(ctx, derr)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, desc)
}

type uploadFromURLReq struct {
	FileURI     string `json:"fileUri"`
	DisplayName string `json:"displayName"`
	MimeType    string `json:"mimeType"`
}

// handleUploadFromURL implements the server-side-fetch upload (spec
// §6.1 row 5): the broker itself performs the GET and feeds the body
// straight into the Ingest Pipeline, then responds exactly as a
// client-driven upload would.
func (s *Server) handleUploadFromURL(ctx *fasthttp.RequestCtx) {
	var req uploadFromURLReq
	if err := cmn.Unmarshal(ctx.PostBody(), &req); err != nil || req.FileURI == "" {
		writeError(ctx, cmn.NewErr(cmn.ErrInvalidCommand, "uploadFromUrl requires a fileUri"))
		return
	}

	statusCode, body, contentType, ferr := fetchRemote(req.FileURI)
	if ferr != nil {
		writeError(ctx, cmn.NewErr(cmn.ErrBadGateway, "fetching %s: %v", req.FileURI, ferr))
		return
	}
	if statusCode >= 400 {
		writeError(ctx, cmn.NewErr(cmn.ErrBadGateway, "remote fetch of %s returned %d", req.FileURI, statusCode))
		return
	}

	mime := req.MimeType
	if mime == "" {
		mime = contentType
	}
	name := req.DisplayName
	if name == "" {
		name = path.Base(req.FileURI)
	}

	result, err := s.pipe.IngestStream(bytes.NewReader(body), int64(len(body)), contentType, name, mime, req.FileURI)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if err := s.reg.RegisterAliases(result.Entry.Digest, "files/"+result.Entry.Digest); err != nil {
		logAndIgnore("register aliases after uploadFromUrl", err)
	}
	desc, derr := s.fileDescriptorFor(result.Entry)
	if derr != nil {
		writeError(ctx, derr)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, desc)
}

// fetchRemote performs the outbound GET for uploadFromUrl. Grounded on
// the teacher's downloader/utils.go `headLink`/`roiFromLink` pair,
// which inspects a remote object's headers before pulling its bytes;
// this function does no such inspection and has no mountpath jogger to
// hand the transfer to, so the fetch is one synchronous GET using the same fasthttp client
// already wired in for the caller surface rather than pulling in
// net/http as a second HTTP stack.
func fetchRemote(url string) (statusCode int, body []byte, contentType string, err error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	client := &fasthttp.Client{ReadTimeout: 2 * time.Minute}
	if err := client.Do(req, resp); err != nil {
		return 0, nil, "", err
	}
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return resp.StatusCode(), out, string(resp.Header.ContentType()), nil
}

// fileDescriptorFor builds the cloud file-resource JSON shape (spec S1:
// `sizeBytes` as a string, `sha256Hash` as the base64 encoding of the
// raw digest bytes, `state: "ACTIVE"`) for entry, minting a fresh
// internal-download token for its URI.
func (s *Server) fileDescriptorFor(e *registry.Entry) (map[string]interface{}, error) {
	raw, err := hex.DecodeString(e.Digest)
	if err != nil {
		return nil, cmn.NewErr(cmn.ErrInternal, "malformed digest %s: %v", e.Digest, err)
	}
	tok, err := s.minter.Mint(e.Digest)
	if err != nil {
		return nil, cmn.NewErr(cmn.ErrInternal, "minting download token: %v", err)
	}
	uri := fmt.Sprintf("%s/v1beta/files/internal/%s/%s:download", strings.TrimRight(s.cfg.ProxyBaseURL, "/"), e.Digest, tok)
	return map[string]interface{}{
		"name":        "files/" + e.Digest,
		"displayName": e.Filename,
		"mimeType":    e.Mime,
		"sizeBytes":   strconv.FormatInt(e.Size, 10),
		"sha256Hash":  base64.StdEncoding.EncodeToString(raw),
		"uri":         uri,
		"state":       "ACTIVE",
		"createTime":  e.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}
