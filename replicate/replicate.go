// Package replicate implements the Replication Engine: making a cached
// blob available on a given executor via its resumable-upload protocol,
// both synchronously (the orchestrator's hot path) and fire-and-forget
// (background self-healing).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package replicate

import (
	"context"
	"encoding/base64"
	"io"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/kraklabs/execbroker/cluster"
	"github.com/kraklabs/execbroker/cmn"
	"github.com/kraklabs/execbroker/dispatch"
	"github.com/kraklabs/execbroker/fs"
	"github.com/kraklabs/execbroker/memsys"
	"github.com/kraklabs/execbroker/registry"
)

const (
	cmdInitiateUpload = "initiate-resumable-upload"
	cmdUploadChunk    = "upload-chunk"

	// bulkConcurrency bounds how many self-healing jobs run at once,
	// mirroring the teacher's per-mountpath jogger worker pool in
	// mirror/put_mirror.go -- there it was one jogger goroutine per
	// mountpath; here there is no mountpath axis to parallelize over, so
	// the pool is sized by a flat concurrency constant instead.
	bulkConcurrency = 8
)

type initiateUploadReq struct {
	DisplayName string `json:"displayName"`
	MimeType    string `json:"mimeType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

type initiateUploadResp struct {
	UploadURL string `json:"uploadUrl"`
}

type uploadChunkReq struct {
	UploadURL     string `json:"uploadUrl"`
	Offset        int64  `json:"offset"`
	ContentLength int64  `json:"contentLength"`
	Command       string `json:"command"`
	Data          string `json:"data"`
}

// fileDescriptor mirrors the cloud file resource the executor's
// resumable-upload response returns on finalize.
type fileDescriptor struct {
	Name           string `json:"name"`
	URI            string `json:"uri"`
	ExpirationTime string `json:"expirationTime,omitempty"`
}

// Engine owns the collaborators needed to run the replication protocol
// (spec §4.8) against an executor and update the Metadata Registry with
// its outcome. Grounded on the teacher's `mirror.XactPut`: a bounded
// worker pool (there, per-mountpath joggers; here, a flat concurrency
// cap) draining a work queue for background copies, plus a direct,
// synchronous call path for the foreground case (there, `Repl`; here,
// `Replicate`).
type Engine struct {
	reg    *registry.Registry
	store  *fs.Store
	mm     *memsys.MMSA
	disp   *dispatch.Dispatcher
	nodes  *cluster.Registry
	bulkWG *cmn.LimitedWaitGroup
}

func New(reg *registry.Registry, store *fs.Store, mm *memsys.MMSA, disp *dispatch.Dispatcher, nodes *cluster.Registry) *Engine {
	return &Engine{
		reg:    reg,
		store:  store,
		mm:     mm,
		disp:   disp,
		nodes:  nodes,
		bulkWG: cmn.NewLimitedWaitGroup(bulkConcurrency),
	}
}

// Replicate runs the full protocol synchronously, blocking the caller
// (the orchestrator's hot path) until the blob is synced on executorID
// or the attempt fails.
func (eng *Engine) Replicate(ctx context.Context, digest, executorID string) error {
	entry, err := eng.reg.Get(digest)
	if err != nil {
		return err
	}
	ex, ok := eng.nodes.Get(executorID)
	if !ok {
		return cmn.NewErr(cmn.ErrExecutorGone, "executor %s not connected", executorID)
	}

	if err := eng.reg.UpdateReplication(digest, executorID, registry.Pending, "", "", nil); err != nil {
		return err
	}

	desc, err := eng.run(ctx, ex, entry)
	if err != nil {
		_ = eng.reg.UpdateReplication(digest, executorID, registry.Failed, "", "", nil)
		return err
	}

	var expireAt *time.Time
	if desc.ExpirationTime != "" {
		if t, perr := time.Parse(time.RFC3339, desc.ExpirationTime); perr == nil {
			expireAt = &t
		}
	}
	return eng.reg.UpdateReplication(digest, executorID, registry.Synced, desc.Name, desc.URI, expireAt)
}

func (eng *Engine) run(ctx context.Context, ex *cluster.Executor, entry *registry.Entry) (*fileDescriptor, error) {
	if entry.Stub {
		return nil, cmn.NewErr(cmn.ErrInternal, "cannot replicate a remote stub entry (digest %s)", entry.Digest)
	}

	buf := eng.mm.Alloc(int(entry.Size))
	defer eng.mm.Free(buf)

	rc, size, err := eng.store.Open(entry.Digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if _, err := io.ReadFull(rc, buf[:size]); err != nil {
		return nil, errors.Wrap(err, "reading blob into memory for replication")
	}

	initReq := initiateUploadReq{DisplayName: entry.Filename, MimeType: entry.Mime, SizeBytes: size}
	initRaw, err := eng.disp.Dispatch(ctx, ex, cmn.GenRequestID(), cmdInitiateUpload, initReq)
	if err != nil {
		return nil, err
	}
	var initResp initiateUploadResp
	if err := decodeInto(initRaw, &initResp); err != nil || initResp.UploadURL == "" {
		return nil, cmn.NewErr(cmn.ErrBadGateway, "executor %s returned no upload url", ex.ID)
	}

	chunkReq := uploadChunkReq{
		UploadURL:     initResp.UploadURL,
		Offset:        0,
		ContentLength: size,
		Command:       "upload, finalize",
		Data:          base64.StdEncoding.EncodeToString(buf[:size]),
	}
	chunkRaw, err := eng.disp.Dispatch(ctx, ex, cmn.GenRequestID(), cmdUploadChunk, chunkReq)
	if err != nil {
		return nil, err
	}
	var desc fileDescriptor
	if err := decodeInto(chunkRaw, &desc); err != nil || desc.Name == "" {
		return nil, cmn.NewErr(cmn.ErrBadGateway, "executor %s returned no file descriptor", ex.ID)
	}
	return &desc, nil
}

// ReplicateBulk fires background, fire-and-forget replication for
// every digest in digests against executorID, bounded by bulkWG so a
// large self-healing batch cannot spawn unbounded goroutines. Failures
// are logged; successful completions are not reported.
func (eng *Engine) ReplicateBulk(digests []string, executorID string) {
	for _, d := range digests {
		digest := d
		eng.bulkWG.Add()
		go func() {
			defer eng.bulkWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := eng.Replicate(ctx, digest, executorID); err != nil {
				glog.Warningf("replicate: background heal of %s on %s failed: %v", digest, executorID, err)
			}
		}()
	}
}

// decodeInto round-trips a generic decoded-JSON value (typically a
// map[string]interface{} produced by the executor message pump) into a
// concrete struct, since the Correlation Layer intentionally keeps
// payloads untyped (interface{}) to stay agnostic of command type.
func decodeInto(raw interface{}, out interface{}) error {
	b, err := cmn.Marshal(raw)
	if err != nil {
		return err
	}
	return cmn.Unmarshal(b, out)
}
