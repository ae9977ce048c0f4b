package ingest_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/kraklabs/execbroker/cmn"
	"github.com/kraklabs/execbroker/fs"
	"github.com/kraklabs/execbroker/ingest"
	"github.com/kraklabs/execbroker/registry"
)

func newTestPipeline(t *testing.T) *ingest.Pipeline {
	t.Helper()
	dir, err := os.MkdirTemp("", "execbroker-ingest-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := fs.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := registry.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return ingest.New(store, reg)
}

func TestIngestStreamCreatesEntry(t *testing.T) {
	p := newTestPipeline(t)
	body := []byte("%PDF-1.4 fake pdf body")
	res, err := p.IngestStream(bytes.NewReader(body), int64(len(body)), "", "report.pdf", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.AlreadyExist {
		t.Fatal("expected a fresh entry")
	}
	if res.Entry.Filename != "report.pdf" {
		t.Fatalf("filename = %s", res.Entry.Filename)
	}
	if res.Entry.Mime != "application/pdf" {
		t.Fatalf("mime = %s, want application/pdf (sniffed)", res.Entry.Mime)
	}
}

func TestIngestStreamRejectsSizeMismatch(t *testing.T) {
	p := newTestPipeline(t)
	body := []byte("short")
	_, err := p.IngestStream(bytes.NewReader(body), 999, "", "", "", "")
	be := cmn.AsBrokerError(err)
	if be.Code != cmn.ErrInvalidSize {
		t.Fatalf("expected InvalidSize, got %v", err)
	}
}

func TestIngestStreamDedupsIdenticalContent(t *testing.T) {
	p := newTestPipeline(t)
	body := []byte("hello\nworld\n")
	res1, err := p.IngestStream(bytes.NewReader(body), int64(len(body)), "text/plain", "a.txt", "", "")
	if err != nil {
		t.Fatal(err)
	}
	res2, err := p.IngestStream(bytes.NewReader(body), int64(len(body)), "text/plain", "b.txt", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if !res2.AlreadyExist {
		t.Fatal("expected second identical upload to report AlreadyExist")
	}
	if res2.Entry.Digest != res1.Entry.Digest {
		t.Fatal("expected same digest across both uploads")
	}
	if res2.Entry.Filename != "a.txt" {
		t.Fatalf("expected original filename preserved, got %s", res2.Entry.Filename)
	}
}

func TestChunkedIngestHappyPath(t *testing.T) {
	p := newTestPipeline(t)
	sess, err := p.NewSession("chunked.bin", "application/octet-stream", 10)
	if err != nil {
		t.Fatal(err)
	}

	res, err := p.WriteChunk(sess.ID, 0, bytes.NewReader([]byte("0123456789")), "upload, finalize", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatal("expected finalize result on single combined chunk")
	}
	if res.Entry.Filename != "chunked.bin" {
		t.Fatalf("filename = %s", res.Entry.Filename)
	}
}

func TestChunkedIngestMultiplePartsThenFinalize(t *testing.T) {
	p := newTestPipeline(t)
	sess, _ := p.NewSession("multi.bin", "application/octet-stream", 10)

	if res, err := p.WriteChunk(sess.ID, 0, bytes.NewReader([]byte("01234")), "upload", "", ""); err != nil || res != nil {
		t.Fatalf("expected non-final chunk to return nil result, got %v %v", res, err)
	}
	res, err := p.WriteChunk(sess.ID, 5, bytes.NewReader([]byte("56789")), "upload, finalize", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatal("expected finalize on second chunk")
	}
}

func TestChunkedIngestOffsetMismatchDiscardsSession(t *testing.T) {
	p := newTestPipeline(t)
	sess, _ := p.NewSession("bad.bin", "application/octet-stream", 10)

	_, err := p.WriteChunk(sess.ID, 3, bytes.NewReader([]byte("xx")), "upload", "", "")
	be := cmn.AsBrokerError(err)
	if be.Code != cmn.ErrOffsetMismatch {
		t.Fatalf("expected OffsetMismatch, got %v", err)
	}

	if _, err := p.WriteChunk(sess.ID, 0, bytes.NewReader([]byte("x")), "upload", "", ""); err == nil {
		t.Fatal("expected session to be gone after offset mismatch")
	}
}

func TestSweepSessionsDropsStaleOnes(t *testing.T) {
	p := newTestPipeline(t)
	p.NewSession("never-finished.bin", "application/octet-stream", 10)

	dropped := p.SweepSessions(0) // everything older than "now" -- i.e. everything
	if dropped != 1 {
		t.Fatalf("expected 1 session dropped, got %d", dropped)
	}
}
