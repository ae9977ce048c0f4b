package replicate_test

import (
	"context"
	"encoding/json"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kraklabs/execbroker/cluster"
	"github.com/kraklabs/execbroker/correlate"
	"github.com/kraklabs/execbroker/dispatch"
	"github.com/kraklabs/execbroker/fs"
	"github.com/kraklabs/execbroker/memsys"
	"github.com/kraklabs/execbroker/registry"
	"github.com/kraklabs/execbroker/replicate"
)

type wireEnvelope struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

var _ = Describe("Engine.Replicate", func() {
	var (
		reg   *registry.Registry
		store *fs.Store
		mm    *memsys.MMSA
		nodes *cluster.Registry
		corr  *correlate.Layer
		disp  *dispatch.Dispatcher
		eng   *replicate.Engine
		dir   string
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "execbroker-replicate-")
		Expect(err).NotTo(HaveOccurred())

		store, err = fs.NewStore(dir)
		Expect(err).NotTo(HaveOccurred())

		reg, err = registry.New()
		Expect(err).NotTo(HaveOccurred())

		mm = memsys.NewMMSA("test")
		nodes = cluster.NewRegistry()
		corr = correlate.NewLayer()
		disp = dispatch.New(nodes, corr, time.Second)
		eng = replicate.New(reg, store, mm, disp, nodes)
	})

	AfterEach(func() {
		os.RemoveAll(dir)
		reg.Close()
	})

	It("marks pending, uploads in two steps, then marks synced with registered aliases", func() {
		w, err := store.NewWriter()
		Expect(err).NotTo(HaveOccurred())
		_, err = w.Write([]byte("pdf content"))
		Expect(err).NotTo(HaveOccurred())
		digest, size, err := w.Commit()
		Expect(err).NotTo(HaveOccurred())

		_, err = reg.Create(digest, store.FQN(digest), "doc.pdf", "application/pdf", size)
		Expect(err).NotTo(HaveOccurred())

		ex, ch := nodes.Connect("exec-1", 8)

		go func() {
			// initiate-resumable-upload
			raw := <-ch
			var env wireEnvelope
			json.Unmarshal(raw, &env)
			Expect(env.Type).To(Equal("initiate-resumable-upload"))
			corr.Deliver(env.ID, map[string]interface{}{"uploadUrl": "https://upload.example/session-1"}, false, nil)

			// upload-chunk
			raw = <-ch
			json.Unmarshal(raw, &env)
			Expect(env.Type).To(Equal("upload-chunk"))
			corr.Deliver(env.ID, map[string]interface{}{
				"name": "files/abc123",
				"uri":  "https://generativelanguage.googleapis.com/v1beta/files/abc123",
			}, false, nil)
		}()

		err = eng.Replicate(context.Background(), digest, ex.ID)
		Expect(err).NotTo(HaveOccurred())

		entry, err := reg.Get(digest)
		Expect(err).NotTo(HaveOccurred())
		Expect(entry.Replication["exec-1"].Status).To(Equal(registry.Synced))
		Expect(entry.Replication["exec-1"].RemoteName).To(Equal("files/abc123"))

		resolved, err := reg.Resolve("files/abc123")
		Expect(err).NotTo(HaveOccurred())
		Expect(resolved.Digest).To(Equal(digest))
	})

	It("marks the replica failed when the executor errors", func() {
		w, _ := store.NewWriter()
		w.Write([]byte("x"))
		digest, size, _ := w.Commit()
		reg.Create(digest, store.FQN(digest), "f.bin", "application/octet-stream", size)

		ex, ch := nodes.Connect("exec-2", 8)
		go func() {
			raw := <-ch
			var env wireEnvelope
			json.Unmarshal(raw, &env)
			corr.Deliver(env.ID, nil, false, nil) // missing uploadUrl -> bad gateway
		}()

		err := eng.Replicate(context.Background(), digest, ex.ID)
		Expect(err).To(HaveOccurred())

		entry, _ := reg.Get(digest)
		Expect(entry.Replication["exec-2"].Status).To(Equal(registry.Failed))
	})
})
