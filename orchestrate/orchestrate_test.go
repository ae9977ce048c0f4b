package orchestrate_test

import (
	"context"
	"encoding/json"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kraklabs/execbroker/cluster"
	"github.com/kraklabs/execbroker/cmn"
	"github.com/kraklabs/execbroker/correlate"
	"github.com/kraklabs/execbroker/dispatch"
	"github.com/kraklabs/execbroker/fs"
	"github.com/kraklabs/execbroker/memsys"
	"github.com/kraklabs/execbroker/orchestrate"
	"github.com/kraklabs/execbroker/registry"
	"github.com/kraklabs/execbroker/replicate"
)

type wireEnvelope struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// autoServe runs a fake executor pump: it auto-answers the two
// replication-protocol commands (so callers don't need to script them
// for every test) and hands anything else to onCommand.
func autoServe(ch <-chan []byte, corr *correlate.Layer, onCommand func(env wireEnvelope)) {
	go func() {
		for raw := range ch {
			var env wireEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			switch env.Type {
			case "initiate-resumable-upload":
				corr.Deliver(env.ID, map[string]interface{}{"uploadUrl": "https://upload.example/" + env.ID}, false, nil)
			case "upload-chunk":
				corr.Deliver(env.ID, map[string]interface{}{
					"name": "files/" + env.ID,
					"uri":  "https://cloud.example/files/" + env.ID,
				}, false, nil)
			default:
				onCommand(env)
			}
		}
	}()
}

var _ = Describe("Orchestrator", func() {
	var (
		reg   *registry.Registry
		store *fs.Store
		mm    *memsys.MMSA
		nodes *cluster.Registry
		corr  *correlate.Layer
		disp  *dispatch.Dispatcher
		repl  *replicate.Engine
		orch  *orchestrate.Orchestrator
		dir   string
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "execbroker-orchestrate-")
		Expect(err).NotTo(HaveOccurred())
		store, err = fs.NewStore(dir)
		Expect(err).NotTo(HaveOccurred())
		reg, err = registry.New()
		Expect(err).NotTo(HaveOccurred())
		mm = memsys.NewMMSA("test")
		nodes = cluster.NewRegistry()
		corr = correlate.NewLayer()
		disp = dispatch.New(nodes, corr, 2*time.Second)
		repl = replicate.New(reg, store, mm, disp, nodes)
		orch = orchestrate.New(reg, nodes, repl, disp)
	})

	AfterEach(func() {
		os.RemoveAll(dir)
		reg.Close()
	})

	seedEntry := func(content string) string {
		w, err := store.NewWriter()
		Expect(err).NotTo(HaveOccurred())
		_, err = w.Write([]byte(content))
		Expect(err).NotTo(HaveOccurred())
		digest, size, err := w.Commit()
		Expect(err).NotTo(HaveOccurred())
		_, err = reg.Create(digest, store.FQN(digest), "f.pdf", "application/pdf", size)
		Expect(err).NotTo(HaveOccurred())
		return digest
	}

	It("dispatches to the executor with fewer missing replicas, overriding the round-robin pick, and self-heals the loser", func() {
		digest := seedEntry("pdf-one")

		// Connect e2 first so the round-robin cursor prefers it; e1
		// (connected second) is the one that already holds a synced
		// copy, so it should win on missing-replica count instead.
		_, ch2 := nodes.Connect("e2", 8)
		e1, ch1 := nodes.Connect("e1", 8)

		var seenBy string
		done := make(chan struct{}, 2)
		autoServe(ch1, corr, func(env wireEnvelope) {
			seenBy = "e1"
			corr.Deliver(env.ID, map[string]interface{}{"candidates": []interface{}{"ok"}}, false, nil)
			done <- struct{}{}
		})
		autoServe(ch2, corr, func(env wireEnvelope) {
			seenBy = "e2"
			corr.Deliver(env.ID, map[string]interface{}{"candidates": []interface{}{"ok"}}, false, nil)
			done <- struct{}{}
		})
		Expect(repl.Replicate(context.Background(), digest, e1.ID)).To(Succeed())

		payload := map[string]interface{}{
			"contents": []interface{}{
				map[string]interface{}{
					"parts": []interface{}{
						map[string]interface{}{
							"fileData": map[string]interface{}{
								"mimeType": "application/pdf",
								"fileUri":  digest,
							},
						},
					},
				},
			},
		}
		_, err := orch.Handle(context.Background(), "generateContent", payload)
		Expect(err).NotTo(HaveOccurred())
		<-done
		Expect(seenBy).To(Equal("e1"))

		entry, err := reg.Get(digest)
		Expect(err).NotTo(HaveOccurred())
		Expect(entry.Replication["e1"].Status).To(Equal(registry.Synced))
		// e2 was the passed-over round-robin choice; it gets healed in
		// the background rather than blocking this request.
		Eventually(func() registry.ReplicaStatus {
			e, err := reg.Get(digest)
			if err != nil || e.Replication["e2"] == nil {
				return ""
			}
			return e.Replication["e2"].Status
		}, time.Second, 10*time.Millisecond).Should(Equal(registry.Synced))
	})

	It("rebuilds and retries exactly once when the executor reports the file missing", func() {
		digest := seedEntry("pdf-two")
		ex, ch := nodes.Connect("only", 8)

		attempt := 0
		autoServe(ch, corr, func(env wireEnvelope) {
			if env.Type != "generateContent" {
				return
			}
			attempt++
			if attempt == 1 {
				corr.Deliver(env.ID, nil, false, cmn.NewAPIErr(404, nil, "file not found"))
				return
			}
			corr.Deliver(env.ID, map[string]interface{}{"candidates": []interface{}{"ok"}}, false, nil)
		})
		Expect(repl.Replicate(context.Background(), digest, ex.ID)).To(Succeed())

		payload := map[string]interface{}{
			"contents": []interface{}{
				map[string]interface{}{
					"parts": []interface{}{
						map[string]interface{}{
							"fileData": map[string]interface{}{
								"mimeType": "application/pdf",
								"fileUri":  digest,
							},
						},
					},
				},
			},
		}
		result, err := orch.Handle(context.Background(), "generateContent", payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(result).NotTo(BeNil())
		Expect(attempt).To(Equal(2))
	})

	It("passes a command with no file references straight through", func() {
		ex, ch := nodes.Connect("solo", 8)
		autoServe(ch, corr, func(env wireEnvelope) {
			Expect(env.Type).To(Equal("listModels"))
			corr.Deliver(env.ID, map[string]interface{}{"models": []interface{}{}}, false, nil)
		})
		_, err := orch.Handle(context.Background(), "listModels", map[string]interface{}{})
		Expect(err).NotTo(HaveOccurred())
		_ = ex
	})
})
