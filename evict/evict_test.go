package evict_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kraklabs/execbroker/evict"
	"github.com/kraklabs/execbroker/fs"
	"github.com/kraklabs/execbroker/registry"
)

type fakeSessionSweeper struct{ n, calls int }

func (f *fakeSessionSweeper) SweepSessions(time.Duration) int { f.calls++; return f.n }

func commitBlob(store *fs.Store, content string) (digest string, size int64) {
	w, err := store.NewWriter()
	Expect(err).NotTo(HaveOccurred())
	_, err = w.Write([]byte(content))
	Expect(err).NotTo(HaveOccurred())
	digest, size, err = w.Commit()
	Expect(err).NotTo(HaveOccurred())
	return digest, size
}

var _ = Describe("Loop.SweepOnce", func() {
	var (
		reg      *registry.Registry
		store    *fs.Store
		sessions *fakeSessionSweeper
		dir      string
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "execbroker-evict-")
		Expect(err).NotTo(HaveOccurred())
		store, err = fs.NewStore(dir)
		Expect(err).NotTo(HaveOccurred())
		reg, err = registry.New()
		Expect(err).NotTo(HaveOccurred())
		sessions = &fakeSessionSweeper{}
	})

	AfterEach(func() {
		os.RemoveAll(dir)
		reg.Close()
	})

	It("destroys entries whose cache expiration has passed", func() {
		digest, size := commitBlob(store, "expired content")
		entry, err := reg.Create(digest, store.FQN(digest), "f.bin", "application/octet-stream", size)
		Expect(err).NotTo(HaveOccurred())

		past := time.Now().Add(-time.Hour)
		err = reg.UpdateReplication(entry.Digest, "exec-1", registry.Synced, "files/x", "https://x", &past)
		Expect(err).NotTo(HaveOccurred())

		l := evict.New(reg, store, sessions, 1<<30, time.Minute)
		l.SweepOnce()

		_, err = reg.Get(digest)
		Expect(err).To(HaveOccurred())
		Expect(store.Exists(digest)).To(BeFalse())
	})

	It("evicts the least-recently-accessed entry first when over quota", func() {
		oldDigest, oldSize := commitBlob(store, "old content, accessed long ago")
		_, err := reg.Create(oldDigest, store.FQN(oldDigest), "old.bin", "application/octet-stream", oldSize)
		Expect(err).NotTo(HaveOccurred())

		newDigest, newSize := commitBlob(store, "freshly written content")
		_, err = reg.Create(newDigest, store.FQN(newDigest), "new.bin", "application/octet-stream", newSize)
		Expect(err).NotTo(HaveOccurred())

		// Touch bumps last-accessed-at to now; the untouched entry stays
		// the oldest and must be the one evicted.
		reg.Touch(newDigest)

		quota := oldSize + newSize - 1
		l := evict.New(reg, store, sessions, quota, time.Minute)
		l.SweepOnce()

		_, err = reg.Get(oldDigest)
		Expect(err).To(HaveOccurred())
		Expect(store.Exists(oldDigest)).To(BeFalse())

		_, err = reg.Get(newDigest)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Exists(newDigest)).To(BeTrue())
	})

	It("counts TTL-marked entries toward the quota so LRU still evicts the oldest-surviving entry (S6)", func() {
		expiredDigest, expiredSize := commitBlob(store, "ten-meg-ish stand-in for entry 1, TTL-expired")
		_, err := reg.Create(expiredDigest, store.FQN(expiredDigest), "e1.bin", "application/octet-stream", expiredSize)
		Expect(err).NotTo(HaveOccurred())
		past := time.Now().Add(-time.Hour)
		Expect(reg.UpdateReplication(expiredDigest, "exec-1", registry.Synced, "files/e1", "https://e1", &past)).To(Succeed())

		idleDigest, idleSize := commitBlob(store, "entry 2, left idle, no TTL")
		_, err = reg.Create(idleDigest, store.FQN(idleDigest), "e2.bin", "application/octet-stream", idleSize)
		Expect(err).NotTo(HaveOccurred())

		recentDigest, recentSize := commitBlob(store, "entry 3, touched recently")
		_, err = reg.Create(recentDigest, store.FQN(recentDigest), "e3.bin", "application/octet-stream", recentSize)
		Expect(err).NotTo(HaveOccurred())
		reg.Touch(recentDigest)

		// Quota sits below all three entries' combined size but above
		// any two of them: with entry 1 excluded from the quota math
		// (as if already gone), entries 2+3 alone would fit and LRU
		// would wrongly evict nothing.
		quota := expiredSize + idleSize + recentSize - 1
		l := evict.New(reg, store, sessions, quota, time.Minute)
		l.SweepOnce()

		_, err = reg.Get(expiredDigest)
		Expect(err).To(HaveOccurred())
		Expect(store.Exists(expiredDigest)).To(BeFalse())

		_, err = reg.Get(idleDigest)
		Expect(err).To(HaveOccurred())
		Expect(store.Exists(idleDigest)).To(BeFalse())

		_, err = reg.Get(recentDigest)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Exists(recentDigest)).To(BeTrue())
	})

	It("leaves entries alone when under quota and nothing has expired", func() {
		digest, size := commitBlob(store, "well within quota")
		_, err := reg.Create(digest, store.FQN(digest), "f.bin", "application/octet-stream", size)
		Expect(err).NotTo(HaveOccurred())

		l := evict.New(reg, store, sessions, 1<<30, time.Minute)
		l.SweepOnce()

		_, err = reg.Get(digest)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Exists(digest)).To(BeTrue())
	})

	It("invokes the session sweeper on every pass", func() {
		sessions.n = 3
		l := evict.New(reg, store, sessions, 1<<30, time.Minute)
		l.SweepOnce()
		Expect(sessions.calls).To(Equal(1))
	})
})

var _ = Describe("Loop.Shutdown", func() {
	It("removes every live entry and every blob on disk", func() {
		dir, err := os.MkdirTemp("", "execbroker-evict-shutdown-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)

		store, err := fs.NewStore(dir)
		Expect(err).NotTo(HaveOccurred())
		reg, err := registry.New()
		Expect(err).NotTo(HaveOccurred())
		defer reg.Close()

		digest, size := commitBlob(store, "shutdown candidate")
		_, err = reg.Create(digest, store.FQN(digest), "f.bin", "application/octet-stream", size)
		Expect(err).NotTo(HaveOccurred())

		l := evict.New(reg, store, &fakeSessionSweeper{}, 1<<30, time.Minute)
		l.Shutdown()

		_, err = reg.Get(digest)
		Expect(err).To(HaveOccurred())
		Expect(store.Exists(digest)).To(BeFalse())
	})
})
