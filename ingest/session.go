package ingest

import (
	"strings"
	"sync"
	"time"

	"github.com/kraklabs/execbroker/cmn"
	"github.com/kraklabs/execbroker/fs"
)

// Session is an Upload Session (spec §3): declared metadata plus
// either a whole-body sink (single-shot) or incremental chunk state
// (staging writer, running digest, bytes written).
type Session struct {
	ID           string
	DeclaredName string
	DeclaredMime string
	DeclaredSize int64
	CreatedAt    time.Time

	mu           sync.Mutex
	writer       *fs.Writer
	bytesWritten int64
	finalized    bool
}

func newSession(store *fs.Store, name, mime string, size int64) (*Session, error) {
	w, err := store.NewWriter()
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:           cmn.GenSessionID(),
		DeclaredName: name,
		DeclaredMime: mime,
		DeclaredSize: size,
		CreatedAt:    time.Now(),
		writer:       w,
	}, nil
}

// parseUploadCommand splits a "upload" / "upload, finalize" header
// value into its flags.
func parseUploadCommand(header string) (upload, finalize bool) {
	for _, part := range strings.Split(header, ",") {
		switch strings.TrimSpace(part) {
		case "upload":
			upload = true
		case "finalize":
			finalize = true
		}
	}
	return
}
