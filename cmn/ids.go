package cmn

import (
	"sync"

	"github.com/google/uuid"
	"github.com/teris-io/shortid"
)

// ids.go centralizes the two id-generation schemes the teacher uses in
// different places: shortid for human-skimmable, append-friendly ids
// (upload sessions, request ids shown in logs) and uuid for ids that
// cross process boundaries (command envelope ids) where collision
// resistance matters more than brevity. uuid also stands in when shortid
// generation fails.

var (
	sidOnce sync.Once
	sid     *shortid.Shortid
)

func shortIDGen() *shortid.Shortid {
	sidOnce.Do(func() {
		s, err := shortid.New(1, shortid.DefaultABC, 0xC0FFEE)
		if err != nil {
			panic(err)
		}
		sid = s
	})
	return sid
}

// GenRequestID returns a process-unique, human-readable id for a single
// inbound API call (spec §3, "Pending Request" identity).
func GenRequestID() string {
	id, err := shortIDGen().Generate()
	if err != nil {
		return uuid.NewString()
	}
	return id
}

// GenSessionID returns a broker-generated upload-session id (spec §3,
// "Upload Session" identity), returned to the caller in the redirect
// header.
func GenSessionID() string {
	id, err := shortIDGen().Generate()
	if err != nil {
		return uuid.NewString()
	}
	return "sess_" + id
}

// GenCommandID returns a fresh id for a broker->executor command envelope
// (spec §4.7 step 1 / §6.2).
func GenCommandID() string {
	return uuid.NewString()
}
