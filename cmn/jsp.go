package cmn

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MustMarshal panics on encode failure; reserved for values this process
// itself constructed (never for echoing caller-supplied data back raw).
func MustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func DecodeFrom(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}
