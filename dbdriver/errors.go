package dbdriver

import "fmt"

// ErrNotFound indicates that a (collection, key) pair has no entry,
// distinct from any other backend failure so callers can branch on it
// without inspecting error strings.
type ErrNotFound struct {
	collection string
	key        string
}

func NewErrNotFound(collection, key string) *ErrNotFound {
	return &ErrNotFound{collection: collection, key: key}
}

func (e *ErrNotFound) Error() string {
	if e.key == "" {
		return fmt.Sprintf("dbdriver: collection %q not found", e.collection)
	}
	return fmt.Sprintf("dbdriver: %s/%s not found", e.collection, e.key)
}
