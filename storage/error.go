package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is wrapped by every store whose Get or Delete misses,
	// so callers can branch with errors.Is regardless of the backend.
	ErrNotFound = errors.New("not found")
	// ErrNotImplemented reports a backend name New does not recognize.
	ErrNotImplemented = errors.New("not implemented")
	// ErrReadOnly is returned by Paired.Put when the pair was opened
	// without a ship log and so has no way to make writes durable.
	ErrReadOnly = errors.New("read-only store")
	// ErrMalformedKey reports a key that is not of NewKey's
	// "<stream-id>/<sequence>" shape, on stores that need to split the
	// two halves apart.
	ErrMalformedKey = errors.New("malformed key")
)

func errorf(typeMethod, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/nicolagi/segtree/storage."+typeMethod+": "+format, a...)
}
