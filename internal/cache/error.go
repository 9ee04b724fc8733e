package cache

import (
	"errors"
	"fmt"
)

// The error kinds this package itself originates; the rest (KeyExists,
// KeyNotFound, Boundary, Timeout, CallbackError) are surfaced by
// package optree and the root package, not here.
var (
	ErrOutOfMemory = errors.New("out of memory")
	ErrDataFault   = errors.New("data fault")
)

func errorf(method, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/nicolagi/segtree/internal/cache."+method+": "+format, a...)
}
