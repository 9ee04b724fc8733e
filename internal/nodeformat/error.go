package nodeformat

import (
	"errors"
	"fmt"
)

var (
	ErrNotImplemented = errors.New("not implemented")
	ErrCorrupt        = errors.New("node failed validation")
	ErrNoSpace        = errors.New("insufficient free space in node")
)

func errorf(method, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/nicolagi/segtree/internal/nodeformat."+method+": "+format, a...)
}
