package segtree

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nicolagi/segtree/internal/nodeformat"
	"github.com/nicolagi/segtree/internal/segaddr"
)

// VerifyAll walks every node of the tree, checksum-validating it (the
// same nodeformat.Format.Verify a cache miss runs on first touch) and
// checking the node layout invariants. Sibling subtrees are walked
// concurrently with errgroup rather than one at a time.
func (t *Tree) VerifyAll(ctx context.Context) error {
	root := t.td.Root()
	if root == nil {
		return nil
	}
	return t.verifySubtree(ctx, root.Addr())
}

func (t *Tree) verifySubtree(ctx context.Context, addr segaddr.T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	nd, err := t.e.cache.Get(t.td, addr)
	if err != nil {
		return fmt.Errorf("node %s: %w", addr, err)
	}
	format, node := nd.Format(), nd.Node()

	if err := format.Verify(node); err != nil {
		_ = t.e.cache.Put(nd, t.e.tx)
		return fmt.Errorf("node %s: %w", addr, err)
	}

	fixed, ok := format.(nodeformat.FixedFormat)
	level := 0
	var children []segaddr.T
	if ok {
		level = fixed.Level(node)
		if level > 0 {
			children = make([]segaddr.T, fixed.CountRec(node))
			for i := range children {
				children[i] = fixed.Child(node, i)
			}
		}
	}
	if err := t.e.cache.Put(nd, t.e.tx); err != nil {
		return fmt.Errorf("node %s: %w", addr, err)
	}
	if len(children) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range children {
		child := child
		g.Go(func() error {
			return t.verifySubtree(gctx, child)
		})
	}
	return g.Wait()
}
