package segtree

// Cursor is sugar over repeated Iterate calls: a convenience wrapper
// that remembers the last key visited so a caller can walk a tree
// without re-supplying it.
type Cursor struct {
	t   *Tree
	dir Dir

	key   []byte
	ended bool
}

// Cursor creates an iterator positioned so that the first Next returns
// the record at key (DirNext) or immediately before it (DirPrev).
func (t *Tree) Cursor(key []byte, dir Dir) *Cursor {
	return &Cursor{t: t, dir: dir, key: append([]byte(nil), key...)}
}

// Next advances the cursor and returns the record it lands on. Once a
// walk reaches ErrBoundary, every subsequent call returns it again.
func (c *Cursor) Next() (key, val []byte, err error) {
	if c.ended {
		return nil, nil, ErrBoundary
	}
	key, val, err = c.t.Iterate(c.key, c.dir)
	if err != nil {
		if err == ErrBoundary {
			c.ended = true
		}
		return nil, nil, err
	}
	c.key = advance(key, c.dir)
	return key, val, nil
}

// advance computes the key to resume from after visiting key: one past
// it for DirNext; key itself for DirPrev, since Iterate's DirPrev
// already lands on the nearest record strictly before the supplied
// key. Either way a repeated Next call does not return the same record
// twice.
func advance(key []byte, dir Dir) []byte {
	next := append([]byte(nil), key...)
	if dir == DirNext {
		return incrementKey(next)
	}
	return next
}

// incrementKey returns the lexicographically next byte string after
// key, used to step a NEXT cursor past the record it just visited.
// Iterate's DirNext semantics land on the key "at or after" the
// supplied one, so resuming at key itself would repeat it forever.
func incrementKey(key []byte) []byte {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] != 0xFF {
			key[i]++
			return key
		}
		key[i] = 0
	}
	// All 0xFF: there is no larger key of this width: appending a byte
	// still sorts after it, and Iterate treats it as "past the end."
	// The loop above zeroed every byte, so restore them first.
	for i := range key {
		key[i] = 0xFF
	}
	return append(key, 0)
}
