package cache

// ndList is the intrusive doubly-linked list used both for a tree's
// active-node list and for the module-wide LRU list; a descriptor is a
// member of exactly one of the two at a time (or neither, mid-move).
// The sentinel-node shape — fakeHead/fakeTail,
// with real members threaded between them so no nil checks are needed
// on attach/detach — is the same one the intrusive cache list in the
// wider corpus uses (skipor/memcached's lru list).
type ndList struct {
	fakeHead, fakeTail NodeDescriptor
	size               int
}

func (l *ndList) init() {
	l.fakeHead.next = &l.fakeTail
	l.fakeTail.prev = &l.fakeHead
}

func (l *ndList) empty() bool { return l.size == 0 }

// pushFront attaches nd as the most-recently-used entry.
func (l *ndList) pushFront(nd *NodeDescriptor) {
	old := l.fakeHead.next
	link(&l.fakeHead, nd)
	link(nd, old)
	l.size++
	nd.owner = l
}

func link(a, b *NodeDescriptor) {
	a.next, b.prev = b, a
}

func (l *ndList) detach(nd *NodeDescriptor) {
	if nd.owner != l {
		return
	}
	link(nd.prev, nd.next)
	nd.prev, nd.next, nd.owner = nil, nil, nil
	l.size--
}

// tail returns the least-recently-used member, or nil if the list is
// empty. lru_purge evicts starting here.
func (l *ndList) tail() *NodeDescriptor {
	if l.empty() {
		return nil
	}
	return l.fakeTail.prev
}
