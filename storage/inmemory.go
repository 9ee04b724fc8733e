package storage

import (
	"sort"
	"sync"
)

// InMemory holds chunks in a plain map. It is the fast tier of the
// paired store (a process-local cache of recently archived chunks) and
// the stand-in store in tests. The mutex matters even there: the
// archiver writes from its own goroutine while tests read.
type InMemory struct {
	mu     sync.Mutex
	chunks map[Key]Value
}

var _ Enumerable = (*InMemory)(nil)

func (s *InMemory) Get(k Key) (Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.chunks[k]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *InMemory) Put(k Key, v Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunks == nil {
		s.chunks = make(map[Key]Value)
	}
	s.chunks[k] = v
	return nil
}

func (s *InMemory) Delete(k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, k)
	return nil
}

func (s *InMemory) Contains(k Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chunks[k]
	return ok, nil
}

// ForEach visits chunks in key order — by stream, then by sequence,
// the same order the disk store's directory walk yields — so callers
// see one deterministic enumeration contract across backends.
func (s *InMemory) ForEach(cb func(Key) error) error {
	s.mu.Lock()
	kk := make([]Key, 0, len(s.chunks))
	for k := range s.chunks {
		kk = append(kk, k)
	}
	s.mu.Unlock()
	sort.Slice(kk, func(i, j int) bool { return kk[i] < kk[j] })
	for _, k := range kk {
		if err := cb(k); err != nil {
			return err
		}
	}
	return nil
}
