package segstore

import (
	"encoding/binary"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nicolagi/segtree/internal/cache"
	"github.com/nicolagi/segtree/internal/segaddr"
)

var _ cache.SegAlloc = (*File)(nil)

// File is a file-backed segment arena: the backing file is grown with
// Ftruncate and mapped into the process's address space with mmap, so
// that Bytes returns a slice aliasing the mapping directly and ordinary
// slice writes are what makes a mutation durable once synced.
//
// The first headerSize bytes of the file are reserved for the arena's
// own metadata (currently just the bump cursor): file size alone
// cannot tell a reopened arena how much of its reserved space is
// actually in use, since growth happens in large chunks ahead of
// demand.
//
// The whole mapWindow is reserved once at open, far beyond the file's
// current size, and only the file is ever grown. Slices handed out by
// Bytes alias the mapping, so remapping on growth would invalidate
// every node a descriptor already holds; reserving address space is
// free, and pages past EOF are simply never touched until a Truncate
// has put file bytes behind them.
type File struct {
	mu     sync.Mutex
	f      *os.File
	mapped []byte // the fixed mapWindow-sized mapping.
	size   uint64 // current file size; Bytes never reaches past it.
	next   uint64 // bump cursor, in bytes from the start of the file (including the header).

	free *freeLists
}

const (
	headerSize  = 512
	growthChunk = 64 << 20 // 64 MiB
	mapWindow   = 64 << 30 // 64 GiB of reserved address space, not memory.
)

// OpenFile opens (creating if necessary) the segment file at pathname
// and maps it into memory, growing it to at least one growthChunk on
// first creation.
func OpenFile(pathname string) (*File, error) {
	const method = "OpenFile"
	f, err := os.OpenFile(pathname, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errorf(method, "open %q: %v", pathname, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errorf(method, "stat %q: %v", pathname, err)
	}
	freshFile := fi.Size() == 0
	size := fi.Size()
	if size < growthChunk {
		size = growthChunk
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, errorf(method, "truncate %q to %d: %v", pathname, size, err)
		}
	}
	mapped, err := unix.Mmap(int(f.Fd()), 0, mapWindow, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, errorf(method, "mmap %q: %v", pathname, err)
	}
	s := &File{f: f, mapped: mapped, size: uint64(size), free: newFreeLists()}
	if freshFile {
		s.next = headerSize
		s.writeHeaderLocked()
	} else {
		s.next = binary.BigEndian.Uint64(mapped[0:8])
	}
	return s, nil
}

func (s *File) writeHeaderLocked() {
	binary.BigEndian.PutUint64(s.mapped[0:8], s.next)
}

func (s *File) Alloc(shift int) (segaddr.T, error) {
	if off, ok := s.free.pop(shift); ok {
		return segaddr.Build(off, shift), nil
	}
	size := uint64(1) << uint(shift)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next+size > s.size {
		if err := s.growLocked(s.next + size); err != nil {
			return 0, err
		}
	}
	off := s.next
	s.next += size
	s.writeHeaderLocked()
	return segaddr.Build(off, shift), nil
}

// growLocked extends the backing file so the arena is at least atLeast
// bytes. The mapping itself never changes. Called with mu held.
func (s *File) growLocked(atLeast uint64) error {
	newSize := s.size
	for newSize < atLeast {
		newSize += growthChunk
	}
	if newSize > mapWindow {
		return ErrOutOfSpace
	}
	if err := s.f.Truncate(int64(newSize)); err != nil {
		return errorf("growLocked", "truncate to %d: %v", newSize, err)
	}
	s.size = newSize
	return nil
}

func (s *File) Free(addr segaddr.T, shift int) error {
	s.free.push(shift, addr.Addr())
	return nil
}

func (s *File) Bytes(addr segaddr.T) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := boundsCheck(addr, int64(s.size)); err != nil {
		return nil, errorf("Bytes", "%v", err)
	}
	start := addr.Addr()
	end := start + uint64(addr.Size())
	return s.mapped[start:end], nil
}

// Sync flushes dirty pages of the mapping to the backing file.
func (s *File) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := unix.Msync(s.mapped[:s.size], unix.MS_SYNC); err != nil {
		return errorf("Sync", "%v", err)
	}
	return nil
}

// Close unmaps and closes the backing file.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := unix.Munmap(s.mapped); err != nil {
		return errorf("Close", "munmap: %v", err)
	}
	if err := s.f.Close(); err != nil {
		return errorf("Close", "%v", err)
	}
	return nil
}
