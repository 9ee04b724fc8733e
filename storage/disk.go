package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DiskStore keeps archived chunks in a directory tree shaped after the
// key space itself: one directory per stream id, one file per chunk,
// named by the zero-padded sequence number. A plain readdir of a
// stream's directory therefore lists its chunks in archival order,
// which is exactly the walk a recovery tool needs.
type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{dir: dir}
}

var _ Enumerable = (*DiskStore)(nil)

func (s *DiskStore) Get(k Key) (Value, error) {
	p, err := s.pathFor(k)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%q: %w", k, ErrNotFound)
	}
	return b, err
}

// Put writes the chunk next to its final name and renames it into
// place, so a reader never observes a half-written chunk.
func (s *DiskStore) Put(k Key, v Value) error {
	p, err := s.pathFor(k)
	if err != nil {
		return err
	}
	pnew := p + ".new"
	err = os.WriteFile(pnew, v, 0666)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		// First chunk of this stream: its directory doesn't exist yet.
		if err = os.MkdirAll(filepath.Dir(pnew), 0777); err != nil {
			return err
		}
		err = os.WriteFile(pnew, v, 0666)
	}
	if err != nil {
		return err
	}
	return os.Rename(pnew, p)
}

func (s *DiskStore) Delete(k Key) error {
	p, err := s.pathFor(k)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errors.Wrapf(ErrNotFound, "could not delete %v", k)
		}
		return err
	}
	return nil
}

// ForEach visits every chunk in the store, stream by stream and in
// sequence order within each stream, reconstructing the full
// "<stream-id>/<sequence>" key from the two path segments it was
// stored under. Entries that don't look like a stream directory or a
// chunk file (editor droppings, the ship log) are skipped.
func (s *DiskStore) ForEach(cb func(Key) error) error {
	streams, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil // nothing archived yet.
		}
		return err
	}
	var kk []Key
	for _, stream := range streams {
		if !stream.IsDir() {
			continue
		}
		chunks, err := os.ReadDir(filepath.Join(s.dir, stream.Name()))
		if err != nil {
			return err
		}
		for _, chunk := range chunks {
			if chunk.IsDir() {
				continue
			}
			k := Key(stream.Name() + "/" + chunk.Name())
			if _, _, ok := k.Split(); !ok {
				continue
			}
			kk = append(kk, k)
		}
	}
	for _, k := range kk {
		if err := cb(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *DiskStore) Contains(k Key) (bool, error) {
	p, err := s.pathFor(k)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *DiskStore) pathFor(k Key) (string, error) {
	stream, seq, ok := k.Split()
	if !ok {
		return "", fmt.Errorf("%q: %w", k, ErrMalformedKey)
	}
	return filepath.Join(s.dir, stream, seq), nil
}
