// Package storage provides the archival tier for committed segment log
// chunks (see package txlog). It is the "distributed object-store
// back-end" the engine sits inside of: a batch of Tx captures written
// to the local txlog is shipped here (and the log checkpointed only
// after the ship succeeds) so the tree's metadata survives the loss of
// the machine running the engine.
//
// None of this package is part of the B+-tree core itself — the tree
// only ever talks to the Tx and SegAlloc interfaces (see txlog and
// segstore) — but a caller needs a concrete store to archive to, and
// this package supplies the disk, S3, in-memory and fast/slow-paired
// variants.
package storage

import (
	"crypto/rand"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nicolagi/segtree/config"
)

// Key identifies one archived txlog chunk: "<stream-id>/<sequence>",
// where stream-id names the write-ahead log a chunk was cut from (one
// per engine instance, since the log is shared by every tree the
// engine holds open) and sequence is that stream's chunk counter,
// zero-padded so keys of the same stream sort in archival order.
//
// Every key produced by NewKey is exactly KeyLength bytes long:
// Paired's ship log (see paired.go) frames its entries as fixed-width
// lines keyed on that length.
type Key string

const (
	// StreamIDLength is the fixed length, in hex characters, of a
	// stream id minted by NewStreamID.
	StreamIDLength = 16
	seqDigits      = 20
	// KeyLength is the fixed length of every key NewKey produces.
	KeyLength = StreamIDLength + 1 + seqDigits
)

// NewStreamID generates a random fixed-length identifier for one
// write-ahead log instance (one per engine), so its archived chunks
// can be told apart from another engine's sharing the same bucket or
// directory.
func NewStreamID() (string, error) {
	b := make([]byte, StreamIDLength/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}

// NewKey builds the archival key for the seq-th chunk cut from the
// write-ahead log identified by streamID (see archive.go's archiver,
// which owns both streamID and the sequence counter). The key is
// deliberately not random: a recovery tool listing a stream's keys
// must recover chunk order and detect gaps, which a random name can't
// provide.
func NewKey(streamID string, seq uint64) Key {
	return Key(fmt.Sprintf("%s/%0*d", streamID, seqDigits, seq))
}

// Split breaks a key into its stream id and sequence halves. ok is
// false for a string that is not of NewKey's shape; stores that map
// the two halves to separate namespaces (DiskStore's per-stream
// directories, S3's prefix listing) reject such keys rather than
// guessing.
func (k Key) Split() (streamID, seq string, ok bool) {
	i := strings.IndexByte(string(k), '/')
	if len(k) != KeyLength || i != StreamIDLength {
		return "", "", false
	}
	return string(k[:i]), string(k[i+1:]), true
}

type Value []byte

type Store interface {
	Get(Key) (Value, error)
	Put(Key, Value) error
	Delete(Key) error
}

// Enumerable is implemented by stores that can walk their whole
// contents, stream by stream and in sequence order within a stream.
// The chunks subcommand of cmd/segtree uses it to audit what a store
// holds; a recovery tool would use the same walk to find the latest
// contiguous chunk of every stream.
type Enumerable interface {
	Store
	Contains(Key) (bool, error)
	ForEach(func(Key) error) error
}

func New(c *config.C) (Store, error) {
	switch c.ArchiveStorage {
	case "disk":
		return NewDiskStore(c.ArchiveDiskDir), nil
	case "null":
		return NullStore{}, nil
	case "s3":
		return newS3Store(c)
	case "paired":
		return newPairedStore(c)
	default:
		return nil, fmt.Errorf("%q: %w", c.ArchiveStorage, ErrNotImplemented)
	}
}

// newPairedStore builds the fast/slow archival tier: an in-process
// cache of recently archived chunks in front of the slower, durable
// tier (S3 when configured, otherwise disk), so repeated reads of a
// just-archived chunk (e.g. by a recovery tool re-reading the most
// recent checkpoints) don't all round-trip to the slow store.
func newPairedStore(c *config.C) (Store, error) {
	var slow Store
	var err error
	if c.ArchiveS3Bucket != "" {
		slow, err = newS3Store(c)
	} else {
		slow = NewDiskStore(c.ArchiveDiskDir)
	}
	if err != nil {
		return nil, err
	}
	logPath := filepath.Join(c.ArchiveDiskDir, "ship.log")
	return NewPaired(&InMemory{}, slow, logPath)
}
