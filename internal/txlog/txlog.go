// Package txlog implements the write-ahead redo log that backs
// nodeformat.Tx: every in-place mutation a NodeFormat makes
// is captured here as {addr, offset, bytes}, appended to a single file,
// and fsynced by Sync or Checkpoint so a crash between writes can be
// replayed.
//
// The framing is a single append-only file, one mutex guarding writes,
// recovery done once at open by scanning from the start (the same shape
// as the archival tier's ship log, storage/paired.go). Records here
// carry binary payloads of varying length, so each is length-prefixed
// rather than line-oriented.
package txlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/segtree/internal/nodeformat"
	"github.com/nicolagi/segtree/internal/segaddr"
)

// recordMagic tags the start of every record so recovery can resync
// after a torn write at the tail of the file.
const recordMagic uint32 = 0x54584c31 // "TXL1"

// Bytes is the narrow slice of the segment allocator (cache.SegAlloc,
// implemented by package segstore) this package depends on:
// reading back the current content of a segment so Capture can log the
// bytes that changed, after the NodeFormat method has already written
// them in place.
type Bytes interface {
	Bytes(addr segaddr.T) ([]byte, error)
}

var _ nodeformat.Tx = (*Log)(nil)

// Log is the concrete, file-backed nodeformat.Tx. One Log instance is
// shared by every operation against a tree; Capture calls from
// concurrent operations interleave safely.
type Log struct {
	mu   sync.Mutex
	file *os.File

	segments Bytes
}

// Open opens (creating if necessary) the log at pathname and replays
// any records left over from an unclean shutdown by writing them back
// through segments — the same "redo" recovery a restart performs
// before accepting new operations.
func Open(pathname string, segments Bytes) (*Log, error) {
	const method = "Open"
	f, err := os.OpenFile(pathname, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errorf(method, "open %q: %v", pathname, err)
	}
	if err := replay(f, segments); err != nil {
		_ = f.Close()
		return nil, errorf(method, "replay %q: %v", pathname, err)
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, errorf(method, "truncate %q after replay: %v", pathname, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, errorf(method, "seek %q to start: %v", pathname, err)
	}
	return &Log{file: f, segments: segments}, nil
}

// replay reapplies every well-formed record found in f to segments. A
// truncated trailing record (a crash mid-write) is logged and ignored
// rather than treated as corruption: it describes a mutation that was
// never acknowledged.
func replay(f *os.File, segments Bytes) error {
	r := bufio.NewReader(f)
	count := 0
	for {
		var hdr [20]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				break
			}
			log.WithFields(log.Fields{"cause": err.Error()}).Warning("txlog: truncated record header, stopping replay")
			break
		}
		magic := binary.BigEndian.Uint32(hdr[0:4])
		if magic != recordMagic {
			log.Warning("txlog: bad record magic, stopping replay")
			break
		}
		addr := segaddr.T(binary.BigEndian.Uint64(hdr[4:12]))
		offset := int(binary.BigEndian.Uint32(hdr[12:16]))
		length := int(binary.BigEndian.Uint32(hdr[16:20]))
		payload := make([]byte, length+4)
		if _, err := io.ReadFull(r, payload); err != nil {
			log.WithFields(log.Fields{"cause": err.Error()}).Warning("txlog: truncated record payload, stopping replay")
			break
		}
		data := payload[:length]
		wantSum := binary.BigEndian.Uint32(payload[length:])
		if crc32.ChecksumIEEE(data) != wantSum {
			log.Warning("txlog: record checksum mismatch, stopping replay")
			break
		}
		dst, err := segments.Bytes(addr)
		if err != nil {
			log.WithFields(log.Fields{
				"addr":  addr,
				"cause": err.Error(),
			}).Warning("txlog: replay target segment missing, skipping record")
			continue
		}
		if offset+length > len(dst) {
			return fmt.Errorf("record out of range for segment %s: offset %d length %d size %d", addr, offset, length, len(dst))
		}
		copy(dst[offset:offset+length], data)
		count++
	}
	if count > 0 {
		log.WithFields(log.Fields{"records": count}).Info("txlog: replayed records from prior run")
	}
	return nil
}

// Capture implements nodeformat.Tx. It is called after a NodeFormat
// method has already mutated the node's in-memory bytes in place; this
// reads back the now-current bytes at [offset,offset+length) and
// appends them to the log so the mutation can be redone if the process
// dies before the segment itself is durably written.
func (l *Log) Capture(addr segaddr.T, offset, length int) {
	raw, err := l.segments.Bytes(addr)
	if err != nil || offset < 0 || length < 0 || offset+length > len(raw) {
		log.WithFields(log.Fields{
			"addr":   addr,
			"offset": offset,
			"length": length,
		}).Warning("txlog: capture out of range, dropping record")
		return
	}
	data := raw[offset : offset+length]
	sum := crc32.ChecksumIEEE(data)

	var hdr [20]byte
	binary.BigEndian.PutUint32(hdr[0:4], recordMagic)
	binary.BigEndian.PutUint64(hdr[4:12], uint64(addr))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(offset))
	binary.BigEndian.PutUint32(hdr[16:20], uint32(length))

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(hdr[:]); err != nil {
		log.WithFields(log.Fields{"cause": err.Error()}).Warning("txlog: write record header failed")
		return
	}
	if _, err := l.file.Write(data); err != nil {
		log.WithFields(log.Fields{"cause": err.Error()}).Warning("txlog: write record payload failed")
		return
	}
	var sumBuf [4]byte
	binary.BigEndian.PutUint32(sumBuf[:], sum)
	if _, err := l.file.Write(sumBuf[:]); err != nil {
		log.WithFields(log.Fields{"cause": err.Error()}).Warning("txlog: write record checksum failed")
	}
}

// Snapshot returns a copy of the log's current content without
// disturbing it, for shipping to an archival tier ahead of the
// Checkpoint that will truncate it.
func (l *Log) Snapshot() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return nil, errorf("Snapshot", "seek to start: %v", err)
	}
	data, err := io.ReadAll(l.file)
	if err != nil {
		return nil, errorf("Snapshot", "read: %v", err)
	}
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return nil, errorf("Snapshot", "seek to end: %v", err)
	}
	return data, nil
}

// Checkpoint fsyncs and truncates the log: called once the segments it
// describes are themselves known durable (e.g. after an msync of the
// backing mapping), so the log need not be replayed past this point.
func (l *Log) Checkpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return errorf("Checkpoint", "sync: %v", err)
	}
	if err := l.file.Truncate(0); err != nil {
		return errorf("Checkpoint", "truncate: %v", err)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return errorf("Checkpoint", "seek to start: %v", err)
	}
	return nil
}

// Sync fsyncs the log without truncating it, for durability between
// checkpoints.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return errorf("Sync", "%v", err)
	}
	return nil
}

// Close releases the underlying file descriptor.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Close(); err != nil {
		return errorf("Close", "%v", err)
	}
	return nil
}

func errorf(method, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/nicolagi/segtree/internal/txlog.%s: %s", method, fmt.Sprintf(format, a...))
}
