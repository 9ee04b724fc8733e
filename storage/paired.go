package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State byte leading every ship-log line. A pending chunk is only in
// the fast store and still needs to be copied to the slow store. A
// shipped chunk is in the slow store and may or may not still be in
// the fast store. A missing chunk was queued for shipment but was gone
// from the fast store by the time the shipper got to it.
const (
	chunkPending = 'p'
	chunkMissing = 'm'
	chunkShipped = 'd'
)

// The ship log consists of lines of known length: a state byte, a
// chunk key of KeyLength bytes, a newline.
const shipLineLength = 1 + KeyLength + 1

// shipLog is the durable queue of chunks awaiting shipment from the
// fast store to the slow one. It survives restarts: a chunk archived
// just before a crash is shipped on the next run instead of being
// stranded in the fast tier.
type shipLog struct {
	readOffset int64

	notify chan struct{}

	mu   sync.Mutex
	file *os.File
}

// newShipLog reads the log at pathname (creating it if necessary) and
// compacts it: lines already marked shipped are dropped, pending and
// missing ones are carried over for the shipper to retry.
func newShipLog(pathname string) (*shipLog, error) {
	const method = "newShipLog"
	curr, err := os.OpenFile(pathname, os.O_RDONLY|os.O_CREATE, 0666)
	if err != nil {
		return nil, errorf(method, "open %q read-only: %v", pathname, err)
	}
	next, err := os.OpenFile(pathname+".new", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, errorf(method, "open %q write-only: %v", pathname+".new", err)
	}
	s := bufio.NewScanner(curr)
	for s.Scan() {
		line := s.Text()
		switch state := line[0]; state {
		case chunkPending, chunkMissing:
			if _, err := fmt.Fprintln(next, line); err != nil {
				return nil, errorf(method, "copying line from %q to %q: %v", curr.Name(), next.Name(), err)
			}
		case chunkShipped:
		default:
			return nil, errorf(method, "unrecognized chunk state: %d", state)
		}
	}
	if err := s.Err(); err != nil {
		return nil, errorf(method, "scan %q: %v", curr.Name(), err)
	}
	if err := curr.Close(); err != nil {
		return nil, errorf(method, "close %q: %v", curr.Name(), err)
	}
	if err := next.Close(); err != nil {
		return nil, errorf(method, "close %q: %v", next.Name(), err)
	}
	if err := os.Rename(next.Name(), curr.Name()); err != nil && !os.IsNotExist(err) {
		return nil, errorf(method, "rename %q to %q: %v", next.Name(), curr.Name(), err)
	}
	curr, err = os.OpenFile(pathname, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errorf(method, "open %q read-write: %v", pathname, err)
	}
	// Seek to end for writes. (Reads will use ReadAt instead.)
	if _, err := curr.Seek(0, io.SeekEnd); err != nil {
		return nil, errorf(method, "seek %q to EOF: %v", curr.Name(), err)
	}
	return &shipLog{
		file:   curr,
		notify: make(chan struct{}, 1),
	}, nil
}

func (sl *shipLog) add(key Key) error {
	sl.mu.Lock()
	n, err := fmt.Fprintf(sl.file, "%c%s\n", chunkPending, key)
	sl.mu.Unlock()
	if n != shipLineLength {
		return fmt.Errorf("written only %d of %d bytes", n, shipLineLength)
	}
	return err
}

// next blocks until a whole line is readable at the current read
// offset, parking on the notify channel between attempts.
func (sl *shipLog) next(p []byte) {
	for {
		sl.mu.Lock()
		n, err := sl.file.ReadAt(p, sl.readOffset)
		sl.mu.Unlock()
		if n == shipLineLength && err == nil {
			break
		}
		<-sl.notify
	}
}

func (sl *shipLog) mark(state byte, off int64) error {
	sl.mu.Lock()
	n, err := sl.file.WriteAt([]byte{state}, off)
	sl.mu.Unlock()
	if n != 1 {
		return fmt.Errorf("wrote %d bytes instead of 1", n)
	}
	return err
}

// notifyWaiters wakes up a shipper goroutine parked on an empty log,
// without blocking the caller if nobody happens to be waiting right
// now (the goroutine's next ReadAt will simply find the new bytes).
func (sl *shipLog) notifyWaiters() {
	select {
	case sl.notify <- struct{}{}:
	default:
	}
}

func (sl *shipLog) close() {
	sl.mu.Lock()
	_ = sl.file.Close()
	sl.file = nil // panic if somebody tries to use the log after this.
	sl.mu.Unlock()
}

// Paired combines a fast store with a slow, durable one. Put writes to
// the fast store and queues an asynchronous copy to the slow store
// through the ship log; Get reads from the fast store, falling back to
// the slow one and re-warming the fast tier on a miss. Delete removes
// from the slow store first and the fast store second.
type Paired struct {
	retryInterval time.Duration

	fast Store
	slow Store

	// Starts the shipper goroutine on the first Put.
	once sync.Once

	log *shipLog
}

// NewPaired pairs fast with slow. If logPath is empty there is no ship
// log, so nothing written could ever reach the slow store: the pair is
// read-only and Put fails with ErrReadOnly.
func NewPaired(fast, slow Store, logPath string) (p *Paired, err error) {
	p = new(Paired)
	p.retryInterval = 5 * time.Second
	p.fast = fast
	p.slow = slow
	if logPath != "" {
		p.log, err = newShipLog(logPath)
		if err != nil {
			return
		}
	}
	return p, err
}

func (p *Paired) Get(k Key) (v Value, err error) {
	v, err = p.fast.Get(k)
	if errors.Is(err, ErrNotFound) {
		v, err = p.slow.Get(k)
		if err == nil {
			if e := p.fast.Put(k, v); e != nil {
				log.WithFields(log.Fields{
					"key":   k,
					"cause": e.Error(),
				}).Warning("storage: could not re-warm the fast store")
			}
		}
	}
	return
}

// Put writes a chunk to the fast store and appends it to the ship log
// for the background shipper to copy out. The write path never waits
// on the slow store: the archiver calls Put from its timer goroutine
// and must come back to draining the txlog promptly.
func (p *Paired) Put(k Key, v Value) error {
	if p.log == nil {
		return ErrReadOnly
	}
	p.ensureShipper()
	if err := p.fast.Put(k, v); err != nil {
		return err
	}
	if err := p.log.add(k); err != nil {
		return err
	}
	p.log.notifyWaiters()
	return nil
}

func (p *Paired) ensureShipper() {
	p.once.Do(func() {
		if p.log != nil {
			go p.ship()
		}
	})
}

// ship drains the ship log forever: each pending line is re-read from
// the fast store and copied to the slow one, retrying indefinitely on
// slow-store failure — an unreachable bucket must delay archival, not
// lose chunks.
func (p *Paired) ship() {
	sem := make(chan struct{}, 16)
	shipOne := func(key Key, off int64) {
		value, err := p.fast.Get(key)
		if err != nil {
			// A failed mark just means the line is re-processed later;
			// shipping is idempotent.
			_ = p.log.mark(chunkMissing, off)
			return
		}
		for {
			if err = p.slow.Put(key, value); err == nil {
				break
			}
			log.WithFields(log.Fields{
				"key":   key,
				"cause": err.Error(),
			}).Warning("storage: could not ship chunk to the slow store, will retry")
			time.Sleep(p.retryInterval)
		}
		_ = p.log.mark(chunkShipped, off)
		<-sem
	}
	line := make([]byte, shipLineLength)
	for {
		p.log.next(line)
		k := Key(line[1 : 1+KeyLength])
		off := p.log.readOffset
		p.log.readOffset += shipLineLength // Advance to next line.
		if state := line[0]; state != chunkPending && state != chunkMissing {
			continue
		}
		sem <- struct{}{}
		go shipOne(k, off)
	}
}

// Delete removes a chunk from the slow store first, then from the fast
// store. The other order would let a concurrent Get re-warm the fast
// store from the slow one between the two removals and resurrect the
// chunk.
func (p *Paired) Delete(k Key) error {
	if err := p.slow.Delete(k); err != nil {
		return err
	}
	return p.fast.Delete(k)
}
