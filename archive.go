package segtree

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/segtree/internal/txlog"
	"github.com/nicolagi/segtree/storage"
)

// archiver ships committed txlog chunks to the archival tier on a
// timer. Shipping happens from a background goroutine rather than
// blocking the write path, and a failed attempt is logged and retried
// next tick rather than escalated to the caller.
//
// Chunks are keyed by (streamID, seq) rather than content, since two
// different snapshots of an append-only log can share content (e.g.
// both empty) but must still occupy distinct archival slots in order;
// streamID ties every chunk this engine instance ever archives to one
// stream, and seq numbers them so a recovery tool can detect gaps.
type archiver struct {
	log   *txlog.Log
	store storage.Store

	streamID string
	seq      uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func newArchiver(l *txlog.Log, store storage.Store, interval time.Duration) (*archiver, error) {
	streamID, err := storage.NewStreamID()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &archiver{log: l, store: store, streamID: streamID, cancel: cancel, done: make(chan struct{})}
	go a.run(ctx, interval)
	return a, nil
}

func (a *archiver) run(ctx context.Context, interval time.Duration) {
	defer close(a.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.tick()
		}
	}
}

func (a *archiver) tick() {
	chunk, err := a.log.Snapshot()
	if err != nil {
		log.WithFields(log.Fields{"cause": err.Error()}).Warning("segtree: archiver snapshot failed")
		return
	}
	if len(chunk) == 0 {
		return
	}
	key := storage.NewKey(a.streamID, a.seq)
	if err := a.store.Put(key, storage.Value(chunk)); err != nil {
		log.WithFields(log.Fields{"cause": err.Error(), "key": key}).Warning("segtree: archiving txlog chunk failed")
		return
	}
	a.seq++
	if err := a.log.Checkpoint(); err != nil {
		log.WithFields(log.Fields{"cause": err.Error()}).Warning("segtree: checkpoint after archive failed")
	}
}

func (a *archiver) stop() {
	a.cancel()
	<-a.done
}
