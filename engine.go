// Package segtree is the public API of a persistent, concurrent B+-tree
// storage engine: a node-descriptor cache with LRU/refcount lifecycle, a
// restartable operation state machine for lookup/insert/delete/iterate,
// and pluggable node formats, fronted here by Engine (the open storage
// instance) and Tree (one open B+-tree within it).
package segtree

import (
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/segtree/config"
	"github.com/nicolagi/segtree/internal/cache"
	"github.com/nicolagi/segtree/internal/nodeformat"
	"github.com/nicolagi/segtree/internal/segstore"
	"github.com/nicolagi/segtree/internal/txlog"
	"github.com/nicolagi/segtree/storage"
)

// Engine is one open storage instance: the segment arena, the
// write-ahead log, and the node cache and tree-descriptor pool shared
// by every Tree opened against it.
type Engine struct {
	cfg *config.C

	segments cache.SegAlloc
	closer   interface{ Close() error }

	tx  nodeformat.Tx
	txc interface{ Close() error }

	archiver *archiver

	cache *cache.NodeCache
	pool  *cache.Pool
}

// Open loads configuration from base and opens (creating as needed) the
// segment arena and write-ahead log it names. An empty cfg.SegmentDir
// selects an in-memory arena (segstore.Memory), useful for tests and
// for trees that are intentionally not persistent.
func Open(base string) (*Engine, error) {
	cfg, err := config.Load(base)
	if err != nil {
		return nil, errorf("Open", "load config: %v", err)
	}
	return OpenWithConfig(cfg)
}

// OpenWithConfig is Open for a caller that already has a config.C, e.g.
// one built programmatically for a test.
func OpenWithConfig(cfg *config.C) (*Engine, error) {
	e := &Engine{cfg: cfg}

	if cfg.SegmentDir == "" {
		e.segments = segstore.NewMemory(256 << 20)
	} else {
		f, err := segstore.OpenFile(filepath.Join(cfg.SegmentDir, "segments"))
		if err != nil {
			return nil, errorf("OpenWithConfig", "open segment file: %v", err)
		}
		e.segments = f
		e.closer = f
	}

	if cfg.TxLogDir == "" {
		e.tx = txlog.Null{}
	} else {
		l, err := txlog.Open(filepath.Join(cfg.TxLogDir, "txlog"), e.segments.(txlog.Bytes))
		if err != nil {
			return nil, errorf("OpenWithConfig", "open txlog: %v", err)
		}
		e.tx = l
		e.txc = l

		if cfg.ArchiveStorage != "" && cfg.ArchiveStorage != "null" {
			store, err := storage.New(cfg)
			if err != nil {
				_ = l.Close()
				return nil, errorf("OpenWithConfig", "open archive store: %v", err)
			}
			a, err := newArchiver(l, store, cfg.ArchiveInterval)
			if err != nil {
				_ = l.Close()
				return nil, errorf("OpenWithConfig", "start archiver: %v", err)
			}
			e.archiver = a
		}
	}

	e.cache = cache.New(e.segments, cfg.LRUCapacity, nodeformat.FixedFormat{})
	e.pool = cache.NewPool(cfg.TreePoolSize)

	log.WithFields(log.Fields{
		"node_shift":     cfg.NodeShift,
		"tree_pool_size": cfg.TreePoolSize,
		"lru_capacity":   cfg.LRUCapacity,
	}).Info("segtree: engine opened")
	return e, nil
}

// LRUPurge evicts up to count idle node descriptors from the tail of
// the engine-wide LRU list, returning how many were actually
// evicted. The cache also purges on its own once its configured
// capacity is exceeded; this entry point is for callers that want to
// shed memory proactively.
func (e *Engine) LRUPurge(count int) int {
	return e.cache.LRUPurge(count)
}

// Close flushes and releases the engine's segment arena and
// write-ahead log. Any Tree still open against it must not be used
// afterward.
func (e *Engine) Close() error {
	if e.archiver != nil {
		e.archiver.stop()
	}
	if e.txc != nil {
		if err := e.txc.Close(); err != nil {
			return errorf("Close", "close txlog: %v", err)
		}
	}
	if e.closer != nil {
		if err := e.closer.Close(); err != nil {
			return errorf("Close", "close segments: %v", err)
		}
	}
	return nil
}

func errorf(method, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/nicolagi/segtree.%s: %s", method, fmt.Sprintf(format, a...))
}
