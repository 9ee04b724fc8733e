// Package config loads the engine's configuration from a small
// key-value file: no third-party config library, just a line scanner.
// The knobs here govern the ambient parts of the engine
// (tree-descriptor pool size, LRU capacity, node size, archival tier
// selection) — never anything the tree operations themselves decide.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// DefaultBaseDirectoryPath is where segtree commands store
	// configuration and data by default. It defaults to $SEGTREE_BASE if
	// set, otherwise $HOME/lib/segtree. Commands override this via the
	// -base flag.
	DefaultBaseDirectoryPath string
)

func init() {
	if base := os.Getenv("SEGTREE_BASE"); base != "" {
		DefaultBaseDirectoryPath = base
	} else {
		DefaultBaseDirectoryPath = os.ExpandEnv("$HOME/lib/segtree")
	}
}

// C holds the configuration for one engine instance.
type C struct {
	// NodeShift is log2 of the persistent node size in bytes. Must be in
	// [9, 24] per the SegAddr encoding. Defaults to 12 (4 KiB nodes).
	NodeShift uint8

	// TreePoolSize is the number of tree-descriptor slots in the
	// module-wide pool, i.e. how many trees can be open at once.
	// Defaults to 32.
	TreePoolSize int

	// LRUCapacity bounds the number of zero-refcount node descriptors kept
	// resident on the global LRU list before lru_purge is invoked
	// automatically.
	LRUCapacity int

	// SegmentDir is where the memory-mapped segment file(s) live. If
	// empty, the engine runs with an in-memory segment only (see
	// segstore.Memory) and nothing in this section applies.
	SegmentDir string

	// TxLogDir is where the write-ahead log of captured regions (see
	// txlog.Open) is kept before being archived.
	TxLogDir string

	// ArchiveStorage selects the archival tier backing txlog: "disk",
	// "s3", "paired" (an in-memory tier in front of S3 or disk), or
	// "null" (no archival, tests only).
	ArchiveStorage   string
	ArchiveDiskDir   string
	ArchiveS3Region  string
	ArchiveS3Bucket  string
	ArchiveS3Profile string

	// ArchiveInterval is how often committed txlog chunks are shipped to
	// the archival tier.
	ArchiveInterval time.Duration

	// base is the directory this configuration was loaded from.
	base string
}

const (
	defaultNodeShift    uint8 = 12
	defaultTreePoolSize       = 32
	defaultLRUCapacity        = 4096
)

// Load loads the configuration from the file called "config" in the
// provided base directory.
func Load(base string) (*C, error) {
	filename := filepath.Join(base, "config")
	if fi, err := os.Stat(filename); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	} else if fi.Mode()&0077 != 0 {
		return nil, fmt.Errorf("config.Load %q: mode is %#o, want at most %#o",
			filename, fi.Mode()&0777, fi.Mode()&0700)
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	c, err := load(f)
	if err != nil {
		return nil, err
	}
	c.base = base
	if c.SegmentDir != "" && !filepath.IsAbs(c.SegmentDir) {
		c.SegmentDir = filepath.Clean(filepath.Join(c.base, c.SegmentDir))
	}
	if c.TxLogDir == "" {
		c.TxLogDir = filepath.Join(c.base, "txlog")
	} else if !filepath.IsAbs(c.TxLogDir) {
		c.TxLogDir = filepath.Clean(filepath.Join(c.base, c.TxLogDir))
	}
	if c.ArchiveDiskDir != "" && !filepath.IsAbs(c.ArchiveDiskDir) {
		c.ArchiveDiskDir = filepath.Clean(filepath.Join(c.base, c.ArchiveDiskDir))
	}
	if c.NodeShift == 0 {
		c.NodeShift = defaultNodeShift
	}
	if c.TreePoolSize == 0 {
		c.TreePoolSize = defaultTreePoolSize
	}
	if c.LRUCapacity == 0 {
		c.LRUCapacity = defaultLRUCapacity
	}
	if c.ArchiveStorage == "" {
		c.ArchiveStorage = "null"
	}
	if c.ArchiveInterval == 0 {
		c.ArchiveInterval = 30 * time.Second
	}
	return c, nil
}

func load(f io.Reader) (*C, error) {
	c := C{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		i := strings.IndexAny(line, " \t")
		if i == -1 {
			return nil, fmt.Errorf("load: no separator in %q", line)
		}
		key, val := line[:i], strings.TrimSpace(line[i:])
		switch key {
		case "node-shift":
			n, err := strconv.ParseUint(val, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("load: %w", err)
			}
			c.NodeShift = uint8(n)
		case "tree-pool-size":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("load: %w", err)
			}
			c.TreePoolSize = n
		case "lru-capacity":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("load: %w", err)
			}
			c.LRUCapacity = n
		case "segment-dir":
			c.SegmentDir = val
		case "txlog-dir":
			c.TxLogDir = val
		case "archive-storage":
			c.ArchiveStorage = val
		case "archive-disk-dir":
			c.ArchiveDiskDir = val
		case "archive-s3-region":
			c.ArchiveS3Region = val
		case "archive-s3-bucket":
			c.ArchiveS3Bucket = val
		case "archive-s3-profile":
			c.ArchiveS3Profile = val
		case "archive-interval":
			d, err := time.ParseDuration(val)
			if err != nil {
				return nil, fmt.Errorf("load: %w", err)
			}
			c.ArchiveInterval = d
		default:
			return nil, fmt.Errorf("load: unknown key %q", key)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return &c, nil
}

// Initialize generates an initial configuration at the given directory.
func Initialize(baseDir string) error {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return errors.Wrapf(err, "%q: could not mkdir", baseDir)
	}
	path := filepath.Join(baseDir, "config")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%q: already exists", path)
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "%q: could not determine if it exists", path)
	}
	var buf strings.Builder
	fmt.Fprintf(&buf, "node-shift %d\n", defaultNodeShift)
	fmt.Fprintf(&buf, "tree-pool-size %d\n", defaultTreePoolSize)
	fmt.Fprintf(&buf, "lru-capacity %d\n", defaultLRUCapacity)
	buf.WriteString("segment-dir segment\n")
	buf.WriteString("txlog-dir txlog\n")
	buf.WriteString("archive-storage disk\n")
	buf.WriteString("archive-disk-dir archive\n")
	buf.WriteString("archive-interval 30s\n")
	if err := os.WriteFile(path, []byte(buf.String()), 0600); err != nil {
		return fmt.Errorf("config.Initialize %q: %w", path, err)
	}
	return nil
}
