package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/gops/agent"
	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/segtree"
	"github.com/nicolagi/segtree/config"
	"github.com/nicolagi/segtree/storage"
)

var globalContext struct {
	base     string
	logLevel string
}

var shellContext struct {
	treeType int
	keySize  int
	valSize  int
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&globalContext.base, "base", config.DefaultBaseDirectoryPath, "`directory` for segments, txlog, configuration")
	var levels []string
	for _, l := range log.AllLevels {
		levels = append(levels, l.String())
	}
	fs.StringVar(&globalContext.logLevel, "verbosity", "warning", "sets the log `level`, among "+strings.Join(levels, ", "))
	return fs
}

func exitUsage(msg string) {
	_, _ = fmt.Fprintln(os.Stderr, msg)
	_, _ = fmt.Fprintf(os.Stderr, `Usage: %s COMMAND [ARGS]

Commands:

	init: initialize configuration given the base directory
	shell: create a tree and drive it interactively from stdin
	chunks: list archived write-ahead-log chunks, stream by stream
	version: show version information

The shell command reads lines of the form:

	put KEY VALUE   keys and values are hex-encoded
	get KEY
	del KEY
	next KEY
	prev KEY
	stats
	quit
`, os.Args[0])
	os.Exit(2)
}

func main() {
	shellFlags := newFlagSet("shell")
	shellFlags.IntVar(&shellContext.treeType, "type", 1, "opaque tree-type `tag` stamped on the tree's nodes")
	shellFlags.IntVar(&shellContext.keySize, "keysize", 8, "fixed key size in `bytes`")
	shellFlags.IntVar(&shellContext.valSize, "valsize", 8, "fixed value size in `bytes`")

	emptyFlags := newFlagSet("empty")

	if len(os.Args) < 2 {
		exitUsage("Command name required")
	}

	switch cmd := os.Args[1]; cmd {
	case "init":
		_ = emptyFlags.Parse(os.Args[2:])
	case "shell":
		_ = shellFlags.Parse(os.Args[2:])
	case "chunks":
		_ = emptyFlags.Parse(os.Args[2:])
	case "version":
		_ = emptyFlags.Parse(os.Args[2:])
	default:
		exitUsage(fmt.Sprintf("%q: command not recognized", cmd))
	}

	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.JSONFormatter{})
	ll, err := log.ParseLevel(globalContext.logLevel)
	if err != nil {
		log.Fatalf("Could not parse log level %q: %v", globalContext.logLevel, err)
	}
	log.SetLevel(ll)

	if err := agent.Listen(agent.Options{}); err != nil {
		log.Printf("Could not start gops agent: %v", err)
	}

	switch os.Args[1] {
	case "init":
		if err := config.Initialize(globalContext.base); err != nil {
			log.Fatalf("Could not initialize config in %q: %v", globalContext.base, err)
		}
		return
	case "chunks":
		if err := listChunks(globalContext.base, os.Stdout); err != nil {
			log.Fatalf("Could not list archived chunks: %v", err)
		}
		return
	case "version":
		fmt.Println(version)
		return
	}

	e, err := segtree.Open(globalContext.base)
	if err != nil {
		log.Fatalf("Could not open engine at %q: %v", globalContext.base, err)
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Errorf("Could not cleanly close engine: %v", err)
		}
	}()

	tr, err := e.CreateTree(uint32(shellContext.treeType), shellContext.keySize, shellContext.valSize)
	if err != nil {
		log.Fatalf("Could not create tree: %v", err)
	}
	defer tr.Close()

	runShell(tr, os.Stdin, os.Stdout)
}

var version = "unknown"

// listChunks walks the configured archive store and prints one line
// per archived chunk. Keys come out stream by stream and in sequence
// order within a stream, so a gap in the numbers is visible at a
// glance.
func listChunks(base string, out io.Writer) error {
	cfg, err := config.Load(base)
	if err != nil {
		return err
	}
	store, err := storage.New(cfg)
	if err != nil {
		return err
	}
	enum, ok := store.(storage.Enumerable)
	if !ok {
		return fmt.Errorf("%q: backend cannot enumerate its contents", cfg.ArchiveStorage)
	}
	return enum.ForEach(func(k storage.Key) error {
		_, err := fmt.Fprintln(out, k)
		return err
	})
}

func runShell(tr *segtree.Tree, in io.Reader, out io.Writer) {
	s := bufio.NewScanner(in)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "put":
			if len(fields) != 3 {
				fmt.Fprintln(out, "usage: put KEY VALUE")
				continue
			}
			key, err := hex.DecodeString(fields[1])
			if err != nil {
				fmt.Fprintln(out, "bad key:", err)
				continue
			}
			val, err := hex.DecodeString(fields[2])
			if err != nil {
				fmt.Fprintln(out, "bad value:", err)
				continue
			}
			if err := tr.Put(key, val); err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, "ok")

		case "get":
			if len(fields) != 2 {
				fmt.Fprintln(out, "usage: get KEY")
				continue
			}
			key, err := hex.DecodeString(fields[1])
			if err != nil {
				fmt.Fprintln(out, "bad key:", err)
				continue
			}
			val, err := tr.Get(key)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, hex.EncodeToString(val))

		case "del":
			if len(fields) != 2 {
				fmt.Fprintln(out, "usage: del KEY")
				continue
			}
			key, err := hex.DecodeString(fields[1])
			if err != nil {
				fmt.Fprintln(out, "bad key:", err)
				continue
			}
			if err := tr.Delete(key); err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, "ok")

		case "next", "prev":
			if len(fields) != 2 {
				fmt.Fprintf(out, "usage: %s KEY\n", fields[0])
				continue
			}
			key, err := hex.DecodeString(fields[1])
			if err != nil {
				fmt.Fprintln(out, "bad key:", err)
				continue
			}
			dir := segtree.DirNext
			if fields[0] == "prev" {
				dir = segtree.DirPrev
			}
			k, v, err := tr.Iterate(key, dir)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, hex.EncodeToString(k), hex.EncodeToString(v))

		case "stats":
			st := tr.Stats()
			fmt.Fprintf(out, "height=%d active=%d max_active=%d\n", st.Height, st.ActiveNodes, st.MaxActiveNodes)

		case "quit":
			return

		default:
			fmt.Fprintln(out, "unrecognized command:", fields[0])
		}
	}
	if err := s.Err(); err != nil {
		log.Errorf("shell: scan error: %v", err)
	}
}
