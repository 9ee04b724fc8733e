package storage

import (
	"bytes"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"reflect"
	"strings"
	"testing"
	"testing/quick"

	"github.com/nicolagi/segtree/config"
	"github.com/pkg/errors"
)

// storeFuncs implements Store.
// Its behavior is fully configurable by setting get, put, delete functions.
// Intended for unit tests in this package.
type storeFuncs struct {
	get    func(Key) (Value, error)
	put    func(Key, Value) error
	delete func(Key) error
}

func (s storeFuncs) Get(key Key) (Value, error) {
	if s.get != nil {
		return s.get(key)
	}
	return nil, nil
}

func (s storeFuncs) Put(key Key, value Value) error {
	if s.put != nil {
		return s.put(key, value)
	}
	return nil
}
func (s storeFuncs) Delete(key Key) error {
	if s.delete != nil {
		return s.delete(key)
	}
	return nil
}

// Generate implements quick.Generator. Generated keys are of NewKey's
// "<stream-id>/<sequence>" shape — the only shape the archiver ever
// produces — so property tests exercise the composite form, embedded
// slash included, not some simpler stand-in.
func (Key) Generate(r *rand.Rand, size int) reflect.Value {
	return reflect.ValueOf(randomKey(r))
}

func randomKey(r *rand.Rand) Key {
	b := make([]byte, StreamIDLength/2)
	if _, err := r.Read(b); err != nil {
		panic(err)
	}
	return NewKey(fmt.Sprintf("%x", b), r.Uint64())
}

func TestNewKey(t *testing.T) {
	t.Run("keys have the documented fixed length", func(t *testing.T) {
		f := func(k Key) bool {
			return len(k) == KeyLength
		}
		if err := quick.Check(f, nil); err != nil {
			t.Error(err)
		}
	})
	t.Run("split recovers the stream id and sequence", func(t *testing.T) {
		k := NewKey("deadbeef01234567", 42)
		stream, seq, ok := k.Split()
		if !ok {
			t.Fatalf("Split(%q) not ok", k)
		}
		if stream != "deadbeef01234567" {
			t.Errorf("got stream %q, want %q", stream, "deadbeef01234567")
		}
		if seq != "00000000000000000042" {
			t.Errorf("got seq %q, want %q", seq, "00000000000000000042")
		}
	})
	t.Run("split rejects foreign shapes", func(t *testing.T) {
		for _, k := range []Key{"", "noslash", "short/1", Key(strings.Repeat("a", KeyLength))} {
			if _, _, ok := k.Split(); ok {
				t.Errorf("Split(%q) ok, want rejection", k)
			}
		}
	})
	t.Run("keys of one stream sort in sequence order", func(t *testing.T) {
		f := func(s1, s2 uint64) bool {
			lo, hi := s1, s2
			if lo > hi {
				lo, hi = hi, lo
			}
			return NewKey("deadbeef01234567", lo) <= NewKey("deadbeef01234567", hi)
		}
		if err := quick.Check(f, nil); err != nil {
			t.Error(err)
		}
	})
	t.Run("random keys are distinct", func(t *testing.T) {
		f := func(k1, k2 Key) bool {
			return k1 != k2
		}
		if err := quick.Check(f, nil); err != nil {
			t.Error(err)
		}
	})
}

func TestStoreImplementations(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*testing.T) (impl Store, teardown func())
	}{
		{
			"disk",
			func(t *testing.T) (impl Store, teardown func()) {
				impl = NewDiskStore(t.TempDir())
				return
			},
		},
		{
			"s3",
			func(t *testing.T) (impl Store, teardown func()) {
				if s3params == "" {
					t.Skip()
				}
				args := strings.Split(s3params, ",")
				if got, want := len(args), 3; got != want {
					t.Fatalf("got %d, want %d args for S3 store", got, want)
				}
				var err error
				impl, err = newS3Store(&config.C{
					ArchiveS3Region:  args[0],
					ArchiveS3Bucket:  args[1],
					ArchiveS3Profile: args[2],
				})
				if err != nil {
					t.Fatal(err)
				}
				return
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			impl, teardown := c.setup(t)
			if teardown != nil {
				defer teardown()
			}
			testStore(t, impl)
		})
	}
}

var s3params string

func testStore(t *testing.T, impl Store) {
	t.Run("you get what you put", func(t *testing.T) {
		f := func(key Key, value Value) bool {
			err := impl.Put(key, value)
			if err != nil {
				t.Fatal(err)
			}
			v, err := impl.Get(key)
			if err != nil {
				t.Fatal(err)
			}
			return bytes.Equal(v, value)
		}
		if err := quick.Check(f, &quick.Config{MaxCount: 10}); err != nil {
			t.Error(err)
		}
	})
	t.Run("should not get a deleted key", func(t *testing.T) {
		f := func(key Key, value Value) bool {
			err := impl.Put(key, value)
			if err != nil {
				t.Fatal(err)
			}
			err = impl.Delete(key)
			if err != nil {
				t.Fatal(err)
			}
			v, err := impl.Get(key)
			vok := v == nil
			eok := errors.Is(err, ErrNotFound)
			if !eok {
				t.Errorf("got %v of type %T, want wrapper of %v", err, err, ErrNotFound)
			}
			return vok && eok
		}
		if err := quick.Check(f, &quick.Config{MaxCount: 10}); err != nil {
			t.Error(err)
		}
	})
	t.Run("malformed keys are rejected, not misfiled", func(t *testing.T) {
		err := impl.Put("not-a-chunk-key", Value("x"))
		if err == nil {
			t.Skip("backend accepts arbitrary object names")
		}
		if !errors.Is(err, ErrMalformedKey) {
			t.Errorf("got %v of type %T, want wrapper of %v", err, err, ErrMalformedKey)
		}
	})
}

func TestMain(m *testing.M) {
	flag.StringVar(&s3params, "s3", "", "region, bucket, and profile for S3 store testing")
	flag.Parse()
	os.Exit(m.Run())
}
