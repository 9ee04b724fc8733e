package nodeformat

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/nicolagi/segtree/internal/segaddr"
)

// FixedFormat is the node layout where both key and value have a fixed
// size, chosen at tree-creation time and stored in the header of every
// node belonging to that tree.
//
// Layout after the common header (offset commonHeaderSize):
//
//	used   u16
//	shift  u8
//	level  u8
//	ksize  u16
//	vsize  u16
//	footer { magic u32, checksum u32 }
//	records: (ksize+vsize) bytes * used
type FixedFormat struct{}

var _ Format = FixedFormat{}

const (
	offUsed   = commonHeaderSize
	offShift  = offUsed + 2
	offLevel  = offShift + 1
	offKSize  = offLevel + 1
	offVSize  = offKSize + 2
	offFooter = offVSize + 2

	footerMagicOff = offFooter
	footerCheckOff = offFooter + 4

	fixedHeaderSize = offFooter + 8

	footerMagic uint32 = 0x46584431 // "FXD1"
)

// NodeTypeID identifies FixedFormat in the common header.
func (FixedFormat) NodeTypeID() uint32 { return 1 }

func (FixedFormat) Init(n *Node, shift int, ksize, vsize int, treeTypeID uint32, tx Tx) error {
	if len(n.Bytes) < fixedHeaderSize {
		return errorf("Init", "node too small for fixed header: %d bytes", len(n.Bytes))
	}
	commonInit(n, FixedFormat{}.NodeTypeID(), treeTypeID, tx)
	be := binary.BigEndian
	be.PutUint16(n.Bytes[offUsed:], 0)
	n.Bytes[offShift] = uint8(shift)
	n.Bytes[offLevel] = 0
	be.PutUint16(n.Bytes[offKSize:], uint16(ksize))
	be.PutUint16(n.Bytes[offVSize:], uint16(vsize))
	be.PutUint32(n.Bytes[footerMagicOff:], footerMagic)
	be.PutUint32(n.Bytes[footerCheckOff:], 0)
	if tx != nil {
		tx.Capture(n.Addr, offUsed, fixedHeaderSize-offUsed)
	}
	FixedFormat{}.Fix(n, tx)
	return nil
}

func (f FixedFormat) Fini(n *Node, tx Tx) error {
	binary.BigEndian.PutUint16(n.Bytes[offUsed:], 0)
	f.Fix(n, tx)
	return nil
}

func fixedUsed(n *Node) int {
	return int(binary.BigEndian.Uint16(n.Bytes[offUsed:]))
}

func fixedSetUsed(n *Node, used int, tx Tx) {
	binary.BigEndian.PutUint16(n.Bytes[offUsed:], uint16(used))
	if tx != nil {
		tx.Capture(n.Addr, offUsed, 2)
	}
}

func fixedKSize(n *Node) int { return int(binary.BigEndian.Uint16(n.Bytes[offKSize:])) }
func fixedVSize(n *Node) int { return int(binary.BigEndian.Uint16(n.Bytes[offVSize:])) }
func fixedRecSize(n *Node) int { return fixedKSize(n) + fixedVSize(n) }

func (FixedFormat) Level(n *Node) int { return int(n.Bytes[offLevel]) }

func (FixedFormat) SetLevel(n *Node, level int, tx Tx) {
	n.Bytes[offLevel] = uint8(level)
	if tx != nil {
		tx.Capture(n.Addr, offLevel, 1)
	}
}

func (FixedFormat) Shift(n *Node) int    { return int(n.Bytes[offShift]) }
func (FixedFormat) KeySize(n *Node) int  { return fixedKSize(n) }
func (FixedFormat) ValSize(n *Node) int  { return fixedVSize(n) }

// Count returns the logical entry count: for a leaf, the number of
// key/value pairs; for an internal node, the number of delimiting keys
// (one fewer than the number of children, since the last record's key
// is an unused sentinel).
func (f FixedFormat) Count(n *Node) int {
	used := fixedUsed(n)
	if f.Level(n) == 0 {
		return used
	}
	if used == 0 {
		return 0
	}
	return used - 1
}

// CountRec returns the raw number of physical records, including the
// internal node's trailing rightmost-child sentinel.
func (FixedFormat) CountRec(n *Node) int { return fixedUsed(n) }

func recordAreaSize(n *Node) int {
	return len(n.Bytes) - fixedHeaderSize
}

func (FixedFormat) SpaceFree(n *Node) int {
	return recordAreaSize(n) - fixedUsed(n)*fixedRecSize(n)
}

func (f FixedFormat) IsOverflow(n *Node) bool {
	return f.SpaceFree(n) < 0
}

func (f FixedFormat) IsFit(n *Node, recSize int) bool {
	return f.SpaceFree(n) >= recSize
}

func (f FixedFormat) IsUnderflow(n *Node, predict bool) bool {
	if f.Level(n) == 0 {
		c := fixedUsed(n)
		if predict {
			c--
		}
		return c <= 0
	}
	c := fixedUsed(n)
	if predict {
		c--
	}
	return c <= 1
}

func recordOffset(n *Node, idx int) int {
	return fixedHeaderSize + idx*fixedRecSize(n)
}

func (FixedFormat) Rec(n *Node, idx int) Record {
	ksize, vsize := fixedKSize(n), fixedVSize(n)
	off := recordOffset(n, idx)
	return Record{
		Key: n.Bytes[off : off+ksize],
		Val: n.Bytes[off+ksize : off+ksize+vsize],
	}
}

func (f FixedFormat) Key(n *Node, idx int) []byte {
	return f.Rec(n, idx).Key
}

func (f FixedFormat) Child(n *Node, idx int) segaddr.T {
	v := f.Rec(n, idx).Val
	return segaddr.T(binary.BigEndian.Uint64(v))
}

func (f FixedFormat) SetKey(n *Node, idx int, key []byte, tx Tx) {
	rec := f.Rec(n, idx)
	copy(rec.Key, key)
	if tx != nil {
		off := recordOffset(n, idx)
		tx.Capture(n.Addr, off, len(rec.Key))
	}
}

// Find performs a binary search over the sorted key array:
// it returns the lowest index whose key is >= key, and whether that
// index is an exact match. Internal-node descent: if exact, descend
// into child idx+1, else child idx.
func (f FixedFormat) Find(n *Node, key []byte) (int, bool) {
	count := f.Count(n)
	lo, hi := 0, count
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := bytes.Compare(f.Key(n, mid), key)
		if cmp < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < count && bytes.Equal(f.Key(n, lo), key) {
		return lo, true
	}
	return lo, false
}

func (f FixedFormat) Make(n *Node, idx int, tx Tx) (Record, error) {
	recSize := fixedRecSize(n)
	if !f.IsFit(n, recSize) {
		return Record{}, ErrNoSpace
	}
	used := fixedUsed(n)
	if idx < 0 || idx > used {
		return Record{}, errorf("Make", "idx %d out of range [0,%d]", idx, used)
	}
	shiftRecordsRight(n, idx, used, 1, tx)
	fixedSetUsed(n, used+1, tx)
	rec := f.Rec(n, idx)
	for i := range rec.Key {
		rec.Key[i] = 0
	}
	for i := range rec.Val {
		rec.Val[i] = 0
	}
	if tx != nil {
		off := recordOffset(n, idx)
		tx.Capture(n.Addr, off, recSize)
	}
	return rec, nil
}

func (f FixedFormat) Del(n *Node, idx int, tx Tx) error {
	used := fixedUsed(n)
	if idx < 0 || idx >= used {
		return errorf("Del", "idx %d out of range [0,%d)", idx, used)
	}
	shiftRecordsLeft(n, idx+1, used, 1, tx)
	fixedSetUsed(n, used-1, tx)
	return nil
}

func (FixedFormat) Cut(n *Node, idx int, size int, tx Tx) error {
	return errorf("Cut", "%w: fixed format has no variable-size values", ErrNotImplemented)
}

// Fix recomputes the footer checksum over the header fields and the
// live record region, writes it back, and captures the whole live
// region. Callers invoke it once a batch of mutations on the node is
// complete — including any record bytes the user callback wrote in
// place after Make — so the capture here is what makes those writes
// durable.
func (FixedFormat) Fix(n *Node, tx Tx) {
	h := crc32.NewIEEE()
	_, _ = h.Write(n.Bytes[offUsed:footerCheckOff])
	used := fixedUsed(n)
	recSize := fixedRecSize(n)
	end := fixedHeaderSize + used*recSize
	_, _ = h.Write(n.Bytes[fixedHeaderSize:end])
	binary.BigEndian.PutUint32(n.Bytes[footerCheckOff:], h.Sum32())
	if tx != nil {
		tx.Capture(n.Addr, offUsed, end-offUsed)
	}
}

// shiftRecordsRight opens a gap of width recs records at idx, within
// [idx, used), moving the tail up by recs slots.
func shiftRecordsRight(n *Node, idx, used, recs int, tx Tx) {
	recSize := fixedRecSize(n)
	if used <= idx {
		return
	}
	src := n.Bytes[recordOffset(n, idx):recordOffset(n, used)]
	dst := n.Bytes[recordOffset(n, idx+recs):recordOffset(n, used+recs)]
	copy(dst, src)
	if tx != nil {
		tx.Capture(n.Addr, recordOffset(n, idx+recs), len(src))
	}
	_ = recSize
}

// shiftRecordsLeft closes a gap: moves [from, used) down by recs slots,
// landing at from-recs.
func shiftRecordsLeft(n *Node, from, used, recs int, tx Tx) {
	if from >= used {
		// Nothing beyond the removed slot(s); just zero the tail.
		off := recordOffset(n, from-recs)
		end := recordOffset(n, used)
		for i := off; i < end; i++ {
			n.Bytes[i] = 0
		}
		if tx != nil {
			tx.Capture(n.Addr, off, end-off)
		}
		return
	}
	src := n.Bytes[recordOffset(n, from):recordOffset(n, used)]
	dst := n.Bytes[recordOffset(n, from-recs):recordOffset(n, used-recs)]
	copy(dst, src)
	if tx != nil {
		tx.Capture(n.Addr, recordOffset(n, from-recs), len(src))
	}
}

// Move implements the split/rebalance record transfer: nr records
// cross from src to tgt. dir == Left means tgt sits to the left of src
// in key order, so records leave src's head and arrive at tgt's tail;
// dir == Right is the mirror image.
func (f FixedFormat) Move(src, tgt *Node, dir Direction, nr int, tx Tx) {
	recSize := fixedRecSize(src)
	n := f.resolveMoveCount(src, tgt, nr, recSize)
	if n <= 0 {
		return
	}
	srcUsed := fixedUsed(src)
	tgtUsed := fixedUsed(tgt)
	if dir == Left {
		// src[0:n] -> tgt tail.
		srcRegion := src.Bytes[recordOffset(src, 0):recordOffset(src, n)]
		tgtRegion := tgt.Bytes[recordOffset(tgt, tgtUsed):recordOffset(tgt, tgtUsed+n)]
		copy(tgtRegion, srcRegion)
		if tx != nil {
			tx.Capture(tgt.Addr, recordOffset(tgt, tgtUsed), len(tgtRegion))
		}
		shiftRecordsLeft(src, n, srcUsed, n, tx)
		fixedSetUsed(tgt, tgtUsed+n, tx)
		fixedSetUsed(src, srcUsed-n, tx)
	} else {
		// src[srcUsed-n:srcUsed] -> tgt head.
		start := srcUsed - n
		shiftRecordsRight(tgt, 0, tgtUsed, n, tx)
		srcRegion := src.Bytes[recordOffset(src, start):recordOffset(src, srcUsed)]
		tgtRegion := tgt.Bytes[recordOffset(tgt, 0):recordOffset(tgt, n)]
		copy(tgtRegion, srcRegion)
		if tx != nil {
			tx.Capture(tgt.Addr, recordOffset(tgt, 0), len(tgtRegion))
		}
		// Zero the vacated tail of src.
		for i := recordOffset(src, start); i < recordOffset(src, srcUsed); i++ {
			src.Bytes[i] = 0
		}
		if tx != nil {
			tx.Capture(src.Addr, recordOffset(src, start), recordOffset(src, srcUsed)-recordOffset(src, start))
		}
		fixedSetUsed(tgt, tgtUsed+n, tx)
		fixedSetUsed(src, srcUsed-n, tx)
	}
	f.Fix(src, tx)
	f.Fix(tgt, tx)
}

func (f FixedFormat) resolveMoveCount(src, tgt *Node, nr int, recSize int) int {
	srcUsed := fixedUsed(src)
	switch nr {
	case NRMax:
		fit := f.SpaceFree(tgt) / recSize
		if fit > srcUsed {
			fit = srcUsed
		}
		return fit
	case NREven:
		diff := f.SpaceFree(tgt) - f.SpaceFree(src)
		count := 0
		for count < srcUsed {
			nextDiff := diff - 2*recSize
			if abs(nextDiff) >= abs(diff) {
				break
			}
			diff = nextDiff
			count++
		}
		return count
	default:
		if nr > srcUsed {
			nr = srcUsed
		}
		return nr
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func (f FixedFormat) Invariant(n *Node) error {
	shift := f.Shift(n)
	if shift != n.Addr.Shift() {
		return errorf("Invariant", "node shift %d does not match address shift %d", shift, n.Addr.Shift())
	}
	used := fixedUsed(n)
	level := f.Level(n)
	if used == 0 && level != 0 {
		return errorf("Invariant", "used=0 but level=%d, want 0", level)
	}
	recSize := fixedRecSize(n)
	if used*recSize > recordAreaSize(n) {
		return errorf("Invariant", "used*recSize=%d exceeds record area %d", used*recSize, recordAreaSize(n))
	}
	return nil
}

func (f FixedFormat) Verify(n *Node) error {
	if !commonIsValid(n, f.NodeTypeID()) {
		return errorf("Verify", "%w: bad common header", ErrCorrupt)
	}
	if binary.BigEndian.Uint32(n.Bytes[footerMagicOff:]) != footerMagic {
		return errorf("Verify", "%w: bad footer magic", ErrCorrupt)
	}
	if err := f.Invariant(n); err != nil {
		return err
	}
	want := binary.BigEndian.Uint32(n.Bytes[footerCheckOff:])
	h := crc32.NewIEEE()
	_, _ = h.Write(n.Bytes[offUsed:footerCheckOff])
	used := fixedUsed(n)
	recSize := fixedRecSize(n)
	end := fixedHeaderSize + used*recSize
	_, _ = h.Write(n.Bytes[fixedHeaderSize:end])
	if h.Sum32() != want {
		return errorf("Verify", "%w: checksum mismatch", ErrCorrupt)
	}
	return nil
}

func (f FixedFormat) IsValid(n *Node) bool {
	return commonIsValid(n, f.NodeTypeID())
}

func (FixedFormat) OpaqueSet(n *Node, v uint64) { opaqueSet(n, v, nil) }
func (FixedFormat) OpaqueGet(n *Node) uint64    { return opaqueGet(n) }
