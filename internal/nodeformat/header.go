package nodeformat

import "encoding/binary"

// Common header layout, offset 0 of every node, regardless of format
// variant:
//
//	0x00  magic        u32
//	0x04  version      u8   (+3 reserved bytes)
//	0x08  node_type_id u32
//	0x0c  tree_type_id u32
//	0x10  opaque_hint  u64
const (
	offMagic      = 0
	offVersion    = 4
	offNodeTypeID = 8
	offTreeTypeID = 12
	offOpaqueHint = 16

	commonHeaderSize = 24

	commonMagic   uint32 = 0x42545232 // "BTR2"
	commonVersion uint8  = 1
)

func commonInit(n *Node, nodeTypeID, treeTypeID uint32, tx Tx) {
	be := binary.BigEndian
	be.PutUint32(n.Bytes[offMagic:], commonMagic)
	n.Bytes[offVersion] = commonVersion
	n.Bytes[offVersion+1] = 0
	n.Bytes[offVersion+2] = 0
	n.Bytes[offVersion+3] = 0
	be.PutUint32(n.Bytes[offNodeTypeID:], nodeTypeID)
	be.PutUint32(n.Bytes[offTreeTypeID:], treeTypeID)
	be.PutUint64(n.Bytes[offOpaqueHint:], 0)
	if tx != nil {
		tx.Capture(n.Addr, 0, commonHeaderSize)
	}
}

func commonIsValid(n *Node, wantNodeTypeID uint32) bool {
	if len(n.Bytes) < commonHeaderSize {
		return false
	}
	be := binary.BigEndian
	if be.Uint32(n.Bytes[offMagic:]) != commonMagic {
		return false
	}
	if n.Bytes[offVersion] != commonVersion {
		return false
	}
	return be.Uint32(n.Bytes[offNodeTypeID:]) == wantNodeTypeID
}

func commonNodeTypeID(n *Node) uint32 {
	return binary.BigEndian.Uint32(n.Bytes[offNodeTypeID:])
}

// TypeOf reads the node_type_id from a node's common header, so a
// cache can resolve which Format implementation to dispatch to before
// it has one in hand.
func TypeOf(n *Node) uint32 {
	return commonNodeTypeID(n)
}

func commonTreeTypeID(n *Node) uint32 {
	return binary.BigEndian.Uint32(n.Bytes[offTreeTypeID:])
}

// TreeTypeOf reads the tree_type_id from a node's common header, so
// open() can re-acquire a tree descriptor's type without the caller
// having to supply it again.
func TreeTypeOf(n *Node) uint32 {
	return commonTreeTypeID(n)
}

// opaqueGet/opaqueSet implement the in-memory descriptor back-pointer
// hint: a plain u64 in the header, never followed without the caller
// first validating it against the node's own address under the cache's
// lock.
func opaqueGet(n *Node) uint64 {
	return binary.BigEndian.Uint64(n.Bytes[offOpaqueHint:])
}

func opaqueSet(n *Node, v uint64, tx Tx) {
	binary.BigEndian.PutUint64(n.Bytes[offOpaqueHint:], v)
	if tx != nil {
		tx.Capture(n.Addr, offOpaqueHint, 8)
	}
}
