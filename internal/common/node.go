package common

import "github.com/corelog/hypercore/internal/flattree"

// HashSize is the byte length of a tree node hash.
const HashSize = 32

// Node is a single stored tree node: the byte length of the subtree it
// covers plus its Blake2b hash. Nodes are addressed by flat-tree index
// and persisted as 40 bytes at offset 40*index of the tree store.
type Node struct {
	Index  uint64
	Length uint64
	Hash   []byte
	Parent uint64
	// Blank marks an all-zero hash, used as a tombstone left behind
	// by truncation.
	Blank bool
}

// NewNode creates a node, deriving its parent index and blank flag.
func NewNode(index uint64, hash []byte, length uint64) *Node {
	blank := true
	for _, b := range hash {
		if b != 0 {
			blank = false
			break
		}
	}
	return &Node{
		Index:  index,
		Length: length,
		Hash:   hash,
		Parent: flattree.Parent(index),
		Blank:  blank,
	}
}

// NewBlankNode creates a tombstone node.
func NewBlankNode(index uint64) *Node {
	return &Node{
		Index: index,
		Hash:  make([]byte, HashSize),
		Blank: true,
	}
}

// NodeByteRange locates a block inside the data store.
type NodeByteRange struct {
	Index  uint64
	Length uint64
}

// BitfieldUpdate records a contiguous bitfield change carried through
// the oplog.
type BitfieldUpdate struct {
	Drop   bool
	Start  uint64
	Length uint64
}

// TreeHeader is the tree snapshot stored in the oplog header.
type TreeHeader struct {
	Fork      uint64
	Length    uint64
	RootHash  []byte
	Signature []byte
}
